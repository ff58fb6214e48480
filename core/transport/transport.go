// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the reliable byte streams links run over.
// Addresses are URLs with a tcp or quic scheme; a bare host:port is taken
// to be tcp.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	SchemeTCP  = "tcp"
	SchemeQUIC = "quic"
)

// ErrUnsupportedScheme is returned for addresses with an unknown scheme.
var ErrUnsupportedScheme = errors.New("transport: unsupported scheme")

// ParseAddress splits addr into its scheme and host:port.
func ParseAddress(addr string) (scheme, hostport string, err error) {
	if !strings.Contains(addr, "://") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", "", fmt.Errorf("transport: invalid address '%v': %w", addr, err)
		}
		return SchemeTCP, addr, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("transport: invalid address '%v': %w", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", SchemeQUIC:
	default:
		return "", "", fmt.Errorf("%w: '%v'", ErrUnsupportedScheme, addr)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", "", fmt.Errorf("transport: invalid address '%v': %w", addr, err)
	}
	return u.Scheme, u.Host, nil
}

// IsAddress returns true if s names a transport address rather than a
// hop name.
func IsAddress(s string) bool {
	_, _, err := ParseAddress(s)
	return err == nil
}

// Listen listens on addr.
func Listen(addr string) (net.Listener, error) {
	scheme, hostport, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme == SchemeQUIC {
		return ListenQUIC(hostport)
	}
	return net.Listen(scheme, hostport)
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, hostport, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme == SchemeQUIC {
		return DialQUIC(ctx, hostport)
	}
	var d net.Dialer
	return d.DialContext(ctx, scheme, hostport)
}

// URL returns the canonical address of a listener.
func URL(l net.Listener) string {
	if _, ok := l.(*quicListener); ok {
		return SchemeQUIC + "://" + l.Addr().String()
	}
	return SchemeTCP + "://" + l.Addr().String()
}
