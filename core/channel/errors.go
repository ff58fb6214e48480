// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/portal/core/identity"
)

var (
	// ErrChannelFailed is the error every failed handshake or broken
	// session reports to callers.
	ErrChannelFailed = errors.New("channel: failed")

	// ErrHandshakeTimeout is reported when the handshake did not finish
	// within the configured timeout.
	ErrHandshakeTimeout = errors.New("channel: handshake timeout")

	// ErrReplayOrOutOfOrder is returned for frames whose sequence number
	// is not the next expected one.  The session stays usable.
	ErrReplayOrOutOfOrder = errors.New("channel: replayed or out of order frame")

	// ErrNotEstablished is returned when using a session that is not
	// Established.
	ErrNotEstablished = errors.New("channel: session not established")

	// ErrMessageTooLarge is returned by Send for oversized payloads.
	ErrMessageTooLarge = errors.New("channel: message too large")

	errMalformed    = errors.New("malformed message")
	errUnauthorized = errors.New("peer not authorized")
)

// HandshakeError is returned by Initiate and Respond.  Error only states
// that the channel failed; Verbose includes the failing step and is meant
// for operator logs.
type HandshakeError struct {
	State       State
	IsInitiator bool
	Timeout     bool
	Message     string
	Peer        identity.Identifier

	UnderlyingError error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Timeout {
		return ErrHandshakeTimeout.Error()
	}
	return ErrChannelFailed.Error()
}

// Unwrap returns ErrHandshakeTimeout or ErrChannelFailed.
func (e *HandshakeError) Unwrap() error {
	if e.Timeout {
		return ErrHandshakeTimeout
	}
	return ErrChannelFailed
}

// Verbose returns a detailed description of the failure.
func (e *HandshakeError) Verbose() string {
	var b strings.Builder
	fmt.Fprintf(&b, "channel: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if e.Peer != "" {
		fmt.Fprintf(&b, " with peer %s", e.Peer)
	}
	if e.Timeout {
		b.WriteString(": timeout")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}
	return b.String()
}
