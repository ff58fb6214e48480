// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	acceptStreamTimeout = 10 * time.Second
	certLifetime        = 24 * time.Hour
)

// quicConn is a net.Conn over the first stream of a QUIC connection.
type quicConn struct {
	*quic.Stream

	conn *quic.Conn
}

func (q *quicConn) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }

// Close closes the stream, then tears down the connection.
func (q *quicConn) Close() error {
	err := q.Stream.Close()
	q.conn.CloseWithError(0, "")
	return err
}

// quicListener yields one quicConn per accepted QUIC connection.  A
// connection's stream only becomes acceptable once the dialer writes to
// it, which the channel handshake always does first.
type quicListener struct {
	l *quic.Listener
}

func (l *quicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.l.Accept(context.Background())
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(conn.Context(), acceptStreamTimeout)
		stream, err := conn.AcceptStream(ctx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "")
			continue
		}
		return &quicConn{Stream: stream, conn: conn}, nil
	}
}

func (l *quicListener) Addr() net.Addr { return l.l.Addr() }
func (l *quicListener) Close() error   { return l.l.Close() }

// ListenQUIC listens for QUIC connections on hostport.
func ListenQUIC(hostport string) (net.Listener, error) {
	tlsConf, err := listenerTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(hostport, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: ql}, nil
}

// DialQUIC opens a QUIC connection and stream to hostport.  The TLS
// layer is not authenticated; peers authenticate in the secure channel.
func DialQUIC(ctx context.Context, hostport string) (net.Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, hostport, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// listenerTLSConfig returns a TLS config carrying an ephemeral self signed
// ed25519 certificate.  ALPN is visible on the wire, so it advertises h3.
func listenerTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certLifetime),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{http3.NextProtoH3},
	}, nil
}
