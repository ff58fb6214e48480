// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	for _, v := range []struct {
		addr     string
		scheme   string
		hostport string
		ok       bool
	}{
		{"127.0.0.1:4000", SchemeTCP, "127.0.0.1:4000", true},
		{"tcp://127.0.0.1:4000", SchemeTCP, "127.0.0.1:4000", true},
		{"tcp6://[::1]:4000", "tcp6", "[::1]:4000", true},
		{"quic://relay.example.org:4000", SchemeQUIC, "relay.example.org:4000", true},
		{"udp://127.0.0.1:4000", "", "", false},
		{"tcp://127.0.0.1", "", "", false},
		{"alice", "", "", false},
		{"outlet-name", "", "", false},
	} {
		scheme, hostport, err := ParseAddress(v.addr)
		if !v.ok {
			require.Error(t, err, v.addr)
			require.False(t, IsAddress(v.addr))
			continue
		}
		require.NoError(t, err, v.addr)
		require.Equal(t, v.scheme, scheme)
		require.Equal(t, v.hostport, hostport)
		require.True(t, IsAddress(v.addr))
	}
}

func testEcho(t *testing.T, listenAddr string) {
	require := require.New(t)

	l, err := Listen(listenAddr)
	require.NoError(err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, URL(l))
	require.NoError(err)
	defer c.Close()

	_, err = c.Write([]byte("hello"))
	require.NoError(err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))
}

func TestTCP(t *testing.T) {
	t.Parallel()
	testEcho(t, "tcp://127.0.0.1:0")
}

func TestQUIC(t *testing.T) {
	t.Parallel()
	testEcho(t, "quic://127.0.0.1:0")
}

func TestListenerTLSConfig(t *testing.T) {
	t.Parallel()

	c, err := listenerTLSConfig()
	require.NoError(t, err)
	require.Len(t, c.Certificates, 1)
	require.Equal(t, []string{"h3"}, c.NextProtos)

	c2, err := listenerTLSConfig()
	require.NoError(t, err)
	require.NotEqual(t, c.Certificates[0].Certificate[0], c2.Certificates[0].Certificate[0])
}
