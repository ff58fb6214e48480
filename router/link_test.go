// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/wire"
)

// newPipeLink returns a link over an in-memory connection, and the
// envelopes written to it.
func newPipeLink(t *testing.T) (*link, <-chan *wire.Envelope) {
	a, b := net.Pipe()
	peerCh := make(chan *wire.Conn, 1)
	go func() {
		c, err := wire.Server(b, time.Second)
		if err != nil {
			close(peerCh)
			return
		}
		peerCh <- c
	}()
	client, err := wire.Client(a)
	require.NoError(t, err)
	peer, ok := <-peerCh
	require.True(t, ok)
	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})

	envCh := make(chan *wire.Envelope, 4*circuitWindow)
	go func() {
		defer close(envCh)
		for {
			e, err := peer.Read()
			if err != nil {
				return
			}
			envCh <- e
		}
	}()

	n := newTestNode(t, newTestAuthority(t), nil, nil)
	return newLink(n, client, "", true), envCh
}

func TestCircuitWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l, envCh := newPipeLink(t)
	c, err := l.acceptCircuit(2)
	require.NoError(err)
	ctx := context.Background()

	// Sending stops once the window is spent, until credit arrives.
	for i := 0; i < circuitWindow; i++ {
		require.NoError(c.Send(ctx, []byte{byte(i)}))
	}
	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	require.ErrorIs(c.Send(sctx, []byte("over")), context.DeadlineExceeded)
	cancel()
	c.addCredit(1)
	require.NoError(c.Send(ctx, []byte("granted")))

	// Reading half the window grants it back to the peer.
	for i := 0; i < circuitWindow/2; i++ {
		c.deliver([]byte{byte(i)})
		_, err := c.Recv(ctx)
		require.NoError(err)
	}
	var credit *wire.Envelope
	require.Eventually(func() bool {
		for {
			select {
			case e := <-envCh:
				if e.Type == wire.TypeCredit {
					credit = e
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(uint64(2), credit.Circuit)
	require.Equal(uint32(circuitWindow/2), credit.Window)
}

func TestCircuitOverrun(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l, envCh := newPipeLink(t)
	c, err := l.acceptCircuit(2)
	require.NoError(err)

	for i := 0; i < circuitWindow; i++ {
		c.deliver([]byte{byte(i)})
	}
	select {
	case <-c.closeCh:
		t.Fatal("circuit closed within its window")
	default:
	}

	// One envelope beyond the window tears the circuit down without
	// waiting for the reader.
	c.deliver([]byte("overrun"))
	<-c.closeCh
	require.Nil(l.circuit(2))

	var closed bool
	require.Eventually(func() bool {
		select {
		case e := <-envCh:
			closed = e.Type == wire.TypeClose && e.Circuit == 2
		default:
		}
		return closed
	}, 5*time.Second, 10*time.Millisecond)

	// What was queued is still readable.
	for i := 0; i < circuitWindow; i++ {
		b, err := c.Recv(context.Background())
		require.NoError(err)
		require.Equal([]byte{byte(i)}, b)
	}
	_, err = c.Recv(context.Background())
	require.Error(err)
}
