// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/portal/core/channel"
	"github.com/katzenpost/portal/core/worker"
	"github.com/katzenpost/portal/internal/instrument"
)

// PortalVersion is the version of the portal protocol spoken over an
// established channel.
const PortalVersion = 1

const (
	portalRequest = 1
	portalAccept  = 2

	spliceBufferSize = 32 * 1024
)

var (
	errPortalProtocol = errors.New("router: portal protocol violation")

	// errPolicyDenied never leaves the outlet; the inlet only sees the
	// portal close.
	errPolicyDenied = errors.New("router: denied by policy")

	encMode cbor.EncMode
)

// portalControl is the first message in each direction of a portal.
type portalControl struct {
	Type    uint8
	Version uint8
}

func sendControl(ctx context.Context, s *channel.Session, t uint8) error {
	b, err := encMode.Marshal(&portalControl{Type: t, Version: PortalVersion})
	if err != nil {
		return err
	}
	return s.Send(ctx, b)
}

func recvControl(ctx context.Context, s *channel.Session, t uint8) error {
	b, err := s.Recv(ctx)
	if err != nil {
		return err
	}
	var m portalControl
	if err = cbor.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: %v", errPortalProtocol, err)
	}
	if m.Type != t || m.Version != PortalVersion {
		return fmt.Errorf("%w: unexpected message %d/%d", errPortalProtocol, m.Type, m.Version)
	}
	return nil
}

// closeWriter is implemented by connections that support half close.
type closeWriter interface {
	CloseWrite() error
}

// splice copies between conn and s, under w, until both directions have
// ended, either side fails, ctx is done, or neither side carries traffic
// for idleTimeout.  An empty message marks the end of a direction, and is
// passed on to conn as a half close.  Both are closed on return.
func (n *Node) splice(ctx context.Context, w *worker.Worker, s *channel.Session, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	instrument.PortalOpened()
	defer instrument.PortalClosed()

	// Each direction reports whether it ended cleanly.
	doneCh := make(chan bool, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	w.Go(func() {
		defer wg.Done()
		doneCh <- n.spliceOut(ctx, s, conn)
	})
	w.Go(func() {
		defer wg.Done()
		doneCh <- n.spliceIn(ctx, s, conn)
	})

	idle := n.cfg.IdleTimeout
	tick := idle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	ended := 0
loop:
	for ended < 2 {
		select {
		case <-ctx.Done():
			break loop
		case ok := <-doneCh:
			if !ok {
				break loop
			}
			ended++
		case <-ticker.C:
			if time.Since(s.LastActivity()) > idle {
				n.log.Debugf("Closing idle portal with %v", s.PeerIdentifier())
				break loop
			}
		}
	}

	cancel()
	s.Close()
	conn.Close()
	wg.Wait()
}

// spliceOut forwards conn to s, and ends the direction when conn is read
// to EOF.
func (n *Node) spliceOut(ctx context.Context, s *channel.Session, conn net.Conn) bool {
	buf := make([]byte, spliceBufferSize)
	for {
		nr, err := conn.Read(buf)
		if nr > 0 {
			instrument.BytesIn(nr)
			if s.Send(ctx, buf[:nr]) != nil {
				return false
			}
		}
		if err == io.EOF {
			return s.Send(ctx, nil) == nil
		}
		if err != nil {
			return false
		}
	}
}

// spliceIn forwards s to conn until the peer ends the direction.
func (n *Node) spliceIn(ctx context.Context, s *channel.Session, conn net.Conn) bool {
	for {
		b, err := s.Recv(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrReplayOrOutOfOrder) {
				continue
			}
			if err != io.EOF && ctx.Err() == nil {
				n.log.Debugf("Portal with %v failed: %v", s.PeerIdentifier(), err)
			}
			return false
		}
		if len(b) == 0 {
			cw, ok := conn.(closeWriter)
			return ok && cw.CloseWrite() == nil
		}
		if _, err = conn.Write(b); err != nil {
			return false
		}
		instrument.BytesOut(len(b))
	}
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
