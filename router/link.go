// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/katzenpost/portal/core/wire"
	"github.com/katzenpost/portal/internal/instrument"
)

// circuitWindow is how many TypeData envelopes a circuit end may have in
// flight towards its peer.  Receivers grant credit back as they consume.
const circuitWindow = 64

var errLinkClosed = errors.New("router: link closed")

// link is a wire connection to another node or a relay, multiplexing
// circuits.  The side that dialed the link allocates odd circuit ids, the
// side that accepted it even ones.
type link struct {
	sync.Mutex

	n    *Node
	conn *wire.Conn

	// addr is the dialed address of outbound links.
	addr string

	nextID   uint64
	circuits map[uint64]*circuit
	closed   bool

	doneCh chan struct{}
}

func newLink(n *Node, conn *wire.Conn, addr string, outbound bool) *link {
	l := &link{
		n:        n,
		conn:     conn,
		addr:     addr,
		nextID:   2,
		circuits: make(map[uint64]*circuit),
		doneCh:   make(chan struct{}),
	}
	if outbound {
		l.nextID = 1
	}
	return l
}

func (l *link) isClosed() bool {
	select {
	case <-l.doneCh:
		return true
	default:
		return false
	}
}

// openCircuit opens a circuit towards route, which is relative to the
// peer of the link.
func (l *link) openCircuit(route []string) (*circuit, error) {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil, errLinkClosed
	}
	id := l.nextID
	l.nextID += 2
	c := newCircuit(l, id)
	l.circuits[id] = c
	l.Unlock()

	instrument.CircuitOpened()
	if err := l.conn.Write(&wire.Envelope{Type: wire.TypeOpen, Circuit: id, Route: route}); err != nil {
		c.shutdown(false)
		l.conn.Close()
		return nil, err
	}
	return c, nil
}

// acceptCircuit registers a circuit opened by the peer.
func (l *link) acceptCircuit(id uint64) (*circuit, error) {
	l.Lock()
	defer l.Unlock()
	if l.closed {
		return nil, errLinkClosed
	}
	if _, ok := l.circuits[id]; ok {
		return nil, errors.New("router: duplicate circuit")
	}
	c := newCircuit(l, id)
	l.circuits[id] = c
	instrument.CircuitOpened()
	return c, nil
}

func (l *link) rejectCircuit(id uint64) error {
	return l.conn.Write(&wire.Envelope{Type: wire.TypeClose, Circuit: id})
}

func (l *link) circuit(id uint64) *circuit {
	l.Lock()
	defer l.Unlock()
	return l.circuits[id]
}

func (l *link) removeCircuit(c *circuit) {
	l.Lock()
	defer l.Unlock()
	if l.circuits[c.id] == c {
		delete(l.circuits, c.id)
	}
}

// worker dispatches envelopes until the link fails.
func (l *link) worker() {
	defer l.teardown()
	for {
		e, err := l.conn.Read()
		if err != nil {
			l.n.log.Debugf("Link %v closed: %v", l.conn.RemoteAddr(), err)
			return
		}
		switch e.Type {
		case wire.TypeOpen:
			l.n.onOpen(l, e)
		case wire.TypeData:
			if c := l.circuit(e.Circuit); c != nil {
				c.deliver(e.Payload)
			}
		case wire.TypeCredit:
			if c := l.circuit(e.Circuit); c != nil {
				c.addCredit(e.Window)
			}
		case wire.TypeClose:
			if c := l.circuit(e.Circuit); c != nil {
				c.shutdown(false)
			}
		default:
			l.n.log.Debugf("Ignoring %v from %v", e.Type, l.conn.RemoteAddr())
		}
	}
}

func (l *link) teardown() {
	l.Lock()
	l.closed = true
	circuits := make([]*circuit, 0, len(l.circuits))
	for _, c := range l.circuits {
		circuits = append(circuits, c)
	}
	l.Unlock()

	for _, c := range circuits {
		c.shutdown(false)
	}
	l.conn.Close()
	close(l.doneCh)
	l.n.onLinkClosed(l)
}

// circuit is one end of a circuit, and the transport a secure channel
// runs over.  Each end may send at most circuitWindow envelopes beyond
// what its peer has acknowledged with credit, so the link reader never
// waits on a slow circuit.
type circuit struct {
	sync.Mutex

	l  *link
	id uint64

	rxCh      chan []byte
	creditCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// Guarded by the lock.
	credit uint32
	used   uint32
}

func newCircuit(l *link, id uint64) *circuit {
	return &circuit{
		l:        l,
		id:       id,
		rxCh:     make(chan []byte, circuitWindow),
		creditCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		credit:   circuitWindow,
	}
}

// deliver queues b.  A peer that sends beyond its credit has the circuit
// torn down.
func (c *circuit) deliver(b []byte) {
	select {
	case c.rxCh <- b:
	default:
		c.l.n.log.Warningf("Circuit %d from %v overran its window", c.id, c.l.conn.RemoteAddr())
		c.shutdown(true)
	}
}

func (c *circuit) addCredit(n uint32) {
	c.Lock()
	c.credit += n
	if c.credit > circuitWindow || c.credit < n {
		c.credit = circuitWindow
	}
	c.Unlock()
	c.signalCredit()
}

func (c *circuit) signalCredit() {
	select {
	case c.creditCh <- struct{}{}:
	default:
	}
}

func (c *circuit) takeCredit() bool {
	c.Lock()
	defer c.Unlock()
	if c.credit == 0 {
		return false
	}
	c.credit--
	if c.credit > 0 {
		// Pass the wakeup on to any other waiting sender.
		c.signalCredit()
	}
	return true
}

// consumed grants the peer credit once half the window has been read.
func (c *circuit) consumed() {
	c.Lock()
	c.used++
	n := c.used
	if n < circuitWindow/2 {
		c.Unlock()
		return
	}
	c.used = 0
	c.Unlock()

	select {
	case <-c.closeCh:
		return
	default:
	}
	if err := c.l.conn.Write(&wire.Envelope{Type: wire.TypeCredit, Circuit: c.id, Window: n}); err != nil {
		c.l.conn.Close()
	}
}

// Send implements channel.Transport.  It blocks while the peer has not
// granted credit.
func (c *circuit) Send(ctx context.Context, msg []byte) error {
	for !c.takeCredit() {
		select {
		case <-c.creditCh:
		case <-c.closeCh:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closeCh:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.l.conn.Write(&wire.Envelope{Type: wire.TypeData, Circuit: c.id, Payload: msg})
}

// Recv implements channel.Transport.  Messages delivered before the
// circuit closed are still returned.
func (c *circuit) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.rxCh:
		c.consumed()
		return b, nil
	case <-c.closeCh:
		select {
		case b := <-c.rxCh:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements channel.Transport.
func (c *circuit) Close() error {
	c.shutdown(true)
	return nil
}

func (c *circuit) shutdown(notify bool) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.l.removeCircuit(c)
		instrument.CircuitClosed()
		if notify && !c.l.isClosed() {
			c.l.conn.Write(&wire.Envelope{Type: wire.TypeClose, Circuit: c.id})
		}
	})
}
