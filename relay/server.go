// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the rendezvous server.  Nodes that cannot be
// reached directly register a name over a link they dial; circuits opened
// towards that name by other links are spliced onto it.  The relay only
// ever sees opaque secure channel messages and holds no channel keys.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/log"
	"github.com/katzenpost/portal/core/retry"
	"github.com/katzenpost/portal/core/transport"
	"github.com/katzenpost/portal/core/wire"
	"github.com/katzenpost/portal/core/worker"
	"github.com/katzenpost/portal/internal/instrument"
)

// ErrHalted is returned by a Server after Halt.
var ErrHalted = errors.New("relay: halted")

type endpoint struct {
	l  *link
	id uint64
}

type link struct {
	conn     *wire.Conn
	outbound bool

	// Guarded by the Server lock.
	nextID   uint64
	circuits map[uint64]endpoint
	names    map[string]struct{}
}

func newLink(conn *wire.Conn, outbound bool) *link {
	l := &link{
		conn:     conn,
		outbound: outbound,
		circuits: make(map[uint64]endpoint),
		names:    make(map[string]struct{}),
		nextID:   2,
	}
	if outbound {
		l.nextID = 1
	}
	return l
}

func (l *link) allocID() uint64 {
	id := l.nextID
	l.nextID += 2
	return id
}

// Server is a rendezvous relay.
type Server struct {
	sync.Mutex
	worker.Worker

	log   *logging.Logger
	retry retry.Policy

	names     map[string]*link
	links     map[*link]struct{}
	listeners []net.Listener
	halted    bool

	haltOnce sync.Once
}

// New returns a Server.
func New(logBackend *log.Backend) *Server {
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	return &Server{
		log:   logBackend.GetLogger("relay"),
		retry: retry.DefaultPolicy(),
		names: make(map[string]*link),
		links: make(map[*link]struct{}),
	}
}

// Listen accepts links on addr, and returns the bound address.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := transport.Listen(addr)
	if err != nil {
		return "", err
	}

	s.Lock()
	if s.halted {
		s.Unlock()
		ln.Close()
		return "", ErrHalted
	}
	s.listeners = append(s.listeners, ln)
	s.Unlock()

	s.Go(func() { s.acceptWorker(ln) })
	return transport.URL(ln), nil
}

func (s *Server) acceptWorker(ln net.Listener) {
	addr := transport.URL(ln)
	s.log.Noticef("Listening on: %v", addr)
	defer func() {
		s.log.Noticef("Stopping listening on: %v", addr)
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.IsHalted() {
				return
			}
			if e, ok := err.(net.Error); ok && !e.Timeout() {
				s.log.Errorf("Accept failure: %v", err)
				return
			}
			continue
		}
		s.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		s.Go(func() { s.onNewConn(conn) })
	}
}

func (s *Server) onNewConn(conn net.Conn) {
	wc, err := wire.Server(conn, wire.DefaultPreambleTimeout)
	if err != nil {
		s.log.Debugf("Link from %v rejected: %v", conn.RemoteAddr(), err)
		return
	}
	l := newLink(wc, false)
	if err := s.addLink(l); err != nil {
		wc.Close()
		return
	}
	instrument.LinkIn()
	s.serveLink(l)
}

func (s *Server) addLink(l *link) error {
	s.Lock()
	defer s.Unlock()
	if s.halted {
		return ErrHalted
	}
	s.links[l] = struct{}{}
	return nil
}

func (s *Server) serveLink(l *link) {
	defer s.dropLink(l)
	for {
		e, err := l.conn.Read()
		if err != nil {
			s.log.Debugf("Link %v closed: %v", l.conn.RemoteAddr(), err)
			return
		}
		if err = s.onEnvelope(l, e); err != nil {
			s.log.Debugf("Link %v failed: %v", l.conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) onEnvelope(l *link, e *wire.Envelope) error {
	switch e.Type {
	case wire.TypeRegister:
		if l.outbound {
			return fmt.Errorf("unexpected %v on upstream link", e.Type)
		}
		return s.onRegister(l, e.Name)
	case wire.TypeOpen:
		return s.onOpen(l, e)
	case wire.TypeData, wire.TypeCredit:
		s.forward(l, e)
	case wire.TypeClose:
		s.closeCircuit(l, e.Circuit)
	default:
		s.log.Debugf("Ignoring %v from %v", e.Type, l.conn.RemoteAddr())
	}
	return nil
}

func (s *Server) onRegister(l *link, name string) error {
	s.Lock()
	defer s.Unlock()

	// A name belongs to its link until that link is lost.
	if holder, ok := s.names[name]; ok && holder != l {
		s.log.Noticef("Refusing '%v' to %v: already registered", name, l.conn.RemoteAddr())
		return l.conn.Write(&wire.Envelope{Type: wire.TypeError, Name: fmt.Sprintf("name '%v' is taken", name)})
	}

	// The acknowledgement is written under the lock so that it precedes
	// the first Open routed to the name.
	if err := l.conn.Write(&wire.Envelope{Type: wire.TypeRegistered, Name: name}); err != nil {
		return err
	}
	s.names[name] = l
	l.names[name] = struct{}{}

	instrument.RelayRegistration()
	s.log.Debugf("Registered '%v' for %v", name, l.conn.RemoteAddr())
	return nil
}

func (s *Server) onOpen(l *link, e *wire.Envelope) error {
	reject := func(reason string) error {
		s.log.Debugf("Rejecting circuit %d from %v: %v", e.Circuit, l.conn.RemoteAddr(), reason)
		return l.conn.Write(&wire.Envelope{Type: wire.TypeClose, Circuit: e.Circuit})
	}

	s.Lock()
	if _, ok := l.circuits[e.Circuit]; ok {
		s.Unlock()
		return fmt.Errorf("duplicate circuit %d", e.Circuit)
	}
	if len(e.Route) < 2 {
		s.Unlock()
		return reject("route terminates at relay")
	}
	target, ok := s.names[e.Route[0]]
	if !ok {
		s.Unlock()
		return reject(fmt.Sprintf("unknown name '%v'", e.Route[0]))
	}
	if target == l {
		s.Unlock()
		return reject("route loops")
	}
	id := target.allocID()
	l.circuits[e.Circuit] = endpoint{l: target, id: id}
	target.circuits[id] = endpoint{l: l, id: e.Circuit}
	s.Unlock()

	instrument.CircuitOpened()
	s.send(target, &wire.Envelope{
		Type:    wire.TypeOpen,
		Circuit: id,
		Route:   e.Route[1:],
	})
	return nil
}

// forward passes a data or credit envelope to the other end of its
// circuit.
func (s *Server) forward(l *link, e *wire.Envelope) {
	s.Lock()
	ep, ok := l.circuits[e.Circuit]
	s.Unlock()
	if !ok {
		// Late traffic for a circuit that was already torn down.
		return
	}
	instrument.EnvelopeForwarded()
	s.send(ep.l, &wire.Envelope{
		Type:    e.Type,
		Circuit: ep.id,
		Payload: e.Payload,
		Window:  e.Window,
	})
}

func (s *Server) closeCircuit(l *link, id uint64) {
	s.Lock()
	ep, ok := l.circuits[id]
	if ok {
		delete(l.circuits, id)
		delete(ep.l.circuits, ep.id)
	}
	s.Unlock()
	if !ok {
		return
	}
	instrument.CircuitClosed()
	s.send(ep.l, &wire.Envelope{Type: wire.TypeClose, Circuit: ep.id})
}

// send writes to a link other than the one being served.  A failed write
// closes that link, and its own reader cleans up.
func (s *Server) send(l *link, e *wire.Envelope) {
	if err := l.conn.Write(e); err != nil {
		s.log.Debugf("Write to %v failed: %v", l.conn.RemoteAddr(), err)
		l.conn.Close()
	}
}

func (s *Server) dropLink(l *link) {
	s.Lock()
	delete(s.links, l)
	for name := range l.names {
		if s.names[name] == l {
			delete(s.names, name)
			s.log.Debugf("Unregistered '%v'", name)
		}
	}
	peers := make([]endpoint, 0, len(l.circuits))
	for id, ep := range l.circuits {
		delete(l.circuits, id)
		delete(ep.l.circuits, ep.id)
		peers = append(peers, ep)
	}
	s.Unlock()

	for _, ep := range peers {
		instrument.CircuitClosed()
		s.send(ep.l, &wire.Envelope{Type: wire.TypeClose, Circuit: ep.id})
	}
	l.conn.Close()
}

// Names returns the currently registered names.
func (s *Server) Names() []string {
	s.Lock()
	defer s.Unlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	return names
}

// RegisterUpstream registers the Server under name at the relay listening
// on addr, so that routes through that relay may continue through this
// one.  The registration is re-established after link loss until Halt.
func (s *Server) RegisterUpstream(ctx context.Context, addr, name string) error {
	var l *link
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		l, err = s.dialUpstream(ctx, addr, name)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Noticef("Registered as '%v' at %v", name, addr)
	s.Go(func() { s.upstreamWorker(l, addr, name) })
	return nil
}

func (s *Server) dialUpstream(ctx context.Context, addr, name string) (*link, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	wc, err := wire.Client(conn)
	if err != nil {
		return nil, err
	}
	if err = wc.Register(name, wire.DefaultPreambleTimeout); err != nil {
		wc.Close()
		if errors.Is(err, wire.ErrRegistrationRejected) {
			return nil, fmt.Errorf("%w: %w", retry.ErrPermanent, err)
		}
		return nil, err
	}
	l := newLink(wc, true)
	if err = s.addLink(l); err != nil {
		wc.Close()
		return nil, err
	}
	instrument.LinkOut()
	return l, nil
}

func (s *Server) upstreamWorker(l *link, addr, name string) {
	ctx, cancel := s.Context(context.Background())
	defer cancel()

	for {
		s.serveLink(l)
		if s.IsHalted() {
			return
		}
		s.log.Warningf("Upstream link to %v lost, re-registering.", addr)

		for attempt := 0; ; attempt++ {
			var err error
			if l, err = s.dialUpstream(ctx, addr, name); err == nil {
				break
			}
			s.log.Debugf("Re-registration at %v failed: %v", addr, err)
			delay := retry.Delay(s.retry.BaseDelay, s.retry.MaxDelay, s.retry.Jitter, attempt)
			select {
			case <-s.HaltCh():
				return
			case <-time.After(delay):
			}
		}
		s.log.Noticef("Re-registered as '%v' at %v", name, addr)
	}
}

// Halt closes every listener and link and waits for the Server's go
// routines to return.
func (s *Server) Halt() {
	s.haltOnce.Do(func() {
		s.Lock()
		s.halted = true
		listeners := s.listeners
		s.listeners = nil
		links := make([]*link, 0, len(s.links))
		for l := range s.links {
			links = append(links, l)
		}
		s.Unlock()

		for _, ln := range listeners {
			ln.Close()
		}
		for _, l := range links {
			l.conn.Close()
		}
	})
	s.Worker.Halt()
}
