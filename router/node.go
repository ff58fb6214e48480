// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements a portal node.  A node holds links to other
// nodes and relays, runs secure channels over circuits on those links,
// serves outlets to remote inlets, and registers forwarding names at
// rendezvous relays.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/channel"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/log"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/retry"
	"github.com/katzenpost/portal/core/transport"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/core/wire"
	"github.com/katzenpost/portal/core/worker"
	"github.com/katzenpost/portal/internal/instrument"
)

const (
	// DefaultDenyHold is how long a portal denied by policy is held open
	// before it is closed.
	DefaultDenyHold = 2 * time.Second

	// DefaultIdleTimeout closes portals without traffic.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultDialTimeout bounds connecting to an outlet target.
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrHalted is returned by a Node after Halt.
	ErrHalted = errors.New("router: halted")

	// ErrInvalidRoute is returned for malformed routes.
	ErrInvalidRoute = errors.New("router: invalid route")

	// ErrServiceExists is returned when an outlet name is taken.
	ErrServiceExists = errors.New("router: service already exists")
)

// Config is the configuration of a Node.
type Config struct {
	Vault      vault.Vault
	Identities *identity.Manager
	Identity   *identity.Identity

	// Credential, if set, is presented on every channel.
	Credential *credential.Credential

	// Verifier and Trusted check the credentials of peers.
	Verifier *credential.Verifier
	Trusted  credential.TrustedIssuers

	// Policies provides the fallback policy per resource type.
	Policies *policy.Registry

	HandshakeTimeout time.Duration
	RekeyMessages    uint64
	RekeyInterval    time.Duration

	IdleTimeout time.Duration
	DenyHold    time.Duration
	DialTimeout time.Duration

	Retry retry.Policy

	LogBackend *log.Backend
}

func (cfg *Config) fixup() error {
	if cfg.Vault == nil || cfg.Identities == nil || cfg.Identity == nil {
		return errors.New("router: incomplete config")
	}
	if !cfg.Identity.IsLocal() {
		return errors.New("router: node identity is not local")
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewRegistry()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = channel.DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DenyHold <= 0 {
		cfg.DenyHold = DefaultDenyHold
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend = log.NewDiscard()
	}
	return nil
}

// Node is a portal node.
type Node struct {
	sync.Mutex
	worker.Worker

	cfg  Config
	log  *logging.Logger
	clog *logging.Logger

	listeners []net.Listener
	links     map[*link]struct{}
	dialed    map[string]*link
	services  map[string]*Outlet
	inlets    map[*Inlet]struct{}
	relays    map[*Relay]struct{}
	halted    bool

	haltOnce sync.Once
}

// New returns a Node.
func New(cfg *Config) (*Node, error) {
	c := *cfg
	if err := c.fixup(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      c,
		log:      c.LogBackend.GetLogger("router"),
		clog:     c.LogBackend.GetLogger("channel"),
		links:    make(map[*link]struct{}),
		dialed:   make(map[string]*link),
		services: make(map[string]*Outlet),
		inlets:   make(map[*Inlet]struct{}),
		relays:   make(map[*Relay]struct{}),
	}
	n.log.Noticef("Node identity: %v", c.Identity.Identifier)
	return n, nil
}

// Identifier returns the node's identifier.
func (n *Node) Identifier() identity.Identifier {
	return n.cfg.Identity.Identifier
}

// Policies returns the node's policy registry.
func (n *Node) Policies() *policy.Registry {
	return n.cfg.Policies
}

func (n *Node) channelConfig(authorizer func(identity.Identifier) bool) *channel.Config {
	return &channel.Config{
		Vault:            n.cfg.Vault,
		Identities:       n.cfg.Identities,
		Identity:         n.cfg.Identity,
		Credential:       n.cfg.Credential,
		Verifier:         n.cfg.Verifier,
		Trusted:          n.cfg.Trusted,
		Authorizer:       authorizer,
		HandshakeTimeout: n.cfg.HandshakeTimeout,
		RekeyMessages:    n.cfg.RekeyMessages,
		RekeyInterval:    n.cfg.RekeyInterval,
		Log:              n.clog,
	}
}

// Listen accepts links from other nodes and relays on addr, and returns
// the bound address.
func (n *Node) Listen(addr string) (string, error) {
	ln, err := transport.Listen(addr)
	if err != nil {
		return "", err
	}

	n.Lock()
	defer n.Unlock()
	if n.halted {
		ln.Close()
		return "", ErrHalted
	}
	n.listeners = append(n.listeners, ln)
	n.Go(func() { n.acceptWorker(ln) })
	return transport.URL(ln), nil
}

func (n *Node) acceptWorker(ln net.Listener) {
	addr := transport.URL(ln)
	n.log.Noticef("Listening on: %v", addr)
	defer func() {
		n.log.Noticef("Stopping listening on: %v", addr)
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if n.IsHalted() {
				return
			}
			if e, ok := err.(net.Error); ok && !e.Timeout() {
				n.log.Errorf("Accept failure: %v", err)
				return
			}
			continue
		}
		n.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		n.Go(func() {
			wc, err := wire.Server(conn, wire.DefaultPreambleTimeout)
			if err != nil {
				n.log.Debugf("Link from %v rejected: %v", conn.RemoteAddr(), err)
				return
			}
			l := newLink(n, wc, "", false)
			if err := n.addLink(l); err != nil {
				wc.Close()
				return
			}
			instrument.LinkIn()
		})
	}
}

// addLink starts the link's worker.
func (n *Node) addLink(l *link) error {
	n.Lock()
	defer n.Unlock()
	if n.halted {
		return ErrHalted
	}
	n.links[l] = struct{}{}
	if l.addr != "" {
		n.dialed[l.addr] = l
	}
	n.Go(l.worker)
	return nil
}

func (n *Node) onLinkClosed(l *link) {
	n.Lock()
	defer n.Unlock()
	delete(n.links, l)
	if l.addr != "" && n.dialed[l.addr] == l {
		delete(n.dialed, l.addr)
	}
}

func (n *Node) dial(ctx context.Context, addr string) (*wire.Conn, error) {
	var wc *wire.Conn
	err := retry.Do(ctx, n.cfg.Retry, func(ctx context.Context) error {
		conn, err := transport.Dial(ctx, addr)
		if err != nil {
			n.log.Debugf("Dial %v failed: %v", addr, err)
			return err
		}
		wc, err = wire.Client(conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	instrument.LinkOut()
	return wc, nil
}

// getLink returns a link to addr, reusing an established one.
func (n *Node) getLink(ctx context.Context, addr string) (*link, error) {
	n.Lock()
	l, ok := n.dialed[addr]
	n.Unlock()
	if ok && !l.isClosed() {
		return l, nil
	}

	wc, err := n.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	n.Lock()
	if l, ok := n.dialed[addr]; ok && !l.isClosed() {
		n.Unlock()
		wc.Close()
		return l, nil
	}
	n.Unlock()

	l = newLink(n, wc, addr, true)
	if err = n.addLink(l); err != nil {
		wc.Close()
		return nil, err
	}
	return l, nil
}

func (n *Node) onOpen(l *link, e *wire.Envelope) {
	n.Lock()
	defer n.Unlock()

	var out *Outlet
	if len(e.Route) == 1 {
		out = n.services[e.Route[0]]
	}
	if out == nil {
		n.log.Debugf("Rejecting circuit to %v from %v", e.Route, l.conn.RemoteAddr())
		if err := l.rejectCircuit(e.Circuit); err != nil {
			l.conn.Close()
		}
		return
	}
	c, err := l.acceptCircuit(e.Circuit)
	if err != nil {
		n.log.Debugf("Rejecting circuit from %v: %v", l.conn.RemoteAddr(), err)
		l.conn.Close()
		return
	}
	// Spawned under the node lock, which Outlet.Close takes before halting.
	out.Go(func() { out.serve(c) })
}

// ValidateRoute checks that route starts with a transport address and
// continues with at least one hop name.
func ValidateRoute(route []string) error {
	if len(route) < 2 {
		return fmt.Errorf("%w: need an address and a service", ErrInvalidRoute)
	}
	if !transport.IsAddress(route[0]) {
		return fmt.Errorf("%w: '%v' is not an address", ErrInvalidRoute, route[0])
	}
	hops := route[1:]
	if len(hops) > wire.MaxRouteLength {
		return fmt.Errorf("%w: too many hops", ErrInvalidRoute)
	}
	for _, hop := range hops {
		if hop == "" || len(hop) > wire.MaxNameLength || transport.IsAddress(hop) {
			return fmt.Errorf("%w: invalid hop '%v'", ErrInvalidRoute, hop)
		}
	}
	return nil
}

// Halt closes every inlet, outlet, relay registration, listener and link,
// and waits for the node's go routines to return.
func (n *Node) Halt() {
	n.haltOnce.Do(n.halt)
	n.Worker.Halt()
}

func (n *Node) halt() {
	n.Lock()
	n.halted = true
	listeners := n.listeners
	n.listeners = nil
	n.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, in := range n.inletList() {
		in.Close()
	}
	for _, out := range n.Outlets() {
		out.Close()
	}
	for _, r := range n.relayList() {
		r.Close()
	}

	n.Lock()
	links := make([]*link, 0, len(n.links))
	for l := range n.links {
		links = append(links, l)
	}
	n.Unlock()
	for _, l := range links {
		l.conn.Close()
	}
	n.log.Notice("Node halted.")
}

func (n *Node) inletList() []*Inlet {
	n.Lock()
	defer n.Unlock()
	l := make([]*Inlet, 0, len(n.inlets))
	for in := range n.inlets {
		l = append(l, in)
	}
	return l
}

func (n *Node) relayList() []*Relay {
	n.Lock()
	defer n.Unlock()
	l := make([]*Relay, 0, len(n.relays))
	for r := range n.relays {
		l = append(l, r)
	}
	return l
}
