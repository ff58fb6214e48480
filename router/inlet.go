// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/channel"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/transport"
	"github.com/katzenpost/portal/core/worker"
	"github.com/katzenpost/portal/internal/instrument"
)

// DefaultConnectTimeout bounds establishing a portal for one connection.
const DefaultConnectTimeout = 30 * time.Second

var errUntrustedOutlet = errors.New("router: outlet presented no trusted credential")

// InletOptions tune an Inlet.
type InletOptions struct {
	// Authorized, if set, is the only outlet identity portals may be
	// established with.
	Authorized identity.Identifier

	// Policy is evaluated against the outlet node's credential
	// attributes.  If nil the node's tcp-inlet policy is used.  Without
	// either, an unpinned inlet only accepts outlets presenting a
	// credential from a trusted issuer.
	Policy policy.Expression

	// ConnectTimeout bounds link establishment, handshake and the portal
	// request.
	ConnectTimeout time.Duration
}

// Inlet accepts local TCP connections and carries each over its own
// secure channel to the outlet at the end of its route.
type Inlet struct {
	worker.Worker

	n     *Node
	log   *logging.Logger
	ln    net.Listener
	route []string
	opts  InletOptions
}

// CreateInlet listens for TCP connections on listenAddr and forwards them
// along route.  The first element of route is the transport address of
// the next node or relay, the remaining elements are relay names ending
// with the outlet name.
func (n *Node) CreateInlet(ctx context.Context, listenAddr string, route []string, opts InletOptions) (*Inlet, error) {
	if err := ValidateRoute(route); err != nil {
		return nil, err
	}
	scheme, hostport, err := transport.ParseAddress(listenAddr)
	if err != nil {
		return nil, err
	}
	if scheme == transport.SchemeQUIC {
		return nil, fmt.Errorf("router: inlets listen on tcp, not %v", scheme)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, scheme, hostport)
	if err != nil {
		return nil, err
	}
	in := &Inlet{
		n:     n,
		log:   n.cfg.LogBackend.GetLogger("inlet:" + ln.Addr().String()),
		ln:    ln,
		route: append([]string{}, route...),
		opts:  opts,
	}

	n.Lock()
	defer n.Unlock()
	if n.halted {
		ln.Close()
		return nil, ErrHalted
	}
	n.inlets[in] = struct{}{}
	in.Go(in.acceptWorker)
	in.log.Noticef("Forwarding to %v", route)
	return in, nil
}

// Addr returns the local address the inlet listens on.
func (in *Inlet) Addr() net.Addr {
	return in.ln.Addr()
}

// Route returns the inlet's route.
func (in *Inlet) Route() []string {
	return append([]string{}, in.route...)
}

// Close stops listening and closes the active portals.
func (in *Inlet) Close() error {
	in.n.Lock()
	delete(in.n.inlets, in)
	in.n.Unlock()

	err := in.ln.Close()
	in.Halt()
	return err
}

func (in *Inlet) acceptWorker() {
	for {
		conn, err := in.ln.Accept()
		if err != nil {
			if !in.IsHalted() {
				if e, ok := err.(net.Error); ok && e.Timeout() {
					continue
				}
				in.log.Errorf("Accept failure: %v", err)
			}
			return
		}
		in.Go(func() { in.onNewConn(conn) })
	}
}

func (in *Inlet) authorize(peer identity.Identifier) bool {
	return in.opts.Authorized == "" || peer == in.opts.Authorized
}

// connect establishes a portal along the inlet's route.
func (in *Inlet) connect(ctx context.Context) (*channel.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, in.opts.ConnectTimeout)
	defer cancel()

	l, err := in.n.getLink(ctx, in.route[0])
	if err != nil {
		return nil, err
	}
	c, err := l.openCircuit(in.route[1:])
	if err != nil {
		return nil, err
	}

	var authorizer func(identity.Identifier) bool
	if in.opts.Authorized != "" {
		authorizer = in.authorize
	}
	s, err := channel.Initiate(ctx, in.n.channelConfig(authorizer), c)
	instrument.Handshake(true, err)
	if err != nil {
		var herr *channel.HandshakeError
		if errors.As(err, &herr) {
			in.log.Debugf("Handshake failed: %v", herr.Verbose())
		}
		return nil, err
	}

	if err = in.admit(s); err != nil {
		s.Close()
		return nil, err
	}
	if err = sendControl(ctx, s, portalRequest); err != nil {
		s.Close()
		return nil, err
	}
	if err = recvControl(ctx, s, portalAccept); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (in *Inlet) admit(s *channel.Session) error {
	expr, err := in.n.cfg.Policies.Resolve(policy.ResourceTCPInlet, in.opts.Policy)
	switch {
	case errors.Is(err, policy.ErrNoPolicy):
		if in.opts.Authorized != "" || s.PeerCredential() != nil {
			return nil
		}
		return errUntrustedOutlet
	case err != nil:
		return err
	}
	if !policy.Evaluate(expr, s.PeerAttributes()) {
		return errPolicyDenied
	}
	return nil
}

func (in *Inlet) onNewConn(conn net.Conn) {
	ctx, cancel := in.Context(context.Background())
	defer cancel()

	s, err := in.connect(ctx)
	if err != nil {
		in.log.Warningf("Portal for %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	in.log.Debugf("Portal for %v open to %v", conn.RemoteAddr(), s.PeerIdentifier())
	in.n.splice(ctx, &in.Worker, s, conn)
	in.log.Debugf("Portal for %v closed", conn.RemoteAddr())
}
