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
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/wire"
	"github.com/katzenpost/portal/core/worker"
	"github.com/katzenpost/portal/internal/instrument"
)

// Outlet is a named service that forwards admitted portals to a local
// TCP target.
type Outlet struct {
	worker.Worker

	n      *Node
	log    *logging.Logger
	name   string
	target string
	policy policy.Expression
}

// CreateOutlet registers an outlet named name forwarding to target.  If
// expr is nil the node's tcp-outlet policy is consulted for every portal,
// and portals are denied while none is set.
func (n *Node) CreateOutlet(name string, expr policy.Expression, target string) (*Outlet, error) {
	if name == "" || len(name) > wire.MaxNameLength {
		return nil, fmt.Errorf("router: invalid outlet name '%v'", name)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("router: invalid outlet target: %w", err)
	}

	n.Lock()
	defer n.Unlock()
	if n.halted {
		return nil, ErrHalted
	}
	if _, ok := n.services[name]; ok {
		return nil, ErrServiceExists
	}
	out := &Outlet{
		n:      n,
		log:    n.cfg.LogBackend.GetLogger("outlet:" + name),
		name:   name,
		target: target,
		policy: expr,
	}
	n.services[name] = out
	out.log.Noticef("Forwarding to %v", target)
	return out, nil
}

// Outlets returns the node's outlets.
func (n *Node) Outlets() []*Outlet {
	n.Lock()
	defer n.Unlock()
	l := make([]*Outlet, 0, len(n.services))
	for _, out := range n.services {
		l = append(l, out)
	}
	return l
}

// Name returns the service name of the outlet.
func (out *Outlet) Name() string {
	return out.name
}

// Target returns the address portals are forwarded to.
func (out *Outlet) Target() string {
	return out.target
}

// Close stops accepting portals and closes the active ones.
func (out *Outlet) Close() error {
	out.n.Lock()
	if out.n.services[out.name] == out {
		delete(out.n.services, out.name)
	}
	out.n.Unlock()
	out.Halt()
	return nil
}

func (out *Outlet) admit(attrs map[string]string) error {
	expr, err := out.n.cfg.Policies.Resolve(policy.ResourceTCPOutlet, out.policy)
	if err != nil {
		return err
	}
	if !policy.Evaluate(expr, attrs) {
		return errPolicyDenied
	}
	return nil
}

func (out *Outlet) serve(c *circuit) {
	ctx, cancel := out.Context(context.Background())
	defer cancel()

	s, err := channel.Respond(ctx, out.n.channelConfig(nil), c)
	instrument.Handshake(false, err)
	if err != nil {
		var herr *channel.HandshakeError
		if errors.As(err, &herr) {
			out.log.Debugf("Handshake failed: %v", herr.Verbose())
		}
		return
	}
	defer s.Close()
	peer := s.PeerIdentifier()

	rctx, rcancel := context.WithTimeout(ctx, out.n.cfg.HandshakeTimeout)
	err = recvControl(rctx, s, portalRequest)
	rcancel()
	if err != nil {
		out.log.Debugf("No portal request from %v: %v", peer, err)
		return
	}

	if err = out.admit(s.PeerAttributes()); err != nil {
		instrument.PolicyDenied()
		out.log.Noticef("Portal from %v denied: %v", peer, err)
		t := time.NewTimer(out.n.cfg.DenyHold)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		return
	}

	var d net.Dialer
	dctx, dcancel := context.WithTimeout(ctx, out.n.cfg.DialTimeout)
	conn, err := d.DialContext(dctx, "tcp", out.target)
	dcancel()
	if err != nil {
		out.log.Warningf("Failed to connect to %v: %v", out.target, err)
		return
	}
	if err = sendControl(ctx, s, portalAccept); err != nil {
		conn.Close()
		return
	}
	out.log.Debugf("Portal from %v to %v open", peer, out.target)
	out.n.splice(ctx, &out.Worker, s, conn)
	out.log.Debugf("Portal from %v closed", peer)
}
