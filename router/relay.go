// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/retry"
	"github.com/katzenpost/portal/core/transport"
	"github.com/katzenpost/portal/core/wire"
	"github.com/katzenpost/portal/core/worker"
)

// Relay is a forwarding name registered at a rendezvous relay.  Circuits
// opened towards the name at the relay reach this node's outlets.
type Relay struct {
	worker.Worker

	n    *Node
	log  *logging.Logger
	addr string
	name string
}

// CreateRelay registers name at the rendezvous relay listening on
// rendezvousAddr.  The registration is maintained, with backoff, until the
// Relay is closed.
func (n *Node) CreateRelay(ctx context.Context, rendezvousAddr, name string) (*Relay, error) {
	if !transport.IsAddress(rendezvousAddr) {
		return nil, fmt.Errorf("%w: '%v' is not an address", ErrInvalidRoute, rendezvousAddr)
	}
	if name == "" || len(name) > wire.MaxNameLength {
		return nil, fmt.Errorf("router: invalid relay name '%v'", name)
	}
	r := &Relay{
		n:    n,
		log:  n.cfg.LogBackend.GetLogger("relay:" + name),
		addr: rendezvousAddr,
		name: name,
	}

	l, err := r.register(ctx)
	if err != nil {
		return nil, err
	}

	n.Lock()
	defer n.Unlock()
	if n.halted {
		l.conn.Close()
		return nil, ErrHalted
	}
	n.relays[r] = struct{}{}
	r.Go(func() { r.worker(l) })
	r.log.Noticef("Registered at %v", rendezvousAddr)
	return r, nil
}

// Name returns the registered name.
func (r *Relay) Name() string {
	return r.name
}

// Addr returns the address of the rendezvous relay.
func (r *Relay) Addr() string {
	return r.addr
}

// Route returns the route an inlet uses to reach service through the
// relay.
func (r *Relay) Route(service string) []string {
	return []string{r.addr, r.name, service}
}

// Close withdraws the registration.
func (r *Relay) Close() error {
	r.n.Lock()
	delete(r.n.relays, r)
	r.n.Unlock()
	r.Halt()
	return nil
}

// register dials the relay and registers the name.  The returned link's
// worker is running.
func (r *Relay) register(ctx context.Context) (*link, error) {
	var l *link
	err := retry.Do(ctx, r.n.cfg.Retry, func(ctx context.Context) error {
		wc, err := r.n.dial(ctx, r.addr)
		if err != nil {
			return err
		}
		if err = wc.Register(r.name, r.n.cfg.HandshakeTimeout); err != nil {
			wc.Close()
			if errors.Is(err, wire.ErrRegistrationRejected) {
				return fmt.Errorf("%w: %w", retry.ErrPermanent, err)
			}
			return err
		}
		l = newLink(r.n, wc, "", true)
		if err = r.n.addLink(l); err != nil {
			wc.Close()
			return fmt.Errorf("%w: %w", retry.ErrPermanent, err)
		}
		return nil
	})
	return l, err
}

func (r *Relay) worker(l *link) {
	ctx, cancel := r.Context(context.Background())
	defer cancel()

	for {
		select {
		case <-r.HaltCh():
			l.conn.Close()
			return
		case <-l.doneCh:
		}
		r.log.Warningf("Link to %v lost, re-registering.", r.addr)

		for attempt := 0; ; attempt++ {
			var err error
			if l, err = r.register(ctx); err == nil {
				break
			}
			if errors.Is(err, ErrHalted) {
				return
			}
			r.log.Debugf("Re-registration failed: %v", err)
			delay := retry.Delay(r.n.cfg.Retry.BaseDelay, r.n.cfg.Retry.MaxDelay, r.n.cfg.Retry.Jitter, attempt)
			select {
			case <-r.HaltCh():
				return
			case <-time.After(delay):
			}
		}
		r.log.Noticef("Re-registered at %v", r.addr)
	}
}
