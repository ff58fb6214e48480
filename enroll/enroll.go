// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package enroll implements one-time enrollment tickets.  An authority
// hands out a ticket out of band; whoever presents it first may have a
// credential with the ticket's attributes issued to their identity.
package enroll

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
)

const (
	// TicketVersion is the current ticket format version.
	TicketVersion = 1

	// CodeSize is the size of a ticket's secret code.
	CodeSize = 32
)

var (
	// ErrInvalidTicket is returned for malformed or unknown tickets.
	ErrInvalidTicket = errors.New("enroll: invalid ticket")

	// ErrTicketExpired is returned for tickets past their expiry.
	ErrTicketExpired = errors.New("enroll: ticket expired")

	encMode cbor.EncMode
)

// Ticket is the bearer token handed to an enrollee.
type Ticket struct {
	Version   uint8
	Code      []byte
	Authority identity.Identifier
	Expiry    int64
}

// String encodes the ticket for display and transfer.
func (t *Ticket) String() string {
	b, err := encMode.Marshal(t)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// key is the lookup key of a ticket.  Stores never see the code itself.
func (t *Ticket) key() []byte {
	k := hash.Sum256(t.Code)
	return k[:]
}

// ParseTicket decodes a ticket produced by Ticket.String.
func ParseTicket(s string) (*Ticket, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	t := new(Ticket)
	if err = cbor.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if t.Version != TicketVersion || len(t.Code) != CodeSize {
		return nil, ErrInvalidTicket
	}
	if _, err = identity.ParseIdentifier(string(t.Authority)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return t, nil
}

// Redeemer exchanges a ticket for a credential bound to subject.
type Redeemer interface {
	Redeem(ctx context.Context, t *Ticket, subject identity.Identifier) (*credential.Credential, error)
}

// Pending is what an authority remembers about an outstanding ticket.
type Pending struct {
	Attributes    map[string]string
	Expiry        int64
	CredentialTTL time.Duration
	MaxUses       uint32
}

// Store holds pending tickets.  Take must remove the ticket atomically, so
// that it succeeds at most once per key.
type Store interface {
	Put(key []byte, p *Pending) error
	Take(key []byte) (*Pending, error)
}

type memoryStore struct {
	sync.Mutex
	m map[string]*Pending
}

func (s *memoryStore) Put(key []byte, p *Pending) error {
	s.Lock()
	defer s.Unlock()
	s.m[string(key)] = p
	return nil
}

func (s *memoryStore) Take(key []byte) (*Pending, error) {
	s.Lock()
	defer s.Unlock()
	p, ok := s.m[string(key)]
	if !ok {
		return nil, ErrInvalidTicket
	}
	delete(s.m, string(key))
	return p, nil
}

// NewMemoryStore returns an in memory Store.
func NewMemoryStore() Store {
	return &memoryStore{m: make(map[string]*Pending)}
}

// Authority issues tickets and redeems them for credentials signed by one
// of the issuer's authorities.
type Authority struct {
	issuer    *credential.Issuer
	authority identity.Identifier
	store     Store

	// Now is the clock; it defaults to time.Now.
	Now func() time.Time
}

// NewAuthority returns an Authority issuing as authority.  A nil store
// keeps tickets in memory.
func NewAuthority(issuer *credential.Issuer, authority identity.Identifier, store Store) *Authority {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Authority{
		issuer:    issuer,
		authority: authority,
		store:     store,
		Now:       time.Now,
	}
}

// CreateTicket returns a ticket valid for ticketTTL, redeemable once for a
// credential asserting attrs.
func (a *Authority) CreateTicket(attrs map[string]string, ticketTTL, credentialTTL time.Duration, maxUses uint32) (*Ticket, error) {
	switch {
	case ticketTTL < credential.MinTTL || credentialTTL < credential.MinTTL:
		return nil, fmt.Errorf("%w: ttl must be at least %v", credential.ErrInvalidRequest, credential.MinTTL)
	case maxUses == 0:
		return nil, fmt.Errorf("%w: max uses must be positive", credential.ErrInvalidRequest)
	case len(attrs) > credential.MaxAttributes:
		return nil, fmt.Errorf("%w: too many attributes", credential.ErrInvalidRequest)
	}

	t := &Ticket{
		Version:   TicketVersion,
		Code:      make([]byte, CodeSize),
		Authority: a.authority,
		Expiry:    a.Now().Add(ticketTTL).Unix(),
	}
	if _, err := io.ReadFull(rand.Reader, t.Code); err != nil {
		return nil, err
	}
	p := &Pending{
		Attributes:    make(map[string]string, len(attrs)),
		Expiry:        t.Expiry,
		CredentialTTL: credentialTTL,
		MaxUses:       maxUses,
	}
	for k, v := range attrs {
		p.Attributes[k] = v
	}
	if err := a.store.Put(t.key(), p); err != nil {
		return nil, err
	}
	return t, nil
}

// Redeem implements Redeemer.  A ticket is spent by its first
// presentation, whether or not it had expired.
func (a *Authority) Redeem(ctx context.Context, t *Ticket, subject identity.Identifier) (*credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil || len(t.Code) != CodeSize || t.Authority != a.authority {
		return nil, ErrInvalidTicket
	}
	if _, err := identity.ParseIdentifier(string(subject)); err != nil {
		return nil, fmt.Errorf("%w: %v", credential.ErrInvalidRequest, err)
	}

	p, err := a.store.Take(t.key())
	if err != nil {
		return nil, err
	}
	if a.Now().Unix() >= p.Expiry {
		return nil, ErrTicketExpired
	}
	return a.issuer.Issue(a.authority, subject, p.Attributes, p.CredentialTTL, p.MaxUses)
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

var _ Redeemer = (*Authority)(nil)
