// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package credential

import (
	"sync"
	"time"

	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
)

const pruneThreshold = 4096

// TrustedIssuers is the set of identities whose credentials are accepted.
type TrustedIssuers map[identity.Identifier]*identity.Identity

// NewTrustedIssuers returns a TrustedIssuers holding ids.
func NewTrustedIssuers(ids ...*identity.Identity) TrustedIssuers {
	t := make(TrustedIssuers, len(ids))
	for _, id := range ids {
		t[id.Identifier] = id
	}
	return t
}

type ledgerEntry struct {
	remaining uint32
	expiry    int64
}

// Verifier checks credentials and tracks how many uses each has left.
// The ledger is local to the Verifier: a credential presented to two
// different verifiers is counted separately by each.
type Verifier struct {
	sync.Mutex

	signer vault.Signer
	ledger map[string]*ledgerEntry

	// Now returns the current time.  Tests may replace it.
	Now func() time.Time
}

// NewVerifier returns a Verifier with an empty ledger.
func NewVerifier(s vault.Signer) *Verifier {
	return &Verifier{
		signer: s,
		ledger: make(map[string]*ledgerEntry),
		Now:    time.Now,
	}
}

// Verify checks c against trusted, and on success consumes one use and
// returns a copy of the attributes.
func (v *Verifier) Verify(c *Credential, trusted TrustedIssuers) (map[string]string, error) {
	if c == nil {
		return nil, ErrInvalidSignature
	}
	if err := c.sanityCheck(); err != nil {
		return nil, err
	}

	issuer, ok := trusted[c.Issuer]
	if !ok || !issuer.History.Contains(c.IssuerKey) {
		return nil, ErrUntrustedIssuer
	}
	msg, err := c.certified()
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !v.signer.Verify(vault.KindSigning, c.IssuerKey, msg, c.Signature) {
		return nil, ErrInvalidSignature
	}

	v.Lock()
	defer v.Unlock()

	now := v.Now().Unix()
	if now >= c.Expiry {
		return nil, ErrExpired
	}

	id := c.IDString()
	e, ok := v.ledger[id]
	if !ok {
		if len(v.ledger) >= pruneThreshold {
			v.pruneLocked(now)
		}
		e = &ledgerEntry{remaining: c.MaxUses, expiry: c.Expiry}
		v.ledger[id] = e
	}
	if e.remaining == 0 {
		return nil, ErrExhausted
	}
	if e.remaining != Unlimited {
		e.remaining--
	}

	attrs := make(map[string]string, len(c.Attributes))
	for k, val := range c.Attributes {
		attrs[k] = val
	}
	return attrs, nil
}

// Remaining returns the uses c has left with this verifier.
func (v *Verifier) Remaining(c *Credential) uint32 {
	v.Lock()
	defer v.Unlock()
	if e, ok := v.ledger[c.IDString()]; ok {
		return e.remaining
	}
	return c.MaxUses
}

// Prune drops ledger entries for credentials that have expired.
func (v *Verifier) Prune() {
	v.Lock()
	defer v.Unlock()
	v.pruneLocked(v.Now().Unix())
}

func (v *Verifier) pruneLocked(now int64) {
	for id, e := range v.ledger {
		if now >= e.expiry {
			delete(v.ledger, id)
		}
	}
}
