// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package credential

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
)

// Issuer signs credentials on behalf of the authorities registered with
// it.  Every authority's signing secret must be held by the local vault.
type Issuer struct {
	sync.RWMutex

	vault       identity.Vault
	authorities map[identity.Identifier]*identity.Identity
	now         func() time.Time
}

// NewIssuer returns an Issuer with no authorities.
func NewIssuer(v identity.Vault) *Issuer {
	return &Issuer{
		vault:       v,
		authorities: make(map[identity.Identifier]*identity.Identity),
		now:         time.Now,
	}
}

// AddAuthority registers a local identity as an issuing authority.
func (i *Issuer) AddAuthority(id *identity.Identity) error {
	if !id.IsLocal() {
		return ErrUnauthorized
	}
	pub, err := i.vault.PublicKey(id.Handle)
	if err != nil || !bytes.Equal(pub, id.PublicKey()) {
		return ErrUnauthorized
	}

	i.Lock()
	defer i.Unlock()
	i.authorities[id.Identifier] = id
	return nil
}

// RemoveAuthority revokes an identity's right to issue.
func (i *Issuer) RemoveAuthority(identifier identity.Identifier) {
	i.Lock()
	defer i.Unlock()
	delete(i.authorities, identifier)
}

// Issue signs a credential asserting attrs about subject.
func (i *Issuer) Issue(issuer, subject identity.Identifier, attrs map[string]string, ttl time.Duration, maxUses uint32) (*Credential, error) {
	i.RLock()
	authority, ok := i.authorities[issuer]
	i.RUnlock()
	if !ok {
		return nil, ErrUnauthorized
	}

	switch {
	case maxUses == 0:
		return nil, fmt.Errorf("%w: max uses must be positive", ErrInvalidRequest)
	case ttl < MinTTL:
		return nil, fmt.Errorf("%w: ttl must be at least %v", ErrInvalidRequest, MinTTL)
	case len(attrs) > MaxAttributes:
		return nil, fmt.Errorf("%w: too many attributes", ErrInvalidRequest)
	}
	if _, err := identity.ParseIdentifier(string(subject)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k := range attrs {
		if k == "" {
			return nil, fmt.Errorf("%w: empty attribute name", ErrInvalidRequest)
		}
	}

	now := i.now()
	c := &Credential{
		Version:    Version,
		ID:         make([]byte, IDSize),
		Subject:    subject,
		Issuer:     issuer,
		IssuerKey:  authority.PublicKey(),
		Attributes: make(map[string]string, len(attrs)),
		Issued:     now.Unix(),
		Expiry:     now.Add(ttl).Unix(),
		MaxUses:    maxUses,
	}
	if _, err := io.ReadFull(rand.Reader, c.ID); err != nil {
		return nil, err
	}
	for k, v := range attrs {
		c.Attributes[k] = v
	}

	msg, err := c.certified()
	if err != nil {
		return nil, err
	}
	if c.Signature, err = i.vault.Sign(authority.Handle, msg); err != nil {
		if err == vault.ErrNoSuchSecret || err == vault.ErrUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return c, nil
}
