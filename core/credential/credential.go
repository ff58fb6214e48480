// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package credential implements signed, expiring, use limited attribute
// assertions about identities.
package credential

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/portal/core/identity"
)

const (
	// Version is the current credential format version.
	Version = 1

	// Unlimited is the MaxUses value of credentials without a use cap.
	Unlimited = math.MaxUint32

	// IDSize is the size of a credential ID.
	IDSize = 16

	// MaxAttributes bounds the number of attributes in a credential.
	MaxAttributes = 64

	signatureLabel = "portal/credential/v1"
)

// MinTTL is the shortest lifetime a credential may be issued for.  Expiry
// has a resolution of one second.
const MinTTL = time.Second

var (
	// ErrInvalidSignature is returned for malformed credentials or ones
	// whose signature does not verify.
	ErrInvalidSignature = errors.New("credential: invalid signature")

	// ErrExpired is returned for credentials past their expiry.
	ErrExpired = errors.New("credential: expired")

	// ErrExhausted is returned for credentials with no remaining uses.
	ErrExhausted = errors.New("credential: exhausted")

	// ErrUntrustedIssuer is returned when the issuer is not trusted, or
	// signed with a key that is not part of its history.
	ErrUntrustedIssuer = errors.New("credential: untrusted issuer")

	// ErrUnauthorized is returned when the issuer may not issue.
	ErrUnauthorized = errors.New("credential: unauthorized issuer")

	// ErrInvalidRequest is returned for issue requests that can never
	// produce a usable credential.
	ErrInvalidRequest = errors.New("credential: invalid request")

	ccbor cbor.EncMode
)

// Credential is a signed set of attributes about Subject.
type Credential struct {
	Version    uint8
	ID         []byte
	Subject    identity.Identifier
	Issuer     identity.Identifier
	IssuerKey  []byte
	Attributes map[string]string
	Issued     int64
	Expiry     int64
	MaxUses    uint32

	Signature []byte
}

// IDString returns the hex encoded credential ID.
func (c *Credential) IDString() string {
	return hex.EncodeToString(c.ID)
}

// ExpiryTime returns the credential's expiry.
func (c *Credential) ExpiryTime() time.Time {
	return time.Unix(c.Expiry, 0)
}

func (c *Credential) certified() ([]byte, error) {
	tmp := *c
	tmp.Signature = nil
	b, err := ccbor.Marshal(&tmp)
	if err != nil {
		return nil, err
	}
	return append([]byte(signatureLabel), b...), nil
}

func (c *Credential) sanityCheck() error {
	if c.Version != Version || len(c.ID) != IDSize || c.MaxUses == 0 {
		return ErrInvalidSignature
	}
	if len(c.Attributes) > MaxAttributes {
		return ErrInvalidSignature
	}
	if _, err := identity.ParseIdentifier(string(c.Subject)); err != nil {
		return ErrInvalidSignature
	}
	if _, err := identity.ParseIdentifier(string(c.Issuer)); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal serializes the credential.
func (c *Credential) Marshal() ([]byte, error) {
	return ccbor.Marshal(c)
}

// Parse deserializes a credential.  It does not verify it.
func Parse(b []byte) (*Credential, error) {
	c := new(Credential)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := c.sanityCheck(); err != nil {
		return nil, err
	}
	return c, nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
