// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/portal/core/vault"
)

const (
	// ChangeVersion is the current Change format version.
	ChangeVersion = 1

	changeLabel = "portal/identity/change/v1"

	// MaxChanges bounds the length of an accepted history.
	MaxChanges = 64
)

var (
	// ErrInvalidIdentifier is returned for malformed identifiers.
	ErrInvalidIdentifier = errors.New("identity: invalid identifier")

	// ErrInvalidHistory is returned when a change history fails
	// verification.
	ErrInvalidHistory = errors.New("identity: invalid change history")

	// ErrKeyMismatch is returned when a vault secret does not hold the
	// current key of a history.
	ErrKeyMismatch = errors.New("identity: secret does not match history")

	ccbor cbor.EncMode
)

// Change is one link of an identity's key history.  The first Change
// introduces the key the Identifier is derived from, and every later
// Change is signed by both the key it retires and the key it introduces.
type Change struct {
	Version   uint8
	Sequence  uint64
	PublicKey []byte
	Created   int64
	PrevHash  []byte `cbor:",omitempty"`

	Signature     []byte
	PrevSignature []byte `cbor:",omitempty"`
}

func (c *Change) signedBytes() ([]byte, error) {
	tmp := *c
	tmp.Signature = nil
	tmp.PrevSignature = nil
	b, err := ccbor.Marshal(&tmp)
	if err != nil {
		return nil, err
	}
	return append([]byte(changeLabel), b...), nil
}

// Hash returns the digest later changes use to refer to c.
func (c *Change) Hash() ([]byte, error) {
	b, err := ccbor.Marshal(c)
	if err != nil {
		return nil, err
	}
	sum := hash.Sum256(b)
	return sum[:], nil
}

// History is the ordered key history of an identity.
type History []*Change

// PublicKey returns the current public key.
func (h History) PublicKey() []byte {
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1].PublicKey
}

// Contains returns true if publicKey appears anywhere in the history.
func (h History) Contains(publicKey []byte) bool {
	for _, c := range h {
		if bytes.Equal(c.PublicKey, publicKey) {
			return true
		}
	}
	return false
}

// Verify checks the whole chain and returns the Identifier it belongs to.
func (h History) Verify(s vault.Signer) (Identifier, error) {
	if len(h) == 0 || len(h) > MaxChanges {
		return "", ErrInvalidHistory
	}

	var prev *Change
	for i, c := range h {
		if c == nil || c.Version != ChangeVersion || c.Sequence != uint64(i) {
			return "", fmt.Errorf("%w: malformed change %d", ErrInvalidHistory, i)
		}
		if len(c.PublicKey) != publicKeySize {
			return "", fmt.Errorf("%w: bad key in change %d", ErrInvalidHistory, i)
		}
		msg, err := c.signedBytes()
		if err != nil {
			return "", err
		}
		if !s.Verify(vault.KindSigning, c.PublicKey, msg, c.Signature) {
			return "", fmt.Errorf("%w: bad self signature in change %d", ErrInvalidHistory, i)
		}

		if prev == nil {
			if len(c.PrevHash) != 0 || len(c.PrevSignature) != 0 {
				return "", fmt.Errorf("%w: first change is linked", ErrInvalidHistory)
			}
		} else {
			prevHash, err := prev.Hash()
			if err != nil {
				return "", err
			}
			if !bytes.Equal(prevHash, c.PrevHash) || c.Created < prev.Created {
				return "", fmt.Errorf("%w: change %d is not linked", ErrInvalidHistory, i)
			}
			if !s.Verify(vault.KindSigning, prev.PublicKey, msg, c.PrevSignature) {
				return "", fmt.Errorf("%w: bad prior signature in change %d", ErrInvalidHistory, i)
			}
		}
		prev = c
	}
	return IdentifierFromKey(h[0].PublicKey), nil
}

// Marshal serializes the history.
func (h History) Marshal() ([]byte, error) {
	return ccbor.Marshal(h)
}

// ParseHistory deserializes a history.  It does not verify it.
func ParseHistory(b []byte) (History, error) {
	var h History
	if err := cbor.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHistory, err)
	}
	return h, nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
