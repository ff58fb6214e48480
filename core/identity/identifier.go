// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"encoding/hex"
	"strings"

	"github.com/katzenpost/hpqc/hash"
)

// IdentifierPrefix is the first byte of every textual Identifier.
const IdentifierPrefix = "I"

const identifierHexLength = 64

// Identifier is the stable name of an Identity: the prefix followed by the
// hex encoded BLAKE2b-256 digest of the identity's first public key.
type Identifier string

// IdentifierFromKey derives the Identifier of an initial public key.
func IdentifierFromKey(publicKey []byte) Identifier {
	sum := hash.Sum256(publicKey)
	return Identifier(IdentifierPrefix + hex.EncodeToString(sum[:]))
}

// ParseIdentifier validates the textual form of an Identifier.
func ParseIdentifier(s string) (Identifier, error) {
	if !strings.HasPrefix(s, IdentifierPrefix) {
		return "", ErrInvalidIdentifier
	}
	h := s[len(IdentifierPrefix):]
	if len(h) != identifierHexLength || strings.ToLower(h) != h {
		return "", ErrInvalidIdentifier
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", ErrInvalidIdentifier
	}
	return Identifier(s), nil
}

// String returns the textual form of the Identifier.
func (i Identifier) String() string {
	return string(i)
}
