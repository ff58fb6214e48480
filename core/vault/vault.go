// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package vault is the key material boundary.  Every private or symmetric
// key used by a node lives inside a Vault and is referred to by an opaque
// Handle; raw key bytes only leave through ExportSecret on secrets created
// as exportable.
package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyMaterial is returned for malformed imported or peer
	// supplied key material.
	ErrInvalidKeyMaterial = errors.New("vault: invalid key material")

	// ErrNoSuchSecret is returned when a Handle does not name a secret.
	ErrNoSuchSecret = errors.New("vault: no such secret")

	// ErrUnauthorized is returned when a secret is used for an operation
	// its attributes do not permit.
	ErrUnauthorized = errors.New("vault: unauthorized")

	// ErrDecryptionFailed is the only error Decrypt returns for bad
	// ciphertexts, regardless of which check failed.
	ErrDecryptionFailed = errors.New("vault: decryption failed")

	// ErrClosed is returned by a Vault after Close.
	ErrClosed = errors.New("vault: closed")
)

// Handle is an opaque capability naming a secret held by a Vault.
type Handle string

// Kind is the type of a secret.
type Kind uint8

const (
	// KindSymmetric is a 32 byte AEAD/KDF key.
	KindSymmetric Kind = iota + 1

	// KindSigning is an Ed25519 signing key.
	KindSigning

	// KindExchange is an X25519 key exchange key.
	KindExchange
)

const (
	// SymmetricKeySize is the size of a KindSymmetric secret.
	SymmetricKeySize = 32

	// SigningKeySize is the size of an exported KindSigning secret.
	SigningKeySize = 64

	// ExchangeKeySize is the size of a KindExchange secret.
	ExchangeKeySize = 32
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSymmetric:
		return "symmetric"
	case KindSigning:
		return "ed25519"
	case KindExchange:
		return "x25519"
	default:
		return fmt.Sprintf("[unknown kind: %d]", uint8(k))
	}
}

// IsAsymmetric returns true for key pairs.
func (k Kind) IsAsymmetric() bool {
	return k == KindSigning || k == KindExchange
}

// Size returns the serialized size of a secret of this kind, or 0.
func (k Kind) Size() int {
	switch k {
	case KindSymmetric:
		return SymmetricKeySize
	case KindSigning:
		return SigningKeySize
	case KindExchange:
		return ExchangeKeySize
	default:
		return 0
	}
}

// Attributes describe a secret.
type Attributes struct {
	Kind   Kind
	Length int

	// Exportable secrets may be read back with ExportSecret.
	Exportable bool

	// Persistent secrets are written to the Vault's Store, if any.
	Persistent bool
}

// KeyStore manages the lifecycle of secrets.
type KeyStore interface {
	// GenerateSecret creates a fresh secret.
	GenerateSecret(attrs Attributes) (Handle, error)

	// ImportSecret takes ownership of raw key material.  The caller's
	// slice is zeroed.
	ImportSecret(raw []byte, attrs Attributes) (Handle, error)

	// DeleteSecret destroys a secret.  Deleting a missing secret is not
	// an error.
	DeleteSecret(h Handle) error

	// ExportSecret returns the raw key material of an exportable secret.
	ExportSecret(h Handle) ([]byte, error)

	// Attributes returns the attributes of a secret.
	Attributes(h Handle) (Attributes, error)

	// PublicKey returns the public half of an asymmetric secret.
	PublicKey(h Handle) ([]byte, error)
}

// Signer produces and checks signatures.
type Signer interface {
	// Sign signs message with a KindSigning secret.
	Sign(h Handle, message []byte) ([]byte, error)

	// Verify checks a signature against a serialized public key.
	Verify(kind Kind, publicKey, message, signature []byte) bool
}

// Exchanger performs Diffie-Hellman.
type Exchanger interface {
	// DH combines a KindExchange secret with a peer public key.  The
	// shared secret is returned as a new, non-exportable KindSymmetric
	// secret.
	DH(h Handle, peerPublicKey []byte) (Handle, error)
}

// SymmetricVault performs key derivation and authenticated encryption.
type SymmetricVault interface {
	// DeriveKey derives a new KindSymmetric secret from a KindSymmetric
	// secret with HKDF.
	DeriveKey(h Handle, salt, info []byte) (Handle, error)

	// Encrypt seals data with ChaCha20-Poly1305.
	Encrypt(h Handle, nonce, aad, data []byte) ([]byte, error)

	// Decrypt opens data sealed by Encrypt.  Any failure is reported as
	// ErrDecryptionFailed.
	Decrypt(h Handle, nonce, aad, data []byte) ([]byte, error)
}

// Vault is the full capability set a node is constructed with.
type Vault interface {
	KeyStore
	Signer
	Exchanger
	SymmetricVault

	// Close destroys every non persistent secret and releases the store.
	Close() error
}

// NonceSize is the size of the nonce Encrypt and Decrypt expect.
const NonceSize = 12

// Overhead is the ciphertext expansion of Encrypt.
const Overhead = 16
