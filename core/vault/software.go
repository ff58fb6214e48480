// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package vault

import (
	stded25519 "crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/log"
)

const handleSize = 16

type secret struct {
	attrs  Attributes
	buf    *lockedBuffer
	public []byte
}

func (s *secret) destroy() {
	if s.buf != nil {
		s.buf.Destroy()
	}
}

// Software is a Vault that keeps secrets in locked process memory, and
// optionally persists them to a Store.
type Software struct {
	sync.RWMutex

	log   *logging.Logger
	store Store

	secrets map[Handle]*secret
	closed  bool
}

// NewSoftware returns a Software vault.  If store is non-nil every
// persistent secret it holds is loaded.
func NewSoftware(store Store, logBackend *log.Backend) (*Software, error) {
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	v := &Software{
		log:     logBackend.GetLogger("vault"),
		store:   store,
		secrets: make(map[Handle]*secret),
	}
	if store == nil {
		return v, nil
	}

	err := store.ForEach(func(r *Record) error {
		buf, err := newLockedBuffer(r.Secret)
		if err != nil {
			return err
		}
		v.secrets[r.Handle] = &secret{
			attrs:  r.Attributes,
			buf:    buf,
			public: r.Public,
		}
		return nil
	})
	if err != nil {
		v.destroyAll()
		return nil, err
	}
	v.log.Debugf("Loaded %d persistent secrets.", len(v.secrets))
	return v, nil
}

func newHandle(k Kind) (Handle, error) {
	var b [handleSize]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return Handle(k.String() + "-" + hex.EncodeToString(b[:])), nil
}

// GenerateSecret implements KeyStore.
func (v *Software) GenerateSecret(attrs Attributes) (Handle, error) {
	var raw, public []byte
	switch attrs.Kind {
	case KindSymmetric:
		raw = make([]byte, SymmetricKeySize)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return "", err
		}
	case KindSigning:
		sk, pk, err := ed25519.NewKeypair(rand.Reader)
		if err != nil {
			return "", err
		}
		raw = append([]byte{}, sk.Bytes()...)
		public = append([]byte{}, pk.Bytes()...)
		sk.Reset()
	case KindExchange:
		sk, err := x25519.NewKeypair(rand.Reader)
		if err != nil {
			return "", err
		}
		raw = sk.Bytes()
		public = sk.Public().Bytes()
		sk.Reset()
	default:
		return "", fmt.Errorf("%w: unknown kind %v", ErrInvalidKeyMaterial, attrs.Kind)
	}
	return v.insert(raw, public, attrs)
}

// ImportSecret implements KeyStore.
func (v *Software) ImportSecret(raw []byte, attrs Attributes) (Handle, error) {
	if attrs.Kind.Size() == 0 || len(raw) != attrs.Kind.Size() {
		wipe(raw)
		return "", ErrInvalidKeyMaterial
	}

	var public []byte
	switch attrs.Kind {
	case KindSigning:
		expected := stded25519.NewKeyFromSeed(raw[:stded25519.SeedSize])
		ok := subtle.ConstantTimeCompare(expected, raw) == 1
		wipe(expected)
		if !ok {
			wipe(raw)
			return "", ErrInvalidKeyMaterial
		}
		public = append([]byte{}, raw[stded25519.SeedSize:]...)
	case KindExchange:
		sk := new(x25519.PrivateKey)
		if err := sk.FromBytes(raw); err != nil {
			wipe(raw)
			return "", ErrInvalidKeyMaterial
		}
		public = sk.Public().Bytes()
		sk.Reset()
	}

	buf := append([]byte{}, raw...)
	wipe(raw)
	return v.insert(buf, public, attrs)
}

func (v *Software) insert(raw, public []byte, attrs Attributes) (Handle, error) {
	attrs.Length = len(raw)

	h, err := newHandle(attrs.Kind)
	if err != nil {
		wipe(raw)
		return "", err
	}
	buf, err := newLockedBuffer(raw)
	if err != nil {
		wipe(raw)
		return "", err
	}
	s := &secret{attrs: attrs, buf: buf, public: public}

	v.Lock()
	defer v.Unlock()
	if v.closed {
		s.destroy()
		return "", ErrClosed
	}
	if attrs.Persistent && v.store != nil {
		r := &Record{
			Handle:     h,
			Attributes: attrs,
			Secret:     s.buf.Bytes(),
			Public:     public,
		}
		if err := v.store.Put(r); err != nil {
			s.destroy()
			return "", err
		}
	}
	v.secrets[h] = s
	v.log.Debugf("New %v secret: %v", attrs.Kind, h)
	return h, nil
}

// get must be called with the lock held.
func (v *Software) get(h Handle) (*secret, error) {
	if v.closed {
		return nil, ErrClosed
	}
	s, ok := v.secrets[h]
	if !ok {
		return nil, ErrNoSuchSecret
	}
	return s, nil
}

// DeleteSecret implements KeyStore.
func (v *Software) DeleteSecret(h Handle) error {
	v.Lock()
	defer v.Unlock()

	if v.closed {
		return ErrClosed
	}
	s, ok := v.secrets[h]
	if !ok {
		return nil
	}
	if s.attrs.Persistent && v.store != nil {
		if err := v.store.Delete(h); err != nil {
			return err
		}
	}
	delete(v.secrets, h)
	s.destroy()
	return nil
}

// ExportSecret implements KeyStore.
func (v *Software) ExportSecret(h Handle) ([]byte, error) {
	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		return nil, err
	}
	if !s.attrs.Exportable {
		return nil, ErrUnauthorized
	}
	return append([]byte{}, s.buf.Bytes()...), nil
}

// Attributes implements KeyStore.
func (v *Software) Attributes(h Handle) (Attributes, error) {
	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		return Attributes{}, err
	}
	return s.attrs, nil
}

// PublicKey implements KeyStore.
func (v *Software) PublicKey(h Handle) ([]byte, error) {
	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		return nil, err
	}
	if !s.attrs.Kind.IsAsymmetric() {
		return nil, ErrUnauthorized
	}
	return append([]byte{}, s.public...), nil
}

// Sign implements Signer.
func (v *Software) Sign(h Handle, message []byte) ([]byte, error) {
	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		return nil, err
	}
	if s.attrs.Kind != KindSigning {
		return nil, ErrUnauthorized
	}
	sk, err := ed25519.Scheme().UnmarshalBinaryPrivateKey(s.buf.Bytes())
	if err != nil {
		return nil, ErrInvalidKeyMaterial
	}
	defer sk.(*ed25519.PrivateKey).Reset()
	return ed25519.Scheme().Sign(sk, message, nil), nil
}

// Verify implements Signer.
func (v *Software) Verify(kind Kind, publicKey, message, signature []byte) bool {
	if kind != KindSigning {
		return false
	}
	pk, err := ed25519.Scheme().UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return ed25519.Scheme().Verify(pk, message, signature, nil)
}

// DH implements Exchanger.
func (v *Software) DH(h Handle, peerPublicKey []byte) (Handle, error) {
	if len(peerPublicKey) != x25519.PublicKeySize {
		return "", ErrInvalidKeyMaterial
	}

	v.RLock()
	s, err := v.get(h)
	if err != nil {
		v.RUnlock()
		return "", err
	}
	if s.attrs.Kind != KindExchange {
		v.RUnlock()
		return "", ErrUnauthorized
	}
	shared, err := curve25519.X25519(s.buf.Bytes(), peerPublicKey)
	v.RUnlock()
	if err != nil {
		// Low order points yield the all zero output.
		return "", ErrInvalidKeyMaterial
	}
	return v.insert(shared, nil, Attributes{Kind: KindSymmetric})
}

func blake2b256() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// DeriveKey implements SymmetricVault.
func (v *Software) DeriveKey(h Handle, salt, info []byte) (Handle, error) {
	okm := make([]byte, SymmetricKeySize)

	v.RLock()
	s, err := v.get(h)
	if err != nil {
		v.RUnlock()
		return "", err
	}
	if s.attrs.Kind != KindSymmetric {
		v.RUnlock()
		return "", ErrUnauthorized
	}
	_, err = io.ReadFull(hkdf.New(blake2b256, s.buf.Bytes(), salt, info), okm)
	v.RUnlock()
	if err != nil {
		return "", err
	}
	return v.insert(okm, nil, Attributes{Kind: KindSymmetric})
}

// Encrypt implements SymmetricVault.
func (v *Software) Encrypt(h Handle, nonce, aad, data []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("vault: invalid nonce size %d", len(nonce))
	}

	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		return nil, err
	}
	if s.attrs.Kind != KindSymmetric {
		return nil, ErrUnauthorized
	}
	aead, err := chacha20poly1305.New(s.buf.Bytes())
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	return aead.Seal(nil, nonce, data, aad), nil
}

// Decrypt implements SymmetricVault.
func (v *Software) Decrypt(h Handle, nonce, aad, data []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize || len(data) < chacha20poly1305.Overhead {
		return nil, ErrDecryptionFailed
	}

	v.RLock()
	defer v.RUnlock()

	s, err := v.get(h)
	if err != nil {
		if err == ErrClosed {
			return nil, err
		}
		return nil, ErrDecryptionFailed
	}
	if s.attrs.Kind != KindSymmetric {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(s.buf.Bytes())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer aead.Reset()
	pt, err := aead.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Len returns the number of secrets currently held.
func (v *Software) Len() int {
	v.RLock()
	defer v.RUnlock()
	return len(v.secrets)
}

// Close implements Vault.
func (v *Software) Close() error {
	v.Lock()
	defer v.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.destroyAll()
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

func (v *Software) destroyAll() {
	for h, s := range v.secrets {
		s.destroy()
		delete(v.secrets, h)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ Vault = (*Software)(nil)
