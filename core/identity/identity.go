// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements long term node identities.  An Identity is
// named by the digest of its first signing key and may rotate keys; each
// rotation is a Change signed by both the outgoing and incoming key, so a
// verifier holding only the Identifier can authenticate the current key.
package identity

import (
	"bytes"
	"time"

	"github.com/katzenpost/portal/core/vault"
)

const publicKeySize = 32

// Vault is the subset of vault capabilities identities need.
type Vault interface {
	vault.KeyStore
	vault.Signer
}

// Identity is a verified identity.  Handle is empty for identities
// learned from peers.
type Identity struct {
	Identifier Identifier
	History    History
	Handle     vault.Handle
}

// PublicKey returns the identity's current public key.
func (id *Identity) PublicKey() []byte {
	return id.History.PublicKey()
}

// IsLocal returns true if the signing secret is held by the local vault.
func (id *Identity) IsLocal() bool {
	return id.Handle != ""
}

// Export serializes the public portion of the identity.
func (id *Identity) Export() ([]byte, error) {
	return id.History.Marshal()
}

// Manager creates, rotates and loads identities against a vault.
type Manager struct {
	vault      Vault
	persistent bool
	now        func() time.Time
}

// NewManager returns a Manager.  If persistent is set new signing secrets
// are written to the vault's store.
func NewManager(v Vault, persistent bool) *Manager {
	return &Manager{
		vault:      v,
		persistent: persistent,
		now:        time.Now,
	}
}

func (m *Manager) newChange(seq uint64, prev *Change, prevHandle vault.Handle) (*Change, vault.Handle, error) {
	h, err := m.vault.GenerateSecret(vault.Attributes{
		Kind:       vault.KindSigning,
		Persistent: m.persistent,
	})
	if err != nil {
		return nil, "", err
	}
	pub, err := m.vault.PublicKey(h)
	if err != nil {
		m.vault.DeleteSecret(h)
		return nil, "", err
	}

	c := &Change{
		Version:   ChangeVersion,
		Sequence:  seq,
		PublicKey: pub,
		Created:   m.now().Unix(),
	}
	if prev != nil {
		if c.PrevHash, err = prev.Hash(); err != nil {
			m.vault.DeleteSecret(h)
			return nil, "", err
		}
		if c.Created < prev.Created {
			c.Created = prev.Created
		}
	}

	msg, err := c.signedBytes()
	if err == nil {
		c.Signature, err = m.vault.Sign(h, msg)
	}
	if err == nil && prev != nil {
		c.PrevSignature, err = m.vault.Sign(prevHandle, msg)
	}
	if err != nil {
		m.vault.DeleteSecret(h)
		return nil, "", err
	}
	return c, h, nil
}

// CreateIdentity generates a signing secret and the identity it names.
func (m *Manager) CreateIdentity() (*Identity, error) {
	c, h, err := m.newChange(0, nil, "")
	if err != nil {
		return nil, err
	}
	return &Identity{
		Identifier: IdentifierFromKey(c.PublicKey),
		History:    History{c},
		Handle:     h,
	}, nil
}

// Rotate replaces the signing key of a local identity.  The returned
// Identity keeps the Identifier and the prior secret is deleted.
func (m *Manager) Rotate(id *Identity) (*Identity, error) {
	if !id.IsLocal() || len(id.History) == 0 {
		return nil, vault.ErrUnauthorized
	}
	if len(id.History) >= MaxChanges {
		return nil, ErrInvalidHistory
	}
	prev := id.History[len(id.History)-1]
	c, h, err := m.newChange(uint64(len(id.History)), prev, id.Handle)
	if err != nil {
		return nil, err
	}

	history := make(History, 0, len(id.History)+1)
	history = append(history, id.History...)
	history = append(history, c)

	if err := m.vault.DeleteSecret(id.Handle); err != nil {
		m.vault.DeleteSecret(h)
		return nil, err
	}
	return &Identity{
		Identifier: id.Identifier,
		History:    history,
		Handle:     h,
	}, nil
}

// Sign signs message with the identity's current key.
func (m *Manager) Sign(id *Identity, message []byte) ([]byte, error) {
	if !id.IsLocal() {
		return nil, vault.ErrUnauthorized
	}
	return m.vault.Sign(id.Handle, message)
}

// Verify checks message was signed by the identity's current key.
func (m *Manager) Verify(id *Identity, message, signature []byte) bool {
	return m.vault.Verify(vault.KindSigning, id.PublicKey(), message, signature)
}

// Import parses and verifies an exported identity.
func (m *Manager) Import(b []byte) (*Identity, error) {
	history, err := ParseHistory(b)
	if err != nil {
		return nil, err
	}
	return m.FromHistory(history)
}

// FromHistory verifies a history and returns the remote identity it
// describes.
func (m *Manager) FromHistory(history History) (*Identity, error) {
	identifier, err := history.Verify(m.vault)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Identifier: identifier,
		History:    history,
	}, nil
}

// Load reattaches a persisted history to the vault secret holding its
// current key.
func (m *Manager) Load(history History, h vault.Handle) (*Identity, error) {
	id, err := m.FromHistory(history)
	if err != nil {
		return nil, err
	}
	pub, err := m.vault.PublicKey(h)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pub, id.PublicKey()) {
		return nil, ErrKeyMismatch
	}
	id.Handle = h
	return id, nil
}

// Delete destroys the signing secret of a local identity.
func (m *Manager) Delete(id *Identity) error {
	if !id.IsLocal() {
		return nil
	}
	if err := m.vault.DeleteSecret(id.Handle); err != nil {
		return err
	}
	id.Handle = ""
	return nil
}
