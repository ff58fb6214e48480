// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package state persists a node's named vaults, identities, credentials,
// policies and pending enrollment tickets in a bbolt database.
package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/enroll"
)

const (
	vaultsBucket      = "vaults"
	identitiesBucket  = "identities"
	credentialsBucket = "credentials"
	policiesBucket    = "policies"
	ticketsBucket     = "tickets"
	metadataBucket    = "metadata"
	versionKey        = "version"
	stateVersion      = 0
)

var (
	// ErrNotFound is returned when a name is not present.
	ErrNotFound = errors.New("state: not found")

	// ErrExists is returned when creating a name that is present.
	ErrExists = errors.New("state: already exists")

	// ErrInvalidName is returned for empty names.
	ErrInvalidName = errors.New("state: invalid name")
)

// VaultRecord names a vault's backing store.
type VaultRecord struct {
	Name    string
	Path    string
	Created int64
}

// IdentityRecord names an identity and the vault holding its key.
type IdentityRecord struct {
	Name       string
	Identifier identity.Identifier
	History    []byte
	Vault      string
	Handle     vault.Handle
	Created    int64
}

// Load restores the identity against m, which must use the record's
// vault.
func (r *IdentityRecord) Load(m *identity.Manager) (*identity.Identity, error) {
	h, err := identity.ParseHistory(r.History)
	if err != nil {
		return nil, err
	}
	id, err := m.Load(h, r.Handle)
	if err != nil {
		return nil, err
	}
	if id.Identifier != r.Identifier {
		return nil, fmt.Errorf("state: identity '%v' does not match its history", r.Name)
	}
	return id, nil
}

// State is the node state database.
type State struct {
	db *bolt.DB
}

// Open opens, creating if needed, the state database at path.
func Open(path string) (*State, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &State{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			vaultsBucket,
			identitiesBucket,
			credentialsBucket,
			policiesBucket,
			ticketsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != stateVersion {
				return fmt.Errorf("state: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{stateVersion})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func checkName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	return nil
}

func (s *State) create(bucket, name string, v interface{}) error {
	if err := checkName(name); err != nil {
		return err
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %v '%v'", ErrExists, bucket, name)
		}
		return bkt.Put([]byte(name), b)
	})
}

func (s *State) put(bucket, name string, v interface{}) error {
	if err := checkName(name); err != nil {
		return err
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(name), b)
	})
}

func (s *State) get(bucket, name string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket)).Get([]byte(name))
		if b == nil {
			return fmt.Errorf("%w: %v '%v'", ErrNotFound, bucket, name)
		}
		return cbor.Unmarshal(b, v)
	})
}

func (s *State) delete(bucket, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %v '%v'", ErrNotFound, bucket, name)
		}
		return bkt.Delete([]byte(name))
	})
}

func (s *State) names(bucket string) ([]string, error) {
	var l []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, _ []byte) error {
			l = append(l, string(k))
			return nil
		})
	})
	return l, err
}

// CreateVault records a vault stored at path.
func (s *State) CreateVault(name, path string) (*VaultRecord, error) {
	r := &VaultRecord{Name: name, Path: path, Created: time.Now().Unix()}
	if err := s.create(vaultsBucket, name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Vault returns a vault record.
func (s *State) Vault(name string) (*VaultRecord, error) {
	r := new(VaultRecord)
	if err := s.get(vaultsBucket, name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Vaults returns every vault record ordered by name.
func (s *State) Vaults() ([]*VaultRecord, error) {
	names, err := s.names(vaultsBucket)
	if err != nil {
		return nil, err
	}
	l := make([]*VaultRecord, 0, len(names))
	for _, name := range names {
		r, err := s.Vault(name)
		if err != nil {
			return nil, err
		}
		l = append(l, r)
	}
	return l, nil
}

// MoveVault changes the path of a vault.  Moving the file is up to the
// caller.
func (s *State) MoveVault(name, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(vaultsBucket))
		b := bkt.Get([]byte(name))
		if b == nil {
			return fmt.Errorf("%w: vault '%v'", ErrNotFound, name)
		}
		r := new(VaultRecord)
		if err := cbor.Unmarshal(b, r); err != nil {
			return err
		}
		r.Path = path
		b, err := cbor.Marshal(r)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(name), b)
	})
}

// DeleteVault removes a vault record.  Vaults still referenced by an
// identity cannot be deleted.
func (s *State) DeleteVault(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(identitiesBucket)).ForEach(func(k, v []byte) error {
			r := new(IdentityRecord)
			if err := cbor.Unmarshal(v, r); err != nil {
				return err
			}
			if r.Vault == name {
				return fmt.Errorf("state: vault '%v' is used by identity '%s'", name, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		bkt := tx.Bucket([]byte(vaultsBucket))
		if bkt.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: vault '%v'", ErrNotFound, name)
		}
		return bkt.Delete([]byte(name))
	})
}

// CreateIdentity records a local identity held by the named vault.
func (s *State) CreateIdentity(name, vaultName string, id *identity.Identity) (*IdentityRecord, error) {
	if !id.IsLocal() {
		return nil, errors.New("state: identity is not local")
	}
	if _, err := s.Vault(vaultName); err != nil {
		return nil, err
	}
	history, err := id.Export()
	if err != nil {
		return nil, err
	}
	r := &IdentityRecord{
		Name:       name,
		Identifier: id.Identifier,
		History:    history,
		Vault:      vaultName,
		Handle:     id.Handle,
		Created:    time.Now().Unix(),
	}
	if err = s.create(identitiesBucket, name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateIdentity replaces the stored history and handle, after rotation.
func (s *State) UpdateIdentity(name string, id *identity.Identity) error {
	r, err := s.Identity(name)
	if err != nil {
		return err
	}
	if id.Identifier != r.Identifier {
		return fmt.Errorf("state: identity '%v' is %v", name, r.Identifier)
	}
	if r.History, err = id.Export(); err != nil {
		return err
	}
	r.Handle = id.Handle
	return s.put(identitiesBucket, name, r)
}

// Identity returns an identity record.
func (s *State) Identity(name string) (*IdentityRecord, error) {
	r := new(IdentityRecord)
	if err := s.get(identitiesBucket, name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Identities returns every identity name in order.
func (s *State) Identities() ([]string, error) {
	return s.names(identitiesBucket)
}

// DeleteIdentity removes an identity record and its credential.
func (s *State) DeleteIdentity(name string) error {
	if err := s.delete(identitiesBucket, name); err != nil {
		return err
	}
	err := s.delete(credentialsBucket, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PutCredential stores the credential held by the named identity.
func (s *State) PutCredential(name string, c *credential.Credential) error {
	r, err := s.Identity(name)
	if err != nil {
		return err
	}
	if c.Subject != r.Identifier {
		return fmt.Errorf("state: credential is not for identity '%v'", name)
	}
	b, err := c.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Put([]byte(name), b)
	})
}

// Credential returns the credential held by the named identity.
func (s *State) Credential(name string) (*credential.Credential, error) {
	var c *credential.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(credentialsBucket)).Get([]byte(name))
		if b == nil {
			return fmt.Errorf("%w: credential '%v'", ErrNotFound, name)
		}
		var err error
		c, err = credential.Parse(b)
		return err
	})
	return c, err
}

// SetPolicy binds an expression to a resource type.
func (s *State) SetPolicy(resourceType, expr string) error {
	if _, err := policy.Parse(expr); err != nil {
		return err
	}
	return s.put(policiesBucket, resourceType, expr)
}

// Policy returns the expression bound to a resource type.
func (s *State) Policy(resourceType string) (string, error) {
	var expr string
	err := s.get(policiesBucket, resourceType, &expr)
	return expr, err
}

// DeletePolicy unbinds a resource type.
func (s *State) DeletePolicy(resourceType string) error {
	return s.delete(policiesBucket, resourceType)
}

// Policies returns every bound resource type in order.
func (s *State) Policies() ([]string, error) {
	l, err := s.names(policiesBucket)
	sort.Strings(l)
	return l, err
}

// LoadPolicies binds every stored policy in r.
func (s *State) LoadPolicies(r *policy.Registry) error {
	types, err := s.Policies()
	if err != nil {
		return err
	}
	for _, t := range types {
		text, err := s.Policy(t)
		if err != nil {
			return err
		}
		expr, err := policy.Parse(text)
		if err != nil {
			return fmt.Errorf("state: policy for '%v': %w", t, err)
		}
		r.SetPolicy(t, expr)
	}
	return nil
}

type ticketStore struct {
	s *State
}

func (t *ticketStore) Put(key []byte, p *enroll.Pending) error {
	b, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	return t.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ticketsBucket)).Put(key, b)
	})
}

func (t *ticketStore) Take(key []byte) (*enroll.Pending, error) {
	p := new(enroll.Pending)
	err := t.s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		b := bkt.Get(key)
		if b == nil {
			return enroll.ErrInvalidTicket
		}
		if err := cbor.Unmarshal(b, p); err != nil {
			return err
		}
		return bkt.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Tickets returns an enroll.Store persisting pending tickets.
func (s *State) Tickets() enroll.Store {
	return &ticketStore{s: s}
}
