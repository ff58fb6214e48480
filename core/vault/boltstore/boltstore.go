// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements a bbolt backed vault.Store.
package boltstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/portal/core/vault"
)

const (
	secretsBucket  = "secrets"
	metadataBucket = "metadata"
	versionKey     = "version"
	storeVersion   = 0
)

// Store is a vault.Store backed by a bbolt database.
type Store struct {
	db *bolt.DB
}

// Put implements vault.Store.
func (s *Store) Put(r *vault.Record) error {
	b, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	defer wipe(b)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Put([]byte(r.Handle), b)
	})
}

// Delete implements vault.Store.
func (s *Store) Delete(h vault.Handle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Delete([]byte(h))
	})
}

// ForEach implements vault.Store.
func (s *Store) ForEach(fn func(r *vault.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).ForEach(func(k, v []byte) error {
			r := new(vault.Record)
			if err := cbor.Unmarshal(v, r); err != nil {
				return fmt.Errorf("boltstore: corrupted record '%s': %w", k, err)
			}
			if string(r.Handle) != string(k) {
				return fmt.Errorf("boltstore: record '%s' has mismatched handle", k)
			}
			err := fn(r)
			wipe(r.Secret)
			return err
		})
	})
}

// Close implements vault.Store.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// New opens, creating if needed, the store at path.
func New(path string) (*Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(secretsBucket)); err != nil {
			return err
		}
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("boltstore: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ vault.Store = (*Store)(nil)
