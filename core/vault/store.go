// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package vault

// Record is the at rest form of a persistent secret.
type Record struct {
	Handle     Handle
	Attributes Attributes
	Secret     []byte
	Public     []byte `cbor:",omitempty"`
}

// Store is the persistence backend of a Software vault.
type Store interface {
	// Put writes a record, replacing any record with the same Handle.
	Put(r *Record) error

	// Delete removes a record.  Missing records are not an error.
	Delete(h Handle) error

	// ForEach calls fn for every stored record.  The record is only
	// valid for the duration of the call.
	ForEach(fn func(r *Record) error) error

	// Close releases the store.
	Close() error
}
