// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/vault"
)

func newTestManager(t *testing.T) (*Manager, *vault.Software) {
	v, err := vault.NewSoftware(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return NewManager(v, false), v
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	valid := "I" + strings.Repeat("ab", 32)
	for _, v := range []struct {
		s  string
		ok bool
	}{
		{valid, true},
		{strings.Repeat("ab", 32), false},
		{"J" + strings.Repeat("ab", 32), false},
		{"I" + strings.Repeat("AB", 32), false},
		{"I" + strings.Repeat("zz", 32), false},
		{"I" + strings.Repeat("ab", 31), false},
		{"", false},
	} {
		id, err := ParseIdentifier(v.s)
		if v.ok {
			require.NoError(t, err, v.s)
			require.Equal(t, v.s, id.String())
		} else {
			require.ErrorIs(t, err, ErrInvalidIdentifier, v.s)
		}
	}
}

func TestCreateIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	m, _ := newTestManager(t)

	a, err := m.CreateIdentity()
	require.NoError(err)
	b, err := m.CreateIdentity()
	require.NoError(err)

	require.NotEqual(a.Identifier, b.Identifier)
	require.Equal(IdentifierFromKey(a.PublicKey()), a.Identifier)
	_, err = ParseIdentifier(a.Identifier.String())
	require.NoError(err)
	require.True(a.IsLocal())

	msg := []byte("hello")
	sig, err := m.Sign(a, msg)
	require.NoError(err)
	require.True(m.Verify(a, msg, sig))
	require.False(m.Verify(b, msg, sig))
}

func TestRotate(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	m, v := newTestManager(t)

	a, err := m.CreateIdentity()
	require.NoError(err)
	oldHandle := a.Handle
	oldKey := a.PublicKey()

	a2, err := m.Rotate(a)
	require.NoError(err)
	a3, err := m.Rotate(a2)
	require.NoError(err)

	require.Equal(a.Identifier, a3.Identifier)
	require.Len(a3.History, 3)
	require.NotEqual(oldKey, a3.PublicKey())
	require.True(a3.History.Contains(oldKey))

	_, err = v.Attributes(oldHandle)
	require.ErrorIs(err, vault.ErrNoSuchSecret)

	b, err := a3.Export()
	require.NoError(err)
	remote, err := m.Import(b)
	require.NoError(err)
	require.Equal(a.Identifier, remote.Identifier)
	require.Equal(a3.PublicKey(), remote.PublicKey())
	require.False(remote.IsLocal())

	_, err = m.Rotate(remote)
	require.ErrorIs(err, vault.ErrUnauthorized)
}

func TestHistoryTampering(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	m, _ := newTestManager(t)

	a, err := m.CreateIdentity()
	require.NoError(err)
	a, err = m.Rotate(a)
	require.NoError(err)
	mallory, err := m.CreateIdentity()
	require.NoError(err)

	clone := func() History {
		h := make(History, 0, len(a.History))
		for _, c := range a.History {
			cc := *c
			h = append(h, &cc)
		}
		return h
	}

	t.Run("splice foreign key", func(t *testing.T) {
		h := clone()
		h[1] = mallory.History[0]
		_, err := h.Verify(m.vault)
		require.ErrorIs(err, ErrInvalidHistory)
	})

	t.Run("drop prior signature", func(t *testing.T) {
		h := clone()
		h[1].PrevSignature = nil
		_, err := h.Verify(m.vault)
		require.ErrorIs(err, ErrInvalidHistory)
	})

	t.Run("reorder", func(t *testing.T) {
		h := clone()
		h[0], h[1] = h[1], h[0]
		_, err := h.Verify(m.vault)
		require.ErrorIs(err, ErrInvalidHistory)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := History{}.Verify(m.vault)
		require.ErrorIs(err, ErrInvalidHistory)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Import([]byte{0xff, 0x00})
		require.ErrorIs(err, ErrInvalidHistory)
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	m, _ := newTestManager(t)

	a, err := m.CreateIdentity()
	require.NoError(err)
	b, err := m.CreateIdentity()
	require.NoError(err)

	loaded, err := m.Load(a.History, a.Handle)
	require.NoError(err)
	require.Equal(a.Identifier, loaded.Identifier)

	_, err = m.Load(a.History, b.Handle)
	require.ErrorIs(err, ErrKeyMismatch)

	require.NoError(m.Delete(a))
	require.False(a.IsLocal())
}
