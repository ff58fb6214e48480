// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/core/vault/boltstore"
	"github.com/katzenpost/portal/enroll"
)

func openState(t *testing.T) (*State, string) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestVaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, path := openState(t)

	_, err := s.CreateVault("default", "/var/lib/portal/default.db")
	require.NoError(err)
	_, err = s.CreateVault("default", "/elsewhere")
	require.ErrorIs(err, ErrExists)
	_, err = s.CreateVault("", "/elsewhere")
	require.ErrorIs(err, ErrInvalidName)
	_, err = s.CreateVault("backup", "/var/lib/portal/backup.db")
	require.NoError(err)

	require.NoError(s.MoveVault("default", "/srv/portal/default.db"))
	require.ErrorIs(s.MoveVault("missing", "/x"), ErrNotFound)

	// Survives a reopen.
	require.NoError(s.Close())
	s, err = Open(path)
	require.NoError(err)
	defer s.Close()

	r, err := s.Vault("default")
	require.NoError(err)
	require.Equal("/srv/portal/default.db", r.Path)

	l, err := s.Vaults()
	require.NoError(err)
	require.Len(l, 2)
	require.Equal("backup", l[0].Name)
	require.Equal("default", l[1].Name)

	require.NoError(s.DeleteVault("backup"))
	require.ErrorIs(s.DeleteVault("backup"), ErrNotFound)
	_, err = s.Vault("backup")
	require.ErrorIs(err, ErrNotFound)
}

func TestIdentities(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, _ := openState(t)
	defer s.Close()

	vaultPath := filepath.Join(t.TempDir(), "vault.db")
	store, err := boltstore.New(vaultPath)
	require.NoError(err)
	v, err := vault.NewSoftware(store, nil)
	require.NoError(err)
	ids := identity.NewManager(v, true)

	id, err := ids.CreateIdentity()
	require.NoError(err)

	_, err = s.CreateIdentity("alice", "default", id)
	require.ErrorIs(err, ErrNotFound)
	_, err = s.CreateVault("default", vaultPath)
	require.NoError(err)
	_, err = s.CreateIdentity("alice", "default", id)
	require.NoError(err)
	require.Error(s.DeleteVault("default"), "vault in use")

	rotated, err := ids.Rotate(id)
	require.NoError(err)
	require.NoError(s.UpdateIdentity("alice", rotated))

	issuer := credential.NewIssuer(v)
	require.NoError(issuer.AddAuthority(rotated))
	c, err := issuer.Issue(rotated.Identifier, rotated.Identifier, map[string]string{"role": "admin"}, time.Hour, 1)
	require.NoError(err)
	require.NoError(s.PutCredential("alice", c))
	require.NoError(v.Close())

	// Reload the identity from a reopened vault.
	store, err = boltstore.New(vaultPath)
	require.NoError(err)
	v, err = vault.NewSoftware(store, nil)
	require.NoError(err)
	defer v.Close()

	r, err := s.Identity("alice")
	require.NoError(err)
	loaded, err := r.Load(identity.NewManager(v, true))
	require.NoError(err)
	require.Equal(id.Identifier, loaded.Identifier)
	require.Equal(rotated.PublicKey(), loaded.PublicKey())

	got, err := s.Credential("alice")
	require.NoError(err)
	require.Equal(c.IDString(), got.IDString())

	names, err := s.Identities()
	require.NoError(err)
	require.Equal([]string{"alice"}, names)

	require.NoError(s.DeleteIdentity("alice"))
	_, err = s.Credential("alice")
	require.ErrorIs(err, ErrNotFound)
	require.NoError(s.DeleteVault("default"))
}

func TestPolicies(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, _ := openState(t)
	defer s.Close()

	require.ErrorIs(s.SetPolicy(policy.ResourceTCPOutlet, `(= subject.role`), policy.ErrInvalidExpression)
	require.NoError(s.SetPolicy(policy.ResourceTCPOutlet, `(= subject.role "member")`))
	require.NoError(s.SetPolicy(policy.ResourceTCPInlet, `(= subject.role "server")`))

	expr, err := s.Policy(policy.ResourceTCPOutlet)
	require.NoError(err)
	require.Equal(`(= subject.role "member")`, expr)

	r := policy.NewRegistry()
	require.NoError(s.LoadPolicies(r))
	require.Equal([]string{policy.ResourceTCPInlet, policy.ResourceTCPOutlet}, r.ResourceTypes())
	e, ok := r.Policy(policy.ResourceTCPOutlet)
	require.True(ok)
	require.True(e.Evaluate(map[string]string{"role": "member"}))

	require.NoError(s.DeletePolicy(policy.ResourceTCPInlet))
	_, err = s.Policy(policy.ResourceTCPInlet)
	require.ErrorIs(err, ErrNotFound)
}

func TestTickets(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, path := openState(t)

	v, err := vault.NewSoftware(nil, nil)
	require.NoError(err)
	defer v.Close()
	ids := identity.NewManager(v, false)
	authority, err := ids.CreateIdentity()
	require.NoError(err)
	subject, err := ids.CreateIdentity()
	require.NoError(err)
	issuer := credential.NewIssuer(v)
	require.NoError(issuer.AddAuthority(authority))

	ticket, err := enroll.NewAuthority(issuer, authority.Identifier, s.Tickets()).
		CreateTicket(map[string]string{"role": "member"}, time.Hour, time.Hour, 1)
	require.NoError(err)

	// Pending tickets survive a restart of the authority.
	require.NoError(s.Close())
	s, err = Open(path)
	require.NoError(err)
	defer s.Close()

	a := enroll.NewAuthority(issuer, authority.Identifier, s.Tickets())
	c, err := a.Redeem(context.Background(), ticket, subject.Identifier)
	require.NoError(err)
	require.Equal(map[string]string{"role": "member"}, c.Attributes)
	_, err = a.Redeem(context.Background(), ticket, subject.Identifier)
	require.ErrorIs(err, enroll.ErrInvalidTicket)
}
