// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package enroll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
)

type testWorld struct {
	vault     *vault.Software
	authority *identity.Identity
	subject   *identity.Identity
	a         *Authority
}

func newTestWorld(t *testing.T) *testWorld {
	v, err := vault.NewSoftware(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	ids := identity.NewManager(v, false)
	w := &testWorld{vault: v}
	w.authority, err = ids.CreateIdentity()
	require.NoError(t, err)
	w.subject, err = ids.CreateIdentity()
	require.NoError(t, err)

	issuer := credential.NewIssuer(v)
	require.NoError(t, issuer.AddAuthority(w.authority))
	w.a = NewAuthority(issuer, w.authority.Identifier, nil)
	return w
}

func TestRedeem(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := newTestWorld(t)
	attrs := map[string]string{"role": "member"}
	ticket, err := w.a.CreateTicket(attrs, time.Hour, 24*time.Hour, 10)
	require.NoError(err)

	parsed, err := ParseTicket(ticket.String())
	require.NoError(err)
	require.Equal(ticket, parsed)

	ctx := context.Background()
	c, err := w.a.Redeem(ctx, parsed, w.subject.Identifier)
	require.NoError(err)
	require.Equal(w.subject.Identifier, c.Subject)
	require.Equal(w.authority.Identifier, c.Issuer)
	require.Equal(attrs, c.Attributes)
	require.Equal(uint32(10), c.MaxUses)

	got, err := credential.NewVerifier(w.vault).Verify(c, credential.NewTrustedIssuers(w.authority))
	require.NoError(err)
	require.Equal(attrs, got)

	_, err = w.a.Redeem(ctx, parsed, w.subject.Identifier)
	require.ErrorIs(err, ErrInvalidTicket)
}

func TestRedeemOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := newTestWorld(t)
	ticket, err := w.a.CreateTicket(nil, time.Hour, time.Hour, 1)
	require.NoError(err)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.a.Redeem(context.Background(), ticket, w.subject.Identifier)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(err, ErrInvalidTicket)
		}
	}
	require.Equal(1, ok)
}

func TestRedeemFailures(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := newTestWorld(t)
	ctx := context.Background()

	now := time.Now()
	w.a.Now = func() time.Time { return now }
	expired, err := w.a.CreateTicket(nil, time.Minute, time.Hour, 1)
	require.NoError(err)
	w.a.Now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = w.a.Redeem(ctx, expired, w.subject.Identifier)
	require.ErrorIs(err, ErrTicketExpired)
	_, err = w.a.Redeem(ctx, expired, w.subject.Identifier)
	require.ErrorIs(err, ErrInvalidTicket)
	w.a.Now = time.Now

	ticket, err := w.a.CreateTicket(nil, time.Hour, time.Hour, 1)
	require.NoError(err)

	forged := *ticket
	forged.Code = make([]byte, CodeSize)
	_, err = w.a.Redeem(ctx, &forged, w.subject.Identifier)
	require.ErrorIs(err, ErrInvalidTicket)

	other := *ticket
	other.Authority = w.subject.Identifier
	_, err = w.a.Redeem(ctx, &other, w.subject.Identifier)
	require.ErrorIs(err, ErrInvalidTicket)

	_, err = w.a.Redeem(ctx, ticket, "not an identifier")
	require.ErrorIs(err, credential.ErrInvalidRequest)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = w.a.Redeem(cctx, ticket, w.subject.Identifier)
	require.ErrorIs(err, context.Canceled)

	// The rejected presentations did not spend the ticket.
	_, err = w.a.Redeem(ctx, ticket, w.subject.Identifier)
	require.NoError(err)

	_, err = w.a.CreateTicket(nil, time.Hour, time.Hour, 0)
	require.ErrorIs(err, credential.ErrInvalidRequest)
	_, err = w.a.CreateTicket(nil, 0, time.Hour, 1)
	require.ErrorIs(err, credential.ErrInvalidRequest)
	_, err = w.a.CreateTicket(nil, time.Hour, 100*time.Millisecond, 1)
	require.ErrorIs(err, credential.ErrInvalidRequest)

	for _, s := range []string{"", "zz", "a0"} {
		_, err = ParseTicket(s)
		require.ErrorIs(err, ErrInvalidTicket, s)
	}
}
