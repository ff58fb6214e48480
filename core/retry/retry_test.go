// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	for _, v := range []struct {
		err       error
		transient bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("unexpected EOF"), true},
		{fmt.Errorf("link: %w", timeoutError{}), true},
		{errors.New("channel: handshake failed"), false},
		{fmt.Errorf("%w: connection refused", ErrPermanent), false},
	} {
		require.Equal(t, v.transient, IsTransientError(v.err), "%v", v.err)
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		bad := errors.New("authentication failed")
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return bad
		})
		require.ErrorIs(t, err, bad)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return errors.New("i/o timeout")
		})
		require.Error(t, err)
		require.Equal(t, 5, calls)
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		err := Do(ctx, slow, func(context.Context) error {
			return errors.New("connection refused")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
