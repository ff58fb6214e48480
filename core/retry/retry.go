// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff for link establishment.
//
// Only transport level failures are ever retried.  Cryptographic and
// authentication failures are final for the operation that produced them.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default base delay between attempts.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between attempts.
	DefaultMaxDelay = 20 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("retry: permanent failure")

// Policy describes a backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the default backoff schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Delay calculates the delay for a given attempt using exponential backoff
// with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// IsTransientError returns true if err is likely a transient network
// condition worth retrying.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"no route to host",
		"network is unreachable",
		"eof",
		"broken pipe",
		"connection closed",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non transient error, the
// attempts are exhausted, or ctx is done.  The last error is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransientError(err) || attempt == p.MaxAttempts-1 {
			return err
		}

		t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
