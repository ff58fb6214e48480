// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()

	require.True(t, IsUsageError(errors.New(`unknown flag: --colour`)))
	require.True(t, IsUsageError(errors.New(`required flag(s) "config" not set`)))
	require.True(t, IsUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, IsUsageError(errors.New("state: not found")))

	err := Usagef("failed to load config file '%v': %v", "portald.toml", errors.New("no such file"))
	require.True(t, IsUsageError(err))
	require.True(t, IsUsageError(fmt.Errorf("portald: %w", err)))
	require.Contains(t, err.Error(), "portald.toml")
}

func TestField(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	Field(&b, "Name", "default")
	require.Contains(t, b.String(), "Name:")
	require.Contains(t, b.String(), "default")
}
