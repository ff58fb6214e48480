// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	for _, v := range []struct {
		in  string
		lvl logging.Level
	}{
		{"error", logging.ERROR},
		{"WARNING", logging.WARNING},
		{"Notice", logging.NOTICE},
		{"INFO", logging.INFO},
		{"debug", logging.DEBUG},
	} {
		lvl, err := LevelFromString(v.in)
		require.NoError(t, err, v.in)
		require.Equal(t, v.lvl, lvl, v.in)
	}

	_, err := LevelFromString("LOUD")
	require.Error(t, err)
}

func TestFileBackendRotate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "portal.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Info("before rotation")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Info("after rotation")
	require.NoError(b.Close())

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "before rotation")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "after rotation")
	require.NotContains(string(cur), "before rotation")
}

func TestDiscardBackend(t *testing.T) {
	t.Parallel()

	b := NewDiscard()
	require.False(t, b.IsEnabledFor(logging.DEBUG, "x"))
	require.NoError(t, b.Rotate())
}
