// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/log"
)

func TestStartRequiresTarget(t *testing.T) {
	l := log.NewDiscard().GetLogger("profiling")

	_, err := Start(l, "", "portald", "")
	require.Error(t, err)
	_, err = Start(l, "http://127.0.0.1:4040", "", "")
	require.Error(t, err)
}
