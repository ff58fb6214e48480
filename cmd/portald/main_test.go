// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type cli struct {
	t          *testing.T
	configFile string
	dataDir    string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	c := &cli{
		t:          t,
		configFile: filepath.Join(dir, "portald.toml"),
		dataDir:    filepath.Join(dir, "data"),
	}
	body := fmt.Sprintf("[Logging]\n  Disable = true\n[Node]\n  DataDir = %q\n", c.dataDir)
	require.NoError(t, os.WriteFile(c.configFile, []byte(body), 0600))
	return c
}

func (c *cli) run(args ...string) (string, error) {
	cmd := newRootCommand()
	var b bytes.Buffer
	cmd.SetOut(&b)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"-f", c.configFile}, args...))
	err := cmd.Execute()
	return b.String(), err
}

func (c *cli) mustRun(args ...string) string {
	out, err := c.run(args...)
	require.NoError(c.t, err, strings.Join(args, " "))
	return out
}

func lastLine(s string) string {
	l := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(l[len(l)-1])
}

func TestIdentityCommands(t *testing.T) {
	require := require.New(t)
	c := newCLI(t)

	id := lastLine(c.mustRun("identity", "create", "default"))
	require.True(strings.HasPrefix(id, "I"), id)
	_, err := c.run("identity", "create", "default")
	require.Error(err)

	require.Contains(c.mustRun("identity", "list"), id)
	out := c.mustRun("identity", "show", "default")
	require.Contains(out, id)
	require.Contains(out, "none")

	require.NotEmpty(lastLine(c.mustRun("identity", "export", "default")))

	c.mustRun("identity", "rotate", "default")
	require.Contains(c.mustRun("identity", "show", "default"), id)

	c.mustRun("identity", "delete", "default")
	_, err = c.run("identity", "show", "default")
	require.Error(err)
}

func TestVaultCommands(t *testing.T) {
	require := require.New(t)
	c := newCLI(t)

	c.mustRun("vault", "create", "extra")
	_, err := c.run("vault", "create", "extra")
	require.Error(err)
	c.mustRun("identity", "create", "alice", "--vault", "extra")

	require.Contains(c.mustRun("vault", "list"), "extra")
	require.Contains(c.mustRun("vault", "show", "extra"), "vault-extra.db")

	moved := filepath.Join(c.dataDir, "moved.db")
	c.mustRun("vault", "move", "extra", moved)
	require.FileExists(moved)
	require.Contains(c.mustRun("vault", "show", "extra"), moved)

	// The identity's key moved along with the vault.
	c.mustRun("identity", "show", "alice")

	_, err = c.run("vault", "delete", "extra")
	require.Error(err, "vault in use")
	c.mustRun("identity", "delete", "alice")
	c.mustRun("vault", "delete", "extra", "--purge")
	require.NoFileExists(moved)

	_, err = c.run("vault", "show", "missing")
	require.Error(err)
}

func TestCredentialCommands(t *testing.T) {
	require := require.New(t)
	c := newCLI(t)

	c.mustRun("identity", "create", "authority")
	subject := lastLine(c.mustRun("identity", "create", "default"))

	cred := lastLine(c.mustRun("credential", "issue", subject, "--issuer", "authority", "-a", "role=member", "-a", "site=lab"))
	c.mustRun("credential", "import", cred)
	require.Contains(c.mustRun("identity", "show", "default"), "role=member site=lab")

	_, err := c.run("credential", "import", cred, "--identity", "authority")
	require.Error(err, "subject mismatch")
	_, err = c.run("credential", "issue", "nobody", "--issuer", "authority")
	require.Error(err)
	_, err = c.run("credential", "issue", subject, "--issuer", "authority", "-a", "role")
	require.Error(err)
}

func TestPolicyCommands(t *testing.T) {
	require := require.New(t)
	c := newCLI(t)

	c.mustRun("policy", "create", "tcp-outlet", `(= subject.role "member")`)
	_, err := c.run("policy", "create", "tcp-inlet", `(= subject.role`)
	require.Error(err)
	require.Contains(c.mustRun("policy", "list"), `(= subject.role "member")`)

	c.mustRun("policy", "delete", "tcp-outlet")
	require.NotContains(c.mustRun("policy", "list"), "tcp-outlet")
}

func TestTicketCommands(t *testing.T) {
	require := require.New(t)
	c := newCLI(t)

	c.mustRun("identity", "create", "default")
	subject := lastLine(c.mustRun("identity", "create", "bob"))

	ticket := lastLine(c.mustRun("ticket", "create", "-a", "role=guest"))
	out := c.mustRun("ticket", "redeem", ticket, subject)
	c.mustRun("credential", "import", lastLine(out), "--identity", "bob")
	require.Contains(c.mustRun("identity", "show", "bob"), "role=guest")

	_, err := c.run("ticket", "redeem", ticket, subject)
	require.Error(err, "tickets redeem once")

	out = c.mustRun("ticket", "create", "--qr")
	require.Greater(len(strings.Split(out, "\n")), 3)

	_, err = c.run("ticket", "redeem", "00", subject)
	require.Error(err)
}
