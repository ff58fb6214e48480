// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/config"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/state"
)

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func echo(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func loadConfig(t *testing.T, body string) *config.Config {
	cfg, err := config.Load([]byte(body))
	require.NoError(t, err)
	return cfg
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)
	dataDir := filepath.Join(t.TempDir(), "portald")
	body := fmt.Sprintf(`
[Logging]
  Disable = true
[Node]
  DataDir = %q
[Debug]
  GenerateOnly = true
`, dataDir)

	_, err := New(loadConfig(t, body))
	require.ErrorIs(err, ErrGenerateOnly)

	st, err := state.Open(filepath.Join(dataDir, "state.db"))
	require.NoError(err)
	first, err := st.Identity("default")
	require.NoError(err)
	vr, err := st.Vault("default")
	require.NoError(err)
	require.Equal(VaultPath(dataDir, "default"), vr.Path)
	require.NoError(st.Close())

	// The identity is reloaded, not regenerated.
	_, err = New(loadConfig(t, body))
	require.ErrorIs(err, ErrGenerateOnly)
	st, err = state.Open(filepath.Join(dataDir, "state.db"))
	require.NoError(err)
	defer st.Close()
	second, err := st.Identity("default")
	require.NoError(err)
	require.Equal(first.Identifier, second.Identifier)
	require.Equal(first.Handle, second.Handle)
}

func TestServerPortal(t *testing.T) {
	require := require.New(t)
	dataDir := filepath.Join(t.TempDir(), "portald")

	// Bootstrap the node identity.
	_, err := New(loadConfig(t, fmt.Sprintf(`
[Logging]
  Disable = true
[Node]
  DataDir = %q
[Debug]
  GenerateOnly = true
`, dataDir)))
	require.ErrorIs(err, ErrGenerateOnly)

	// Enroll it with an authority.
	av, err := vault.NewSoftware(nil, nil)
	require.NoError(err)
	defer av.Close()
	authority, err := identity.NewManager(av, false).CreateIdentity()
	require.NoError(err)
	issuer := credential.NewIssuer(av)
	require.NoError(issuer.AddAuthority(authority))
	export, err := authority.Export()
	require.NoError(err)

	st, err := state.Open(filepath.Join(dataDir, "state.db"))
	require.NoError(err)
	rec, err := st.Identity("default")
	require.NoError(err)
	c, err := issuer.Issue(authority.Identifier, rec.Identifier, map[string]string{"role": "member"}, time.Hour, credential.Unlimited)
	require.NoError(err)
	require.NoError(st.PutCredential("default", c))
	require.NoError(st.SetPolicy("tcp-outlet", `(= subject.role "member")`))
	require.NoError(st.Close())

	nodeAddr := "tcp://" + freeAddr(t)
	inletAddr := freeAddr(t)
	s, err := New(loadConfig(t, fmt.Sprintf(`
[Logging]
  Disable = true
[Node]
  DataDir = %q
  Addresses = [ %q ]
[Trust]
  Authorities = [ %q ]
[[Outlets]]
  Name = "echo"
  Target = %q
[[Inlets]]
  Listen = %q
  Route = [ %q, "echo" ]
  Authorized = %q
[Debug]
  RetryAttempts = 3
  RetryBaseDelay = 10
  RetryMaxDelay = 50
`, dataDir, nodeAddr, hex.EncodeToString(export), echo(t), inletAddr, nodeAddr, rec.Identifier)))
	require.NoError(err)
	require.Equal(rec.Identifier, s.Identifier())

	conn, err := net.DialTimeout("tcp", inletAddr, 5*time.Second)
	require.NoError(err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = conn.Write([]byte("hello portal"))
	require.NoError(err)
	buf := make([]byte, len("hello portal"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(err)
	require.Equal("hello portal", string(buf))

	s.RotateLog()
	s.Shutdown()
	s.Wait()
	s.Shutdown()
}

func TestInvalidDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, writeFile(dataDir))
	_, err := New(loadConfig(t, fmt.Sprintf(`
[Logging]
  Disable = true
[Node]
  DataDir = %q
`, dataDir)))
	require.Error(t, err)
}

func writeFile(p string) error {
	return os.WriteFile(p, []byte("not a directory"), 0600)
}
