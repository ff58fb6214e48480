// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
)

const basicConfig = `# A basic configuration example.
[Node]
  DataDir = "/var/lib/portald"
  Addresses = [ "tcp://127.0.0.1:4000", "quic://127.0.0.1:4001" ]
`

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(nil)
	require.Error(err, "Load() with nil config")
	require.Nil(cfg)

	cfg, err = Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("default", cfg.Node.Identity)
	require.Equal("default", cfg.Node.Vault)
	require.Equal("/var/lib/portald/state.db", cfg.Node.StateDB())
	require.Equal(defaultHandshakeTimeout, cfg.Channel.HandshakeTimeout)
	require.Equal(defaultIdleTimeout, cfg.Channel.IdleTimeout)
	require.Equal(defaultDenyHold, cfg.Channel.DenyHold)
	require.Equal(uint64(defaultRekeyMessages), cfg.Channel.RekeyMessages)
	require.Equal(defaultRetryAttempts, cfg.Debug.RetryAttempts)
	require.Nil(cfg.Rendezvous)
	require.Empty(cfg.Metrics.Address)
}

func TestFullConfig(t *testing.T) {
	require := require.New(t)

	v, err := vault.NewSoftware(nil, nil)
	require.NoError(err)
	defer v.Close()
	authority, err := identity.NewManager(v, false).CreateIdentity()
	require.NoError(err)
	export, err := authority.Export()
	require.NoError(err)

	pinned := "I" + hex.EncodeToString(make([]byte, 32))
	body := `
[Logging]
  Level = "debug"

[Node]
  Name = "Portal.Example.org"
  DataDir = "/var/lib/portald"
  Addresses = [ "tcp://127.0.0.1:4000" ]

[Channel]
  IdleTimeout = 60000

[Trust]
  Authorities = [ "` + hex.EncodeToString(export) + `" ]

[Rendezvous]
  Addresses = [ "tcp://0.0.0.0:4100" ]

  [[Rendezvous.Upstream]]
    Address = "tcp://relay.example.org:4100"
    Name = "West"

[[Relays]]
  Address = "tcp://relay.example.org:4100"
  Name = "Office"

[[Outlets]]
  Name = "Echo"
  Target = "localhost:7"
  Policy = "(= subject.role \"member\")"

[[Inlets]]
  Listen = "tcp://127.0.0.1:8007"
  Route = [ "tcp://relay.example.org:4100", "Office", "Echo" ]
  Authorized = "` + pinned + `"

[Policies]
  tcp-outlet = "(= subject.role \"member\")"
  tcp-inlet = "true"

[Metrics]
  Address = "127.0.0.1:9100"

[Profiling]
  ServerAddress = "http://127.0.0.1:4040"
`
	cfg, err := Load([]byte(body))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("portal.example.org", cfg.Node.Name)
	require.Equal(60000, cfg.Channel.IdleTimeout)
	require.Len(cfg.Trust.Authorities, 1)
	require.Equal("west", cfg.Rendezvous.Upstream[0].Name)
	require.Equal("office", cfg.Relays[0].Name)
	require.Equal("echo", cfg.Outlets[0].Name)
	require.Equal([]string{"tcp://relay.example.org:4100", "office", "echo"}, cfg.Inlets[0].Route)
	require.Equal(defaultConnectTimeout, cfg.Inlets[0].ConnectTimeout)
	require.Len(cfg.Policies, 2)
	require.Equal("127.0.0.1:9100", cfg.Metrics.Address)
	require.Equal("portald", cfg.Profiling.ApplicationName)
}

func TestInvalidConfig(t *testing.T) {
	for _, v := range []struct {
		name string
		body string
	}{
		{"no node", `[Logging]
  Level = "INFO"`},
		{"relative data dir", `[Node]
  DataDir = "portald"`},
		{"bad log level", `[Node]
  DataDir = "/tmp"
[Logging]
  Level = "LOUD"`},
		{"bad address", `[Node]
  DataDir = "/tmp"
  Addresses = [ "udp://127.0.0.1:1" ]`},
		{"unknown key", `[Node]
  DataDir = "/tmp"
  Colour = "blue"`},
		{"bad authority", `[Node]
  DataDir = "/tmp"
[Trust]
  Authorities = [ "abcd" ]`},
		{"duplicate outlet", `[Node]
  DataDir = "/tmp"
[[Outlets]]
  Name = "echo"
  Target = "127.0.0.1:7"
[[Outlets]]
  Name = "ECHO"
  Target = "127.0.0.1:8"`},
		{"bad outlet target", `[Node]
  DataDir = "/tmp"
[[Outlets]]
  Name = "echo"
  Target = "127.0.0.1"`},
		{"bad outlet policy", `[Node]
  DataDir = "/tmp"
[[Outlets]]
  Name = "echo"
  Target = "127.0.0.1:7"
  Policy = "(= role"`},
		{"short route", `[Node]
  DataDir = "/tmp"
[[Inlets]]
  Listen = "127.0.0.1:8000"
  Route = [ "tcp://127.0.0.1:4000" ]`},
		{"bad pin", `[Node]
  DataDir = "/tmp"
[[Inlets]]
  Listen = "127.0.0.1:8000"
  Route = [ "tcp://127.0.0.1:4000", "echo" ]
  Authorized = "nobody"`},
		{"bad policy", `[Node]
  DataDir = "/tmp"
[Policies]
  tcp-outlet = "(or)"`},
		{"empty rendezvous", `[Node]
  DataDir = "/tmp"
[Rendezvous]`},
		{"bad profiling", `[Node]
  DataDir = "/tmp"
[Profiling]
  ServerAddress = "127.0.0.1:4040"`},
		{"bad metrics", `[Node]
  DataDir = "/tmp"
[Metrics]
  Address = "9100"`},
	} {
		_, err := Load([]byte(v.body))
		require.Error(t, err, v.name)
	}
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "portald.toml")
	require.NoError(t, os.WriteFile(f, []byte(basicConfig), 0600))

	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Len(t, cfg.Node.Addresses, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
