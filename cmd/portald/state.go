// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/config"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/core/vault/boltstore"
	"github.com/katzenpost/portal/server"
	"github.com/katzenpost/portal/state"
)

// env is the node state a subcommand operates on.
type env struct {
	cfg    *config.Config
	st     *state.State
	out    io.Writer
	vaults map[string]*vault.Software
}

func openEnv(configFile string, out io.Writer) (*env, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, common.Usagef("failed to load config file '%v': %v", configFile, err)
	}
	if err = os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, err
	}
	st, err := state.Open(cfg.Node.StateDB())
	if err != nil {
		return nil, fmt.Errorf("failed to open state, is the node running? %v", err)
	}
	return &env{
		cfg:    cfg,
		st:     st,
		out:    out,
		vaults: make(map[string]*vault.Software),
	}, nil
}

func (e *env) Close() {
	for _, v := range e.vaults {
		v.Close()
	}
	e.st.Close()
}

// vault opens a vault, creating the node's configured vault on first use.
func (e *env) vault(name string) (*vault.Software, error) {
	if v, ok := e.vaults[name]; ok {
		return v, nil
	}
	r, err := e.st.Vault(name)
	if errors.Is(err, state.ErrNotFound) && name == e.cfg.Node.Vault {
		r, err = e.st.CreateVault(name, server.VaultPath(e.cfg.Node.DataDir, name))
	}
	if err != nil {
		return nil, err
	}
	store, err := boltstore.New(r.Path)
	if err != nil {
		return nil, err
	}
	v, err := vault.NewSoftware(store, nil)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.vaults[name] = v
	return v, nil
}

// identity loads a local identity along with its vault.
func (e *env) identity(name string) (*identity.Identity, *vault.Software, error) {
	r, err := e.st.Identity(name)
	if err != nil {
		return nil, nil, err
	}
	v, err := e.vault(r.Vault)
	if err != nil {
		return nil, nil, err
	}
	id, err := r.Load(identity.NewManager(v, true))
	if err != nil {
		return nil, nil, err
	}
	return id, v, nil
}

// issuer returns a credential issuer for the named local identity.
func (e *env) issuer(name string) (*credential.Issuer, *identity.Identity, error) {
	id, v, err := e.identity(name)
	if err != nil {
		return nil, nil, err
	}
	issuer := credential.NewIssuer(v)
	if err = issuer.AddAuthority(id); err != nil {
		return nil, nil, err
	}
	return issuer, id, nil
}

func parseAttributes(l []string) (map[string]string, error) {
	attrs := make(map[string]string, len(l))
	for _, kv := range l {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument '%v', want key=value", kv)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func formatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := make([]string, 0, len(keys))
	for _, k := range keys {
		l = append(l, k+"="+attrs[k])
	}
	return strings.Join(l, " ")
}
