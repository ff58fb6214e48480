// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements the portal node daemon.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/config"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/log"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/retry"
	"github.com/katzenpost/portal/core/vault"
	"github.com/katzenpost/portal/core/vault/boltstore"
	"github.com/katzenpost/portal/internal/instrument"
	"github.com/katzenpost/portal/internal/profiling"
	"github.com/katzenpost/portal/relay"
	"github.com/katzenpost/portal/router"
	"github.com/katzenpost/portal/state"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a portal node instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	state    *state.State
	vault    *vault.Software
	identity *identity.Identity

	node     *router.Node
	relay    *relay.Server
	metrics  *http.Server
	profiler profiling.Profiler

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Node.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Node.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// VaultPath returns the default backing store path of a named vault.
func VaultPath(dataDir, name string) string {
	return filepath.Join(dataDir, "vault-"+name+".db")
}

func (s *Server) initVault() error {
	name := s.cfg.Node.Vault
	rec, err := s.state.Vault(name)
	if errors.Is(err, state.ErrNotFound) {
		s.log.Noticef("Creating vault '%v'.", name)
		rec, err = s.state.CreateVault(name, VaultPath(s.cfg.Node.DataDir, name))
	}
	if err != nil {
		return err
	}

	store, err := boltstore.New(rec.Path)
	if err != nil {
		return fmt.Errorf("server: failed to open vault '%v': %v", name, err)
	}
	if s.vault, err = vault.NewSoftware(store, s.logBackend); err != nil {
		store.Close()
		return err
	}
	return nil
}

func (s *Server) initIdentity(m *identity.Manager) error {
	name := s.cfg.Node.Identity
	rec, err := s.state.Identity(name)
	switch {
	case err == nil:
		if rec.Vault != s.cfg.Node.Vault {
			return fmt.Errorf("server: identity '%v' is held by vault '%v', not '%v'", name, rec.Vault, s.cfg.Node.Vault)
		}
		s.identity, err = rec.Load(m)
		return err
	case errors.Is(err, state.ErrNotFound):
	default:
		return err
	}

	s.log.Noticef("Generating identity '%v'.", name)
	if s.identity, err = m.CreateIdentity(); err != nil {
		return err
	}
	if _, err = s.state.CreateIdentity(name, s.cfg.Node.Vault, s.identity); err != nil {
		m.Delete(s.identity)
		return err
	}
	return nil
}

func (s *Server) trustedIssuers(m *identity.Manager) (credential.TrustedIssuers, error) {
	var ids []*identity.Identity
	for _, a := range s.cfg.Trust.Authorities {
		b, err := hex.DecodeString(a)
		if err != nil {
			return nil, err
		}
		id, err := m.Import(b)
		if err != nil {
			return nil, fmt.Errorf("server: invalid authority: %v", err)
		}
		s.log.Noticef("Trusting credentials issued by %v.", id.Identifier)
		ids = append(ids, id)
	}
	return credential.NewTrustedIssuers(ids...), nil
}

func (s *Server) policies() (*policy.Registry, error) {
	reg := policy.NewRegistry()
	if err := s.state.LoadPolicies(reg); err != nil {
		return nil, err
	}
	for resourceType, text := range s.cfg.Policies {
		expr, err := policy.Parse(text)
		if err != nil {
			return nil, err
		}
		reg.SetPolicy(resourceType, expr)
	}
	return reg, nil
}

func parsePolicy(text string) (policy.Expression, error) {
	if text == "" {
		return nil, nil
	}
	return policy.Parse(text)
}

func msec(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (s *Server) initNode(m *identity.Manager) error {
	cred, err := s.state.Credential(s.cfg.Node.Identity)
	switch {
	case err == nil:
		s.log.Noticef("Presenting credential %v, expires %v.", cred.IDString(), cred.ExpiryTime())
	case errors.Is(err, state.ErrNotFound):
		s.log.Warningf("No credential for identity '%v', peers with policies will refuse portals.", s.cfg.Node.Identity)
	default:
		return err
	}

	trusted, err := s.trustedIssuers(m)
	if err != nil {
		return err
	}
	reg, err := s.policies()
	if err != nil {
		return err
	}

	chCfg := s.cfg.Channel
	s.node, err = router.New(&router.Config{
		Vault:            s.vault,
		Identities:       m,
		Identity:         s.identity,
		Credential:       cred,
		Verifier:         credential.NewVerifier(s.vault),
		Trusted:          trusted,
		Policies:         reg,
		HandshakeTimeout: msec(chCfg.HandshakeTimeout),
		RekeyMessages:    chCfg.RekeyMessages,
		RekeyInterval:    msec(chCfg.RekeyInterval),
		IdleTimeout:      msec(chCfg.IdleTimeout),
		DenyHold:         msec(chCfg.DenyHold),
		Retry: retry.Policy{
			MaxAttempts: s.cfg.Debug.RetryAttempts,
			BaseDelay:   msec(s.cfg.Debug.RetryBaseDelay),
			MaxDelay:    msec(s.cfg.Debug.RetryMaxDelay),
			Jitter:      retry.DefaultPolicy().Jitter,
		},
		LogBackend: s.logBackend,
	})
	return err
}

func (s *Server) initPortals(ctx context.Context) error {
	for _, addr := range s.cfg.Node.Addresses {
		bound, err := s.node.Listen(addr)
		if err != nil {
			return fmt.Errorf("server: failed to listen on %v: %v", addr, err)
		}
		s.log.Noticef("Listening on %v.", bound)
	}

	for _, o := range s.cfg.Outlets {
		expr, err := parsePolicy(o.Policy)
		if err != nil {
			return err
		}
		if _, err = s.node.CreateOutlet(o.Name, expr, o.Target); err != nil {
			return fmt.Errorf("server: outlet '%v': %v", o.Name, err)
		}
	}

	if r := s.cfg.Rendezvous; r != nil {
		s.relay = relay.New(s.logBackend)
		for _, addr := range r.Addresses {
			bound, err := s.relay.Listen(addr)
			if err != nil {
				return fmt.Errorf("server: failed to listen on %v: %v", addr, err)
			}
			s.log.Noticef("Rendezvous listening on %v.", bound)
		}
		for _, u := range r.Upstream {
			if err := s.relay.RegisterUpstream(ctx, u.Address, u.Name); err != nil {
				return fmt.Errorf("server: upstream '%v' at %v: %v", u.Name, u.Address, err)
			}
		}
	}

	for _, r := range s.cfg.Relays {
		if _, err := s.node.CreateRelay(ctx, r.Address, r.Name); err != nil {
			return fmt.Errorf("server: relay '%v' at %v: %v", r.Name, r.Address, err)
		}
	}

	for _, in := range s.cfg.Inlets {
		opts := router.InletOptions{
			ConnectTimeout: msec(in.ConnectTimeout),
		}
		if in.Authorized != "" {
			opts.Authorized = identity.Identifier(in.Authorized)
		}
		expr, err := parsePolicy(in.Policy)
		if err != nil {
			return err
		}
		opts.Policy = expr
		inlet, err := s.node.CreateInlet(ctx, in.Listen, in.Route, opts)
		if err != nil {
			return fmt.Errorf("server: inlet '%v': %v", in.Listen, err)
		}
		s.log.Noticef("Inlet %v -> %v.", inlet.Addr(), in.Route)
	}
	return nil
}

// Identifier returns the node's identifier.
func (s *Server) Identifier() identity.Identifier {
	return s.identity.Identifier
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Noticef("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	if s.profiler != nil {
		s.profiler.Stop()
		s.profiler = nil
	}
	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}

	// Inlets, outlets and relay registrations go before the rendezvous
	// relay they may be linked to.
	if s.node != nil {
		s.node.Halt()
		s.node = nil
	}
	if s.relay != nil {
		s.relay.Halt()
		s.relay = nil
	}

	if s.vault != nil {
		s.vault.Close()
		s.vault = nil
	}
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}

	s.log.Noticef("Shutdown complete.")
	s.logBackend.Close()
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Portal node is still pre-alpha.  DO NOT DEPEND ON IT FOR STRONG SECURITY OR ANONYMITY.")
	s.log.Noticef("Data directory: %v", cfg.Node.DataDir)

	var err error
	if s.state, err = state.Open(cfg.Node.StateDB()); err != nil {
		s.log.Errorf("Failed to open state database: %v", err)
		s.logBackend.Close()
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	if err = s.initVault(); err != nil {
		s.log.Errorf("Failed to initialize vault: %v", err)
		return nil, err
	}
	m := identity.NewManager(s.vault, true)
	if err = s.initIdentity(m); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Node identity is: %v", s.identity.Identifier)
	if cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	if err = s.initNode(m); err != nil {
		s.log.Errorf("Failed to initialize router: %v", err)
		return nil, err
	}
	if err = s.initPortals(context.Background()); err != nil {
		s.log.Errorf("Failed to initialize portals: %v", err)
		return nil, err
	}

	if addr := cfg.Metrics.Address; addr != "" {
		if s.metrics, err = instrument.Serve(addr); err != nil {
			s.log.Errorf("Failed to start metrics endpoint: %v", err)
			return nil, err
		}
		s.log.Noticef("Metrics on http://%v/metrics", addr)
	}

	if p := cfg.Profiling; p != nil {
		if s.profiler, err = profiling.Start(s.logBackend.GetLogger("profiling"), p.ServerAddress, p.ApplicationName, p.ServiceTag); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
