// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the portal node configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/policy"
	"github.com/katzenpost/portal/core/transport"
	"github.com/katzenpost/portal/router"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultIdentity         = "default"
	defaultVault            = "default"
	defaultStateDB          = "state.db"
	defaultHandshakeTimeout = 10 * 1000      // 10 sec.
	defaultIdleTimeout      = 10 * 60 * 1000 // 10 min.
	defaultDenyHold         = 2 * 1000       // 2 sec.
	defaultConnectTimeout   = 30 * 1000      // 30 sec.
	defaultRekeyMessages    = 1 << 20
	defaultRekeyInterval    = 60 * 60 * 1000 // 1 hour.
	defaultRetryAttempts    = 10
	defaultRetryBaseDelay   = 500       // 500 ms.
	defaultRetryMaxDelay    = 20 * 1000 // 20 sec.
	defaultApplicationName  = "portald"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Node is the node configuration.
type Node struct {
	// Name is the human readable name of the node (eg: FQDN).
	Name string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Identity is the name of the node's identity in the state database.
	Identity string

	// Vault is the name of the vault holding the node's keys.
	Vault string

	// Addresses are the link listener addresses, tcp:// or quic://.
	Addresses []string
}

func (nCfg *Node) applyDefaults() {
	if nCfg.Identity == "" {
		nCfg.Identity = defaultIdentity
	}
	if nCfg.Vault == "" {
		nCfg.Vault = defaultVault
	}
}

func (nCfg *Node) validate() error {
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	if nCfg.Name != "" {
		name, err := idna.Lookup.ToASCII(nCfg.Name)
		if err != nil {
			return fmt.Errorf("config: Node: Failed to normalize Name: %v", err)
		}
		nCfg.Name = name
	}
	for _, addr := range nCfg.Addresses {
		if !transport.IsAddress(addr) {
			return fmt.Errorf("config: Node: Address '%v' is invalid", addr)
		}
	}
	return nil
}

// StateDB returns the path of the node's state database.
func (nCfg *Node) StateDB() string {
	return filepath.Join(nCfg.DataDir, defaultStateDB)
}

// Channel is the secure channel configuration.  Durations are in
// milliseconds.
type Channel struct {
	// HandshakeTimeout bounds a secure channel handshake.
	HandshakeTimeout int

	// RekeyMessages is the number of messages after which a direction is
	// rekeyed.
	RekeyMessages uint64

	// RekeyInterval is the interval after which a direction is rekeyed.
	RekeyInterval int

	// IdleTimeout closes portals without traffic.
	IdleTimeout int

	// DenyHold is how long a portal denied by policy is held open.
	DenyHold int
}

func (cCfg *Channel) applyDefaults() {
	if cCfg.HandshakeTimeout <= 0 {
		cCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cCfg.RekeyMessages == 0 {
		cCfg.RekeyMessages = defaultRekeyMessages
	}
	if cCfg.RekeyInterval <= 0 {
		cCfg.RekeyInterval = defaultRekeyInterval
	}
	if cCfg.IdleTimeout <= 0 {
		cCfg.IdleTimeout = defaultIdleTimeout
	}
	if cCfg.DenyHold <= 0 {
		cCfg.DenyHold = defaultDenyHold
	}
}

// Trust is the credential trust configuration.
type Trust struct {
	// Authorities are the hex encoded exported identities of the
	// credential issuers this node trusts.
	Authorities []string
}

func (tCfg *Trust) validate() error {
	for i, a := range tCfg.Authorities {
		b, err := hex.DecodeString(a)
		if err != nil {
			return fmt.Errorf("config: Trust: Authority %d is not hex: %v", i, err)
		}
		if _, err = identity.ParseHistory(b); err != nil {
			return fmt.Errorf("config: Trust: Authority %d is invalid: %v", i, err)
		}
	}
	return nil
}

// Upstream is a relay this node's rendezvous server registers at.
type Upstream struct {
	Address string
	Name    string
}

// Rendezvous enables the rendezvous relay server.
type Rendezvous struct {
	// Addresses are the relay listener addresses.
	Addresses []string

	// Upstream relays extend routes through this relay.
	Upstream []*Upstream
}

func (rCfg *Rendezvous) validate() error {
	if len(rCfg.Addresses) == 0 {
		return errors.New("config: Rendezvous: No Addresses")
	}
	for _, addr := range rCfg.Addresses {
		if !transport.IsAddress(addr) {
			return fmt.Errorf("config: Rendezvous: Address '%v' is invalid", addr)
		}
	}
	for _, u := range rCfg.Upstream {
		if !transport.IsAddress(u.Address) {
			return fmt.Errorf("config: Rendezvous: Upstream Address '%v' is invalid", u.Address)
		}
		name, err := normalizeName(u.Name)
		if err != nil {
			return fmt.Errorf("config: Rendezvous: Upstream Name: %v", err)
		}
		u.Name = name
	}
	return nil
}

// Relay is a forwarding name registered at a rendezvous relay.
type Relay struct {
	Address string
	Name    string
}

func (rCfg *Relay) validate() error {
	if !transport.IsAddress(rCfg.Address) {
		return fmt.Errorf("config: Relay: Address '%v' is invalid", rCfg.Address)
	}
	name, err := normalizeName(rCfg.Name)
	if err != nil {
		return fmt.Errorf("config: Relay: %v", err)
	}
	rCfg.Name = name
	return nil
}

// Outlet is a service forwarding admitted portals to a TCP target.
type Outlet struct {
	// Name is the service name inlets route to.
	Name string

	// Target is the host:port portals are forwarded to.
	Target string

	// Policy, if set, overrides the tcp-outlet policy.
	Policy string
}

func (oCfg *Outlet) validate() error {
	name, err := normalizeName(oCfg.Name)
	if err != nil {
		return fmt.Errorf("config: Outlet: %v", err)
	}
	oCfg.Name = name

	host, port, err := net.SplitHostPort(oCfg.Target)
	if err != nil {
		return fmt.Errorf("config: Outlet '%v': Target: %v", name, err)
	}
	if net.ParseIP(host) == nil {
		if host, err = idna.Lookup.ToASCII(host); err != nil {
			return fmt.Errorf("config: Outlet '%v': Failed to normalize Target: %v", name, err)
		}
	}
	oCfg.Target = net.JoinHostPort(host, port)

	if oCfg.Policy != "" {
		if _, err = policy.Parse(oCfg.Policy); err != nil {
			return fmt.Errorf("config: Outlet '%v': %v", name, err)
		}
	}
	return nil
}

// Inlet is a local TCP listener forwarding connections along a route.
type Inlet struct {
	// Listen is the local address, tcp:// or host:port.
	Listen string

	// Route starts with a link address and ends with the outlet name.
	Route []string

	// Authorized, if set, pins the outlet node's identifier.
	Authorized string

	// Policy, if set, overrides the tcp-inlet policy.
	Policy string

	// ConnectTimeout bounds establishing a portal, in milliseconds.
	ConnectTimeout int
}

func (iCfg *Inlet) validate() error {
	if _, _, err := transport.ParseAddress(iCfg.Listen); err != nil {
		return fmt.Errorf("config: Inlet: Listen: %v", err)
	}
	for i := 1; i < len(iCfg.Route); i++ {
		hop, err := normalizeName(iCfg.Route[i])
		if err != nil {
			return fmt.Errorf("config: Inlet '%v': Route: %v", iCfg.Listen, err)
		}
		iCfg.Route[i] = hop
	}
	if err := router.ValidateRoute(iCfg.Route); err != nil {
		return fmt.Errorf("config: Inlet '%v': %v", iCfg.Listen, err)
	}
	if iCfg.Authorized != "" {
		if _, err := identity.ParseIdentifier(iCfg.Authorized); err != nil {
			return fmt.Errorf("config: Inlet '%v': Authorized: %v", iCfg.Listen, err)
		}
	}
	if iCfg.Policy != "" {
		if _, err := policy.Parse(iCfg.Policy); err != nil {
			return fmt.Errorf("config: Inlet '%v': %v", iCfg.Listen, err)
		}
	}
	if iCfg.ConnectTimeout <= 0 {
		iCfg.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the host:port the metrics endpoint listens on.  Metrics
	// are disabled when empty.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address: %v", err)
	}
	return nil
}

// Profiling is the continuous profiling configuration.
type Profiling struct {
	// ServerAddress is the URL of the Pyroscope server.
	ServerAddress string

	// ApplicationName names the profiled process.
	ApplicationName string

	// ServiceTag is attached to every profile.
	ServiceTag string
}

func (pCfg *Profiling) validate() error {
	u, err := url.Parse(pCfg.ServerAddress)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: Profiling: ServerAddress '%v' is invalid", pCfg.ServerAddress)
	}
	if pCfg.ApplicationName == "" {
		pCfg.ApplicationName = defaultApplicationName
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// RetryAttempts is the number of attempts made to establish a link.
	RetryAttempts int

	// RetryBaseDelay and RetryMaxDelay bound the backoff between
	// attempts, in milliseconds.
	RetryBaseDelay int
	RetryMaxDelay  int

	// GenerateOnly halts the node right after key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.RetryAttempts <= 0 {
		dCfg.RetryAttempts = defaultRetryAttempts
	}
	if dCfg.RetryBaseDelay <= 0 {
		dCfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if dCfg.RetryMaxDelay < dCfg.RetryBaseDelay {
		dCfg.RetryMaxDelay = defaultRetryMaxDelay
		if dCfg.RetryMaxDelay < dCfg.RetryBaseDelay {
			dCfg.RetryMaxDelay = dCfg.RetryBaseDelay
		}
	}
}

// Config is the top level node configuration.
type Config struct {
	Node       *Node
	Logging    *Logging
	Channel    *Channel
	Trust      *Trust
	Rendezvous *Rendezvous
	Relays     []*Relay
	Outlets    []*Outlet
	Inlets     []*Inlet

	// Policies maps resource types to policy expressions.
	Policies map[string]string

	Metrics   *Metrics
	Profiling *Profiling
	Debug     *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Channel == nil {
		cfg.Channel = &Channel{}
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Node.applyDefaults()
	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Channel.applyDefaults()
	if err := cfg.Trust.validate(); err != nil {
		return err
	}
	if cfg.Rendezvous != nil {
		if err := cfg.Rendezvous.validate(); err != nil {
			return err
		}
	}
	for _, r := range cfg.Relays {
		if err := r.validate(); err != nil {
			return err
		}
	}

	outlets := make(map[string]bool)
	for _, o := range cfg.Outlets {
		if err := o.validate(); err != nil {
			return err
		}
		if outlets[o.Name] {
			return fmt.Errorf("config: Outlet '%v' is defined more than once", o.Name)
		}
		outlets[o.Name] = true
	}
	for _, i := range cfg.Inlets {
		if err := i.validate(); err != nil {
			return err
		}
	}
	for resourceType, expr := range cfg.Policies {
		if resourceType == "" {
			return errors.New("config: Policies: empty resource type")
		}
		if _, err := policy.Parse(expr); err != nil {
			return fmt.Errorf("config: Policies: '%v': %v", resourceType, err)
		}
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	if cfg.Profiling != nil {
		if err := cfg.Profiling.validate(); err != nil {
			return err
		}
	}
	cfg.Debug.applyDefaults()
	return nil
}

func normalizeName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty name")
	}
	norm, err := precis.UsernameCaseMapped.String(name)
	if err != nil {
		return "", fmt.Errorf("name '%v' is invalid: %v", name, err)
	}
	return norm, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
