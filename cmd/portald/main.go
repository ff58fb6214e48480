// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/config"
	"github.com/katzenpost/portal/server"
)

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var configFile string
	var genOnly bool

	cmd := &cobra.Command{
		Use:   "portald",
		Short: "Policy gated end to end encrypted TCP portals",
		Long: `portald runs a portal node.

A node forwards local TCP connections (inlets) to TCP services on other
nodes (outlets) over secure channels.  Routes may pass through rendezvous
relays, which forward encrypted traffic between names without holding any
keys.  Every portal is admitted by policies evaluated against the
attributes of the peer's credential.

The subcommands manage the node's state database: vaults, identities,
credentials, policies and enrollment tickets.  They must not be used while
the node is running.`,
		Example: `  # Generate the node identity and exit
  portald -f /etc/portald/portald.toml --generate-only

  # Run the node
  portald -f /etc/portald/portald.toml

  # Print the identity to place in a peer's Trust.Authorities
  portald -f /etc/portald/portald.toml identity export default`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile, genOnly)
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "portald.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&genOnly, "generate-only", "g", false,
		"generate the node identity and exit without starting the node")

	cmd.AddCommand(newVaultCommand(&configFile))
	cmd.AddCommand(newIdentityCommand(&configFile))
	cmd.AddCommand(newCredentialCommand(&configFile))
	cmd.AddCommand(newPolicyCommand(&configFile))
	cmd.AddCommand(newTicketCommand(&configFile))

	return cmd
}

func runServer(configFile string, genOnly bool) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return common.Usagef("failed to load config file '%v': %v", configFile, err)
	}
	if genOnly {
		cfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		if err == server.ErrGenerateOnly {
			return nil
		}
		return fmt.Errorf("failed to spawn node: %v", err)
	}
	defer svr.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the log upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}
