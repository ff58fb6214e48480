// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/server"
)

func newVaultCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the vaults holding secret keys",
	}

	var path string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			p := path
			if p == "" {
				p = server.VaultPath(e.cfg.Node.DataDir, args[0])
			}
			r, err := e.st.CreateVault(args[0], p)
			if err != nil {
				return err
			}
			if _, err = e.vault(r.Name); err != nil {
				e.st.DeleteVault(r.Name)
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Created vault "+r.Name))
			return nil
		},
	}
	create.Flags().StringVarP(&path, "path", "p", "", "vault file (default: in the data directory)")

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := e.st.Vault(args[0])
			if err != nil {
				return err
			}
			v, err := e.vault(r.Name)
			if err != nil {
				return err
			}
			common.Field(e.out, "Name", r.Name)
			common.Field(e.out, "Path", r.Path)
			common.Field(e.out, "Created", time.Unix(r.Created, 0).UTC())
			common.Field(e.out, "Secrets", v.Len())
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List vaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			l, err := e.st.Vaults()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.HeaderStyle.Render(fmt.Sprintf("%d vaults", len(l))))
			for _, r := range l {
				common.Field(e.out, r.Name, r.Path)
			}
			return nil
		},
	}

	move := &cobra.Command{
		Use:   "move NAME PATH",
		Short: "Move a vault's file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := e.st.Vault(args[0])
			if err != nil {
				return err
			}
			if _, err = os.Stat(args[1]); err == nil {
				return fmt.Errorf("'%v' already exists", args[1])
			}
			if err = os.Rename(r.Path, args[1]); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err = e.st.MoveVault(r.Name, args[1]); err != nil {
				os.Rename(args[1], r.Path)
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Moved vault "+r.Name+" to "+args[1]))
			return nil
		},
	}

	var purge bool
	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a vault no identity uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := e.st.Vault(args[0])
			if err != nil {
				return err
			}
			if err = e.st.DeleteVault(r.Name); err != nil {
				return err
			}
			if purge {
				if err = os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Deleted vault "+r.Name))
			return nil
		},
	}
	del.Flags().BoolVar(&purge, "purge", false, "also remove the vault file")

	cmd.AddCommand(create, show, list, move, del)
	return cmd
}
