// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/state"
)

func newIdentityCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage local identities",
	}

	var vaultName string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Generate an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			vn := vaultName
			if vn == "" {
				vn = e.cfg.Node.Vault
			}
			v, err := e.vault(vn)
			if err != nil {
				return fmt.Errorf("vault '%v': %w", vn, err)
			}
			m := identity.NewManager(v, true)
			id, err := m.CreateIdentity()
			if err != nil {
				return err
			}
			if _, err = e.st.CreateIdentity(args[0], vn, id); err != nil {
				m.Delete(id)
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Created identity "+args[0]))
			fmt.Fprintln(e.out, id.Identifier)
			return nil
		},
	}
	create.Flags().StringVar(&vaultName, "vault", "", "vault holding the key (default: Node.Vault)")

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Show an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := e.st.Identity(args[0])
			if err != nil {
				return err
			}
			id, _, err := e.identity(args[0])
			if err != nil {
				return err
			}
			common.Field(e.out, "Name", r.Name)
			common.Field(e.out, "Identifier", id.Identifier)
			common.Field(e.out, "Vault", r.Vault)
			common.Field(e.out, "Key changes", len(id.History))
			common.Field(e.out, "Created", time.Unix(r.Created, 0).UTC())

			c, err := e.st.Credential(r.Name)
			switch {
			case err == nil:
				common.Field(e.out, "Credential", c.IDString())
				common.Field(e.out, "Issuer", c.Issuer)
				common.Field(e.out, "Attributes", formatAttributes(c.Attributes))
				common.Field(e.out, "Expires", c.ExpiryTime().UTC())
			case errors.Is(err, state.ErrNotFound):
				common.Field(e.out, "Credential", "none")
			default:
				return err
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			names, err := e.st.Identities()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.HeaderStyle.Render(fmt.Sprintf("%d identities", len(names))))
			for _, name := range names {
				r, err := e.st.Identity(name)
				if err != nil {
					return err
				}
				common.Field(e.out, name, r.Identifier)
			}
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export NAME",
		Short: "Print the public identity, as trusted authorities are configured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			id, _, err := e.identity(args[0])
			if err != nil {
				return err
			}
			b, err := id.Export()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, hex.EncodeToString(b))
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate NAME",
		Short: "Replace an identity's signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			id, v, err := e.identity(args[0])
			if err != nil {
				return err
			}
			rotated, err := identity.NewManager(v, true).Rotate(id)
			if err != nil {
				return err
			}
			if err = e.st.UpdateIdentity(args[0], rotated); err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render(fmt.Sprintf("Rotated identity %v, %d key changes", args[0], len(rotated.History))))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an identity and its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			id, v, err := e.identity(args[0])
			if err != nil {
				return err
			}
			if err = e.st.DeleteIdentity(args[0]); err != nil {
				return err
			}
			if err = identity.NewManager(v, true).Delete(id); err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Deleted identity "+args[0]))
			return nil
		},
	}

	cmd.AddCommand(create, show, list, export, rotate, del)
	return cmd
}
