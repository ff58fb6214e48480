// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/core/policy"
)

func newPolicyCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the fallback policies per resource type",
		Long: `Policies are evaluated against the attributes of a peer's credential.
Outlets without their own policy use the tcp-outlet policy, and deny every
portal if it is not set.  Inlets without their own policy use the
tcp-inlet policy, and allow every portal if it is not set.  Policies in
the configuration file take precedence.`,
	}

	create := &cobra.Command{
		Use:   "create RESOURCE EXPRESSION",
		Short: "Set the policy of a resource type",
		Example: `  portald policy create ` + policy.ResourceTCPOutlet + ` '(= subject.role "member")'
  portald policy create ` + policy.ResourceTCPInlet + ` '(or (= subject.role "server") (= subject.role "relay"))'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			if err = e.st.SetPolicy(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Set policy of "+args[0]))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			types, err := e.st.Policies()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.HeaderStyle.Render(fmt.Sprintf("%d policies", len(types))))
			for _, t := range types {
				expr, err := e.st.Policy(t)
				if err != nil {
					return err
				}
				common.Field(e.out, t, expr)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete RESOURCE",
		Short: "Remove the policy of a resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			if err = e.st.DeletePolicy(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render("Deleted policy of "+args[0]))
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}
