// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
)

const defaultCredentialTTL = 30 * 24 * time.Hour

func newCredentialCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Issue and import credentials",
	}

	var (
		issuerName string
		attrs      []string
		ttl        time.Duration
		maxUses    uint32
	)
	issue := &cobra.Command{
		Use:   "issue SUBJECT",
		Short: "Sign a credential for the identifier SUBJECT",
		Example: `  # Issue a month long credential to a member
  portald credential issue I0123... --issuer authority --attr role=member`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := identity.ParseIdentifier(args[0])
			if err != nil {
				return fmt.Errorf("invalid argument: %v", err)
			}
			a, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			issuer, authority, err := e.issuer(issuerName)
			if err != nil {
				return err
			}
			c, err := issuer.Issue(authority.Identifier, subject, a, ttl, maxUses)
			if err != nil {
				return err
			}
			b, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, hex.EncodeToString(b))
			return nil
		},
	}
	issue.Flags().StringVar(&issuerName, "issuer", "default", "local identity signing the credential")
	issue.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value, repeatable")
	issue.Flags().DurationVar(&ttl, "ttl", defaultCredentialTTL, "credential lifetime")
	issue.Flags().Uint32Var(&maxUses, "max-uses", credential.Unlimited, "number of times a verifier accepts the credential")

	var identityName string
	importCmd := &cobra.Command{
		Use:   "import CREDENTIAL",
		Short: "Store a hex encoded credential for a local identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("invalid argument: %v", err)
			}
			c, err := credential.Parse(b)
			if err != nil {
				return err
			}

			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			if err = e.st.PutCredential(identityName, c); err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.OkStyle.Render(fmt.Sprintf("Imported credential %v for %v", c.IDString(), identityName)))
			common.Field(e.out, "Attributes", formatAttributes(c.Attributes))
			common.Field(e.out, "Expires", c.ExpiryTime().UTC())
			return nil
		},
	}
	importCmd.Flags().StringVar(&identityName, "identity", "default", "local identity the credential is for")

	cmd.AddCommand(issue, importCmd)
	return cmd
}
