// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/portal/common"
	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/enroll"
)

const defaultTicketTTL = 24 * time.Hour

func newTicketCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Enroll identities with one time tickets",
		Long: `An enrollment ticket is a one time code an authority hands out of band.
Redeeming it for a subject identifier yields a credential carrying the
attributes fixed when the ticket was created.  Each ticket is redeemable
exactly once.`,
	}

	var (
		issuerName    string
		attrs         []string
		ttl           time.Duration
		credentialTTL time.Duration
		maxUses       uint32
		qr            bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an enrollment ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			issuer, id, err := e.issuer(issuerName)
			if err != nil {
				return err
			}
			t, err := enroll.NewAuthority(issuer, id.Identifier, e.st.Tickets()).CreateTicket(a, ttl, credentialTTL, maxUses)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, t.String())
			if qr {
				qrterminal.GenerateWithConfig(t.String(), qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     e.out,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			return nil
		},
	}
	create.Flags().StringVar(&issuerName, "issuer", "default", "local identity signing the credential")
	create.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value, repeatable")
	create.Flags().DurationVar(&ttl, "ttl", defaultTicketTTL, "ticket lifetime")
	create.Flags().DurationVar(&credentialTTL, "credential-ttl", defaultCredentialTTL, "lifetime of the redeemed credential")
	create.Flags().Uint32Var(&maxUses, "max-uses", credential.Unlimited, "max uses of the redeemed credential")
	create.Flags().BoolVarP(&qr, "qr", "q", false, "also print the ticket as a QR code")

	redeem := &cobra.Command{
		Use:   "redeem TICKET SUBJECT",
		Short: "Redeem a ticket for the identifier SUBJECT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := enroll.ParseTicket(args[0])
			if err != nil {
				return fmt.Errorf("invalid argument: %v", err)
			}
			subject, err := identity.ParseIdentifier(args[1])
			if err != nil {
				return fmt.Errorf("invalid argument: %v", err)
			}

			e, err := openEnv(*configFile, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer e.Close()

			issuer, id, err := e.issuer(issuerName)
			if err != nil {
				return err
			}
			var r enroll.Redeemer = enroll.NewAuthority(issuer, id.Identifier, e.st.Tickets())
			c, err := r.Redeem(context.Background(), t, subject)
			if err != nil {
				return err
			}
			b, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, common.HeaderStyle.Render("Credential "+c.IDString()))
			fmt.Fprintln(e.out, hex.EncodeToString(b))
			return nil
		},
	}
	redeem.Flags().StringVar(&issuerName, "issuer", "default", "local identity the ticket was created by")

	cmd.AddCommand(create, redeem)
	return cmd
}
