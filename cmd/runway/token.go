package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/auth"
)

func newTokenCommand(c *cli) *cobra.Command {
	var (
		p   access.Principal
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, err := auth.NewIssuer(c.cfg.Auth)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "subject", "", "principal id")
	cmd.Flags().StringVar(&p.OrganizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&p.Role, "role", access.RoleMember, "member, admin or super_admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
