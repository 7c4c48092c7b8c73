package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/foreman/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}

	var (
		subject string
		role    string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the key derived from FOREMAN_OWNER_SECRET",
		Long: `issue prints a signed token. Owner tokens may decide reauthorization
requests; builder tokens may request reauthorization and call the mutation
endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.OwnerSecret == "" {
				return fmt.Errorf("FOREMAN_OWNER_SECRET is not set")
			}
			keys, err := auth.DeriveKeySet(cfg.OwnerSecret)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.OwnerTokenTTL
			}
			tok, err := auth.NewTokenService(keys).IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Token subject (owner or builder id)")
	issue.Flags().StringVar(&role, "role", auth.RoleOwner, "Token role: owner or builder")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default $FOREMAN_OWNER_TOKEN_TTL)")
	_ = issue.MarkFlagRequired("subject")

	token.AddCommand(issue)
	return token
}
