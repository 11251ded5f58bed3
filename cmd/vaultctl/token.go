package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/auth"
)

var tokenTTL time.Duration

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Long: `Mint an HS256 bearer token signed with auth.jwt_secret. The token is
printed on stdout and is accepted by every /api route.`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := auth.GenerateToken(args[0], cfg.Auth.Issuer, []byte(cfg.Auth.JWTSecret), ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
