package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"lead-run-orchestrator/internal/auth"
)

var (
	tokenUser   string
	tokenOrg    string
	tokenTTL    time.Duration
	tokenSecret string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the /v1 API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("--secret or JWT_SECRET is required")
		}
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		token, err := auth.NewVerifier(secret).Issue(tokenUser, tokenOrg, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenOrg, "org", "", "organization id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (defaults to JWT_SECRET)")
	rootCmd.AddCommand(tokenCmd)
}
