package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/auth"
)

// TokenFlags holds flags for the token command
type TokenFlags struct {
	Subject string
	Roles   []string
	TTL     time.Duration
}

// createTokenCommand mints an API token with the daemon's auth.secret.
func createTokenCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long: `Mint a signed API token using auth.secret from the config (or BOTVISOR_AUTH_SECRET).
Roles: admin (everything), operator (control bots), viewer (read only).

Examples:
  botvisor token --config=botvisor.toml --subject=ci --role=operator --ttl=720h
  export BOTVISOR_CLIENT_TOKEN=$(botvisor token --role=viewer)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range f.Roles {
				switch r {
				case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
				default:
					return fmt.Errorf("unknown role %q", r)
				}
			}
			cfg, err := botvisor.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			tok, err := botvisor.MintToken(cfg.Auth, f.Subject, f.Roles, f.TTL)
			if err != nil {
				return err
			}
			if globalFlags.JSON {
				printJSON(cmd.OutOrStdout(), tok)
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Subject, "subject", "cli", "token subject")
	cmd.Flags().StringSliceVar(&f.Roles, "role", []string{auth.RoleAdmin}, "roles granted by the token")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
