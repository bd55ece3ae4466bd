package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/gateway/auth"
	"github.com/parleyhq/parley/gateway/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed client token using the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, nil, "parley-gateway.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.TokenSecret == "" {
				return fmt.Errorf("auth.token_secret is not configured; the gateway accepts anonymous connections")
			}

			displayName, _ := cmd.Flags().GetString("name")
			admin, _ := cmd.Flags().GetBool("admin")
			expiry, _ := cmd.Flags().GetDuration("expiry")

			v := auth.NewHMACVerifier(cfg.Auth.TokenSecret)
			token, err := v.Issue(auth.Identity{
				UserID:      args[0],
				DisplayName: displayName,
				Admin:       admin,
			}, expiry)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name claim")
	cmd.Flags().Bool("admin", false, "grant the admin claim")
	cmd.Flags().Duration("expiry", 24*time.Hour, "token lifetime")
	return cmd
}
