package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
)

// newHealthCmd creates the `steward health` command, used by Docker
// HEALTHCHECK and monitoring.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check configuration and credential health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)
			assistant.ResolveSecrets(cfg, logger)

			report := map[string]any{
				"status":            "ok",
				"api_key":           cfg.API.APIKey != "",
				"keyring":           assistant.KeyringAvailable(),
				"discord_enabled":   cfg.Channels.Discord.Enabled,
				"discord_token":     cfg.Channels.Discord.Token != "",
				"approvals_enabled": cfg.Approvals.Enabled,
			}
			if cfg.API.APIKey == "" {
				report["status"] = "degraded"
			}

			out, err := json.Marshal(report)
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report["status"] != "ok" {
				os.Exit(1)
			}
			return nil
		},
	}
}
