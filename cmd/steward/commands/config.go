package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `steward config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetKeyCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			redacted := *cfg
			if redacted.API.APIKey != "" {
				redacted.API.APIKey = "(set)"
			}
			if redacted.Channels.Discord.Token != "" {
				redacted.Channels.Discord.Token = "(set)"
			}

			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			key, err := assistant.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key entered")
			}
			return assistant.MigrateKeyToKeyring(key, logger)
		},
	}
}
