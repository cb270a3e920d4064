// Package commands implements the steward CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Steward - community assistant",
		Long: `Steward is an assistant for community chat platforms. It answers
direct messages and mentions, quietly triages ambient channel traffic,
and queues anything it would say unprompted for human approval.

Examples:
  steward serve
  steward chat "how do I reset my password?"
  steward approvals list
  steward setup`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHealthCmd(),
		newApprovalsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "steward.yaml"

// resolveConfig loads config from the --config flag or the default
// location, falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if flagPath, _ := cmd.Root().PersistentFlags().GetString("config"); flagPath != "" {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return assistant.DefaultConfig(), nil
	}

	cfg, err := assistant.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config and the verbose flag.
func newLogger(cmd *cobra.Command, cfg *assistant.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
