package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
)

// newServeCmd creates the `steward serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon",
		Long: `Start steward as a daemon, connecting to the enabled chat surfaces,
answering directed messages and triaging ambient channel traffic.

Examples:
  steward serve
  steward serve --config ./steward.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	assistant.ResolveSecrets(cfg, logger)

	svc, err := assistant.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}
