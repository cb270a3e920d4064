package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/approval"
)

// newApprovalsCmd creates the `steward approvals` command group for
// reviewing queued actions.
func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review queued assistant actions",
		Long: `List, approve, or deny actions the assistant queued instead of
posting directly. Approving from the CLI only resolves the action; a
running daemon delivers approved content when it owns the queue.

Examples:
  steward approvals list
  steward approvals approve 4f1f4c0a-...
  steward approvals deny 4f1f4c0a-...`,
	}
	cmd.AddCommand(newApprovalsListCmd(), newApprovalsResolveCmd("approve"), newApprovalsResolveCmd("deny"))
	return cmd
}

func openQueue(cmd *cobra.Command) (*approval.Queue, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)
	return approval.NewQueue(cfg.Approvals, logger)
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx := context.Background()
			if _, err := queue.SweepExpired(ctx); err != nil {
				return err
			}
			pending, err := queue.ListPending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending actions.")
				return nil
			}

			for _, a := range pending {
				fmt.Printf("%s  [%s]  expires %s\n", a.ID, a.ActionType, a.ExpiresAt.Local().Format(time.RFC822))
				fmt.Printf("  trigger: %s\n", firstLine(a.TriggerContext))
				fmt.Printf("  draft:   %s\n\n", firstLine(a.ProposedContent))
			}
			return nil
		},
	}
}

func newApprovalsResolveCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx := context.Background()
			var action *approval.Action
			if verb == "approve" {
				action, err = queue.Approve(ctx, args[0], "cli")
			} else {
				action, err = queue.Deny(ctx, args[0], "cli")
			}
			if err != nil {
				return err
			}

			fmt.Printf("Action %s %sd.\n", action.ID, verb)
			return nil
		},
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx] + " ..."
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
