package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
)

// newChatCmd creates the `steward chat` command: one-shot with an
// argument, interactive REPL without.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant from the terminal",
		Long: `Talk to the assistant directly, without any chat surface.

With a message argument, asks once and prints the reply. Without
arguments, starts an interactive session with streamed replies.

Examples:
  steward chat "how do I rotate my API token?"
  steward chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	assistant.ResolveSecrets(cfg, logger)
	if cfg.API.APIKey == "" {
		return fmt.Errorf("no API key configured, run: steward setup")
	}

	provider := assistant.NewLLMClient(cfg.API, logger)
	orch := assistant.NewOrchestrator(provider, cfg.Retry, nil, logger)
	opts := cfg.Options(cfg.SystemPrompt())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		return chatOnce(ctx, orch, opts, strings.Join(args, " "))
	}
	return chatREPL(ctx, orch, opts)
}

// chatOnce runs one blocking exchange and prints the reply.
func chatOnce(ctx context.Context, orch *assistant.Orchestrator, opts assistant.Options, message string) error {
	resp, err := orch.Process(ctx, assistant.Request{UserMessage: message, Options: opts})
	if err != nil {
		return err
	}
	fmt.Println(resp.Text)
	return nil
}

// chatREPL runs an interactive session with streamed replies.
func chatREPL(ctx context.Context, orch *assistant.Orchestrator, opts assistant.Options) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initializing terminal: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive session. Ctrl+D or /quit to exit.")

	var history []assistant.HistoryEntry
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		reply, err := streamToTerminal(ctx, orch, assistant.Request{
			UserMessage: line,
			History:     history,
			Options:     opts,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		history = append(history,
			assistant.HistoryEntry{Role: assistant.RoleUser, Content: line},
			assistant.HistoryEntry{Role: assistant.RoleAssistant, Content: reply},
		)
	}
}

// streamToTerminal prints the event stream as it arrives and returns
// the full reply text.
func streamToTerminal(ctx context.Context, orch *assistant.Orchestrator, req assistant.Request) (string, error) {
	for ev := range orch.ProcessStream(ctx, req) {
		switch v := ev.(type) {
		case assistant.TextEvent:
			fmt.Print(v.Chunk)
		case assistant.ToolStartEvent:
			fmt.Printf("\n[running %s...]\n", v.Name)
		case assistant.ToolEndEvent:
			if v.IsError {
				fmt.Printf("[%s failed: %s]\n", v.Name, v.Result)
			}
		case assistant.RetryEvent:
			fmt.Fprintf(os.Stderr, "[retrying after %s error, attempt %d]\n", v.Kind, v.Attempt)
		case assistant.DoneEvent:
			fmt.Println()
			return v.Response.Text, nil
		case assistant.ErrorEvent:
			fmt.Println()
			return "", v.Err
		}
	}
	return "", fmt.Errorf("stream ended unexpectedly")
}
