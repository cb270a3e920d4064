// orchestrator.go drives the bounded tool-use conversation loop:
// call the provider, execute requested tools, append results, repeat
// until the model produces a final answer or the iteration cap is hit.
//
// Tool failures never abort the loop; they are logged and returned to
// the model as error results. Transport failures abort only once the
// retry helper gives up. Hitting the iteration cap is not an error: it
// produces a degraded, flagged Response.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMaxIterations caps provider round-trips per call. Privileged
	// callers may raise it through Options for bulk operations.
	DefaultMaxIterations = 10

	// DefaultToolTimeout bounds a single tool handler execution.
	DefaultToolTimeout = 30 * time.Second

	// limitReachedReason is the flag reason for exhausted iteration caps.
	limitReachedReason = "max tool iterations reached"

	// limitReachedText is the degraded user-visible reply when the loop
	// never completes.
	limitReachedText = "I wasn't able to finish working on this request. Please try again with a narrower question."
)

// Options tunes one orchestrator call.
type Options struct {
	// SystemPrompt is the compiled system prompt for this caller.
	SystemPrompt string

	// Model overrides the client default when non-empty.
	Model string

	// MaxIterations caps provider round-trips (0 = DefaultMaxIterations).
	MaxIterations int

	// NativeTools names provider-executed tools to enable.
	NativeTools []string

	// TokenLimit overrides the derived history budget when positive.
	TokenLimit int

	// MaxHistoryMessages caps raw history entries before token trimming.
	MaxHistoryMessages int
}

// Request is one conversational exchange to process.
type Request struct {
	UserMessage string
	History     []HistoryEntry
	Registry    *ToolRegistry
	Options     Options
}

// Response is the terminal result of one orchestrator call.
type Response struct {
	Text            string
	ToolsUsed       []string
	ToolLog         []ToolLogEntry
	Usage           Usage
	Timing          Timing
	Flagged         bool
	FlagReason      string
	HistoryTrimmed  bool
	MessagesRemoved int
}

// runState is the loop's internal progress marker. Exactly one terminal
// state feeds the single response builder.
type runState int

const (
	stateLooping runState = iota
	stateCompleted
	stateLimitReached
)

// execState is the per-call execution bookkeeping: iteration counter,
// cumulative usage and timing, and the ordered tool execution log.
// Created at the start of a call and discarded at its end.
type execState struct {
	iterations  int
	usage       Usage
	toolLog     []ToolLogEntry
	toolsUsed   []string
	seenTools   map[string]bool
	providerDur time.Duration
	toolsDur    time.Duration
	started     time.Time
}

func newExecState() *execState {
	return &execState{seenTools: make(map[string]bool), started: time.Now()}
}

func (s *execState) logTool(entry ToolLogEntry) {
	entry.Seq = len(s.toolLog) + 1
	s.toolLog = append(s.toolLog, entry)
	s.toolsDur += entry.Duration
	if !entry.Native && !s.seenTools[entry.Name] {
		s.seenTools[entry.Name] = true
		s.toolsUsed = append(s.toolsUsed, entry.Name)
	}
}

// Orchestrator runs bounded tool-use conversations against a provider.
type Orchestrator struct {
	provider    Provider
	retry       RetryPolicy
	prompts     *PromptCache
	toolTimeout time.Duration
	logger      *slog.Logger
}

// NewOrchestrator wires an orchestrator. prompts may be nil when the
// caller always supplies a prebuilt system prompt.
func NewOrchestrator(provider Provider, retry RetryPolicy, prompts *PromptCache, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		provider:    provider,
		retry:       retry.Effective(),
		prompts:     prompts,
		toolTimeout: DefaultToolTimeout,
		logger:      logger.With("component", "orchestrator"),
	}
}

// SetToolTimeout overrides the per-tool execution bound.
func (o *Orchestrator) SetToolTimeout(d time.Duration) {
	if d > 0 {
		o.toolTimeout = d
	}
}

// Process runs the blocking tool-use loop to a final answer.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	opts := req.Options
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	reg := req.Registry
	if reg == nil {
		reg = NewToolRegistry()
	}
	tools := reg.Definitions()

	budget := Budget{TokenLimit: opts.TokenLimit, MaxMessages: opts.MaxHistoryMessages}
	if budget.TokenLimit <= 0 {
		budget.TokenLimit = TokenLimitFor(opts.Model, len(tools))
	}
	built := budget.Build(req.UserMessage, req.History)
	turns := built.Turns

	o.logger.Debug("orchestrator run started",
		"history_entries", len(req.History),
		"turns", len(turns),
		"estimated_tokens", built.EstimatedTokens,
		"trimmed", built.WasTrimmed,
		"tools", len(tools),
		"max_iterations", maxIter,
	)

	state := newExecState()
	status := stateLooping
	var final *ProviderResponse

	for state.iterations < maxIter && status == stateLooping {
		state.iterations++

		resp, err := o.callProvider(ctx, opts, tools, turns, state)
		if err != nil {
			return nil, err
		}
		state.usage.Add(resp.Usage)

		if resp.Finish == FinishCompleted {
			status = stateCompleted
			final = resp
			break
		}

		// Tool round: execute local tools, record native ones, then
		// feed results back as the next user turn.
		results := o.runToolRound(ctx, resp, reg, state, nil, nil)
		turns = append(turns,
			Turn{Role: RoleAssistant, Blocks: resp.Blocks},
			Turn{Role: RoleUser, Blocks: results},
		)
	}

	if status == stateLooping {
		status = stateLimitReached
	}

	return o.buildResponse(status, final, state, built), nil
}

// callProvider performs one provider round-trip through the retry helper.
func (o *Orchestrator) callProvider(ctx context.Context, opts Options, tools []ToolDefinition, turns []Turn, state *execState) (*ProviderResponse, error) {
	preq := &ProviderRequest{
		Model:       opts.Model,
		System:      opts.SystemPrompt,
		Tools:       tools,
		NativeTools: opts.NativeTools,
		Turns:       turns,
	}

	start := time.Now()
	resp, err := RunWithRetry(ctx, o.retry, o.logger, func(ctx context.Context) (*ProviderResponse, error) {
		return o.provider.Complete(ctx, preq)
	})
	state.providerDur += time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("provider call failed (iteration %d): %w", state.iterations, err)
	}

	o.logger.Info("provider call complete",
		"iteration", state.iterations,
		"finish", resp.Finish,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return resp, nil
}

// runToolRound executes every tool invocation of one provider response
// in request order. A failing handler for one tool never prevents the
// others from executing or being logged. onStart/onEnd are streaming
// hooks; nil for the blocking variant.
func (o *Orchestrator) runToolRound(
	ctx context.Context,
	resp *ProviderResponse,
	reg *ToolRegistry,
	state *execState,
	onStart func(name string, params json.RawMessage),
	onEnd func(entry ToolLogEntry),
) []ContentBlock {
	var results []ContentBlock

	for _, blk := range resp.Blocks {
		switch v := blk.(type) {
		case ToolUseBlock:
			if onStart != nil {
				onStart(v.Name, v.Input)
			}
			entry, blocks := o.executeTool(ctx, reg, v)
			state.logTool(entry)
			if onEnd != nil {
				onEnd(entry)
			}
			results = append(results, ToolResultBlock{
				ToolUseID: v.ID,
				Content:   blocks,
				IsError:   entry.IsError,
			})

		case ServerToolUseBlock:
			// Executed by the provider itself; recorded for observability.
			state.logTool(ToolLogEntry{
				Name:   v.Name,
				Params: v.Input,
				Result: "(executed by provider)",
				Native: true,
			})

		case ServerToolResultBlock, TextBlock:
			// Text alongside tool calls is carried in the assistant turn;
			// native results need no local handling.
		}
	}

	return results
}

// executeTool runs one local tool call: unknown names and handler
// errors become error results, successful envelope results become
// structured media blocks.
func (o *Orchestrator) executeTool(ctx context.Context, reg *ToolRegistry, call ToolUseBlock) (ToolLogEntry, []ContentBlock) {
	entry := ToolLogEntry{Name: call.Name, Params: call.Input}

	tool, ok := reg.Lookup(call.Name)
	if !ok {
		entry.Result = fmt.Sprintf("unknown tool %q", call.Name)
		entry.IsError = true
		o.logger.Warn("unknown tool requested", "name", call.Name)
		return entry, []ContentBlock{TextBlock{Text: entry.Result}}
	}

	args, err := parseToolArgs(call.Input)
	if err != nil {
		entry.Result = fmt.Sprintf("error parsing arguments: %v", err)
		entry.IsError = true
		return entry, []ContentBlock{TextBlock{Text: entry.Result}}
	}

	execCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Handler(execCtx, args)
	entry.Duration = time.Since(start)

	if err != nil {
		entry.Result = fmt.Sprintf("error: %v", err)
		entry.IsError = true
		o.logger.Warn("tool execution failed",
			"name", call.Name,
			"duration_ms", entry.Duration.Milliseconds(),
			"error", err,
		)
		return entry, []ContentBlock{TextBlock{Text: entry.Result}}
	}

	// A result may be a multimodal envelope; an envelope that fails
	// validation becomes an error result instead of dropped content.
	env, isEnv, envErr := ParseEnvelope(output)
	if envErr != nil {
		entry.Result = fmt.Sprintf("invalid multimodal result: %v", envErr)
		entry.IsError = true
		return entry, []ContentBlock{TextBlock{Text: entry.Result}}
	}
	if isEnv {
		entry.Result = fmt.Sprintf("(%s %s, %d bytes)", env.Kind, env.MediaType, len(env.Data))
		o.logger.Info("tool executed",
			"name", call.Name,
			"duration_ms", entry.Duration.Milliseconds(),
			"media_type", env.MediaType,
		)
		return entry, env.Blocks()
	}

	entry.Result = output
	o.logger.Info("tool executed",
		"name", call.Name,
		"duration_ms", entry.Duration.Milliseconds(),
		"output_len", len(output),
	)
	return entry, []ContentBlock{TextBlock{Text: output}}
}

// buildResponse is the single terminal-state builder: every Process
// call funnels through here exactly once.
func (o *Orchestrator) buildResponse(status runState, final *ProviderResponse, state *execState, built BudgetResult) *Response {
	resp := &Response{
		ToolsUsed:       state.toolsUsed,
		ToolLog:         state.toolLog,
		Usage:           state.usage,
		HistoryTrimmed:  built.WasTrimmed,
		MessagesRemoved: built.MessagesRemoved,
		Timing: Timing{
			Total:    time.Since(state.started),
			Provider: state.providerDur,
			Tools:    state.toolsDur,
		},
	}

	switch status {
	case stateCompleted:
		resp.Text = final.TextContent()
	case stateLimitReached:
		resp.Text = limitReachedText
		resp.Flagged = true
		resp.FlagReason = limitReachedReason
		o.logger.Warn("iteration cap reached without completion",
			"iterations", state.iterations,
			"tools_logged", len(state.toolLog),
		)
	}

	o.logger.Info("orchestrator run finished",
		"iterations", state.iterations,
		"flagged", resp.Flagged,
		"tools_used", len(resp.ToolsUsed),
		"total_ms", resp.Timing.Total.Milliseconds(),
	)
	return resp
}
