// stream.go is the streaming variant of the tool-use loop. Instead of
// returning one final Response it emits an ordered event sequence on a
// bounded channel: text chunks as the model produces them, tool
// lifecycle markers around each execution round, retry notices, and a
// single terminal Done or Error event.
//
// Retry discipline differs from the blocking path: a provider call is
// retried only while no text from that call has reached the consumer.
// Once a chunk is out it cannot be unsaid, so a mid-stream failure
// surfaces as an Error event instead of a silent restart.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// eventBuffer bounds the event channel so a slow consumer applies
// backpressure to the provider stream instead of growing memory.
const eventBuffer = 32

// Event is one item of the streaming output sequence. The set of
// implementations is closed.
type Event interface {
	eventType() string
}

// TextEvent carries one chunk of assistant text.
type TextEvent struct {
	Chunk string
}

// ToolStartEvent marks the start of a local tool execution.
type ToolStartEvent struct {
	Name   string
	Params json.RawMessage
}

// ToolEndEvent marks the completion of a local tool execution.
type ToolEndEvent struct {
	Name     string
	Result   string
	IsError  bool
	Duration time.Duration
}

// RetryEvent reports a transparent retry of a provider call that has
// not yet produced text.
type RetryEvent struct {
	Attempt int
	Backoff time.Duration
	Kind    ErrorKind
}

// DoneEvent terminates a successful stream and carries the aggregate
// result; Text holds the full accumulated reply already delivered as
// chunks.
type DoneEvent struct {
	Response *Response
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Err error
}

func (TextEvent) eventType() string      { return "text" }
func (ToolStartEvent) eventType() string { return "tool_start" }
func (ToolEndEvent) eventType() string   { return "tool_end" }
func (RetryEvent) eventType() string     { return "retry" }
func (DoneEvent) eventType() string      { return "done" }
func (ErrorEvent) eventType() string     { return "error" }

// ProcessStream runs the tool-use loop and streams its progress. The
// channel is closed after exactly one terminal event (Done or Error),
// or without one when ctx is cancelled mid-stream.
func (o *Orchestrator) ProcessStream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		o.streamLoop(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) streamLoop(ctx context.Context, req Request, events chan<- Event) {
	// emit blocks until the consumer accepts the event or ctx ends;
	// it reports false when the stream should stop silently.
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

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

	state := newExecState()
	status := stateLooping
	var final *ProviderResponse
	var full strings.Builder

	for state.iterations < maxIter && status == stateLooping {
		state.iterations++

		resp, err := o.streamProviderCall(ctx, opts, tools, turns, state, emit, &full)
		if err != nil {
			if ctx.Err() == nil {
				emit(ErrorEvent{Err: err})
			}
			return
		}
		state.usage.Add(resp.Usage)

		if resp.Finish == FinishCompleted {
			status = stateCompleted
			final = resp
			break
		}

		onStart := func(name string, params json.RawMessage) {
			emit(ToolStartEvent{Name: name, Params: params})
		}
		onEnd := func(entry ToolLogEntry) {
			emit(ToolEndEvent{
				Name:     entry.Name,
				Result:   entry.Result,
				IsError:  entry.IsError,
				Duration: entry.Duration,
			})
		}
		results := o.runToolRound(ctx, resp, reg, state, onStart, onEnd)
		turns = append(turns,
			Turn{Role: RoleAssistant, Blocks: resp.Blocks},
			Turn{Role: RoleUser, Blocks: results},
		)

		// Keep the transcript readable: text from the next call starts
		// on a fresh paragraph.
		if full.Len() > 0 && !strings.HasSuffix(full.String(), "\n") {
			if !emit(TextEvent{Chunk: "\n\n"}) {
				return
			}
			full.WriteString("\n\n")
		}
	}

	if status == stateLooping {
		status = stateLimitReached
	}

	resp := o.buildResponse(status, final, state, built)
	if status == stateLimitReached {
		// The degraded reply was never streamed; deliver it before Done.
		if !emit(TextEvent{Chunk: limitReachedText}) {
			return
		}
		full.WriteString(limitReachedText)
	}
	resp.Text = full.String()
	emit(DoneEvent{Response: resp})
}

// streamProviderCall performs one streaming provider round-trip. It
// retries under the orchestrator policy only while the call has emitted
// no text; after the first chunk a failure is final.
func (o *Orchestrator) streamProviderCall(
	ctx context.Context,
	opts Options,
	tools []ToolDefinition,
	turns []Turn,
	state *execState,
	emit func(Event) bool,
	full *strings.Builder,
) (*ProviderResponse, error) {
	preq := &ProviderRequest{
		Model:       opts.Model,
		System:      opts.SystemPrompt,
		Tools:       tools,
		NativeTools: opts.NativeTools,
		Turns:       turns,
	}

	start := time.Now()
	defer func() { state.providerDur += time.Since(start) }()

	var lastErr error
	for attempt := 0; attempt < o.retry.MaxAttempts; attempt++ {
		textSeen := false
		onText := func(chunk string) {
			textSeen = true
			if emit(TextEvent{Chunk: chunk}) {
				full.WriteString(chunk)
			}
		}

		resp, err := o.provider.CompleteStream(ctx, preq, onText)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if textSeen {
			// Text already reached the consumer; restarting would
			// duplicate it.
			return nil, fmt.Errorf("stream failed after partial output (iteration %d): %w", state.iterations, err)
		}

		kind := kindOf(err)
		if !kind.Retryable() {
			return nil, fmt.Errorf("provider call failed (iteration %d): %w", state.iterations, err)
		}
		if attempt == o.retry.MaxAttempts-1 {
			break
		}

		delay := o.retry.Delay(attempt, retryAfterOf(err))
		if !emit(RetryEvent{Attempt: attempt + 1, Backoff: delay, Kind: kind}) {
			return nil, ctx.Err()
		}
		o.logger.Info("retrying streaming provider call",
			"attempt", attempt+1,
			"max_attempts", o.retry.MaxAttempts,
			"kind", kind.String(),
			"backoff_ms", delay.Milliseconds(),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, &RetriesExhaustedError{Attempts: o.retry.MaxAttempts, Last: lastErr}
}
