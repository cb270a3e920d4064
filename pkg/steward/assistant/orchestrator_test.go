package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays a fixed sequence of responses. Both variants
// share the script; CompleteStream additionally feeds text blocks
// through onText to mimic deltas.
type scriptedProvider struct {
	responses []*ProviderResponse
	errs      []error
	calls     int
	requests  []*ProviderRequest
}

func (p *scriptedProvider) next(req *ProviderRequest) (*ProviderResponse, error) {
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, fmt.Errorf("script exhausted at call %d", i+1)
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	return p.next(req)
}

func (p *scriptedProvider) CompleteStream(ctx context.Context, req *ProviderRequest, onText func(chunk string)) (*ProviderResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if onText != nil {
		for _, b := range resp.Blocks {
			if tb, ok := b.(TextBlock); ok && tb.Text != "" {
				onText(tb.Text)
			}
		}
	}
	return resp, nil
}

func textResponse(text string) *ProviderResponse {
	return &ProviderResponse{
		Finish: FinishCompleted,
		Blocks: []ContentBlock{TextBlock{Text: text}},
		Usage:  Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUseResponse(calls ...ToolUseBlock) *ProviderResponse {
	resp := &ProviderResponse{Finish: FinishToolUse, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
	for _, c := range calls {
		resp.Blocks = append(resp.Blocks, c)
	}
	return resp
}

func newTestOrchestrator(p Provider) *Orchestrator {
	return NewOrchestrator(p, RetryPolicy{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 2, JitterFraction: 0.01}, nil, testLogger())
}

func TestProcessCompletesFirstCall(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{textResponse("hello there")}}
	orch := newTestOrchestrator(provider)

	resp, err := orch.Process(context.Background(), Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello there")
	}
	if resp.Flagged || len(resp.ToolsUsed) != 0 {
		t.Errorf("unexpected response fields: %+v", resp)
	}
	if resp.Usage.Total() != 15 {
		t.Errorf("Usage.Total() = %d, want 15", resp.Usage.Total())
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestProcessToolRound(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "weather", Input: json.RawMessage(`{"city":"Oslo"}`)}),
		textResponse("12°C and raining"),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	var gotCity string
	reg.Register(ToolDefinition{Name: "weather"}, func(ctx context.Context, args map[string]any) (string, error) {
		gotCity, _ = args["city"].(string)
		return "12C rain", nil
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "weather in Oslo?", Registry: reg})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if gotCity != "Oslo" {
		t.Errorf("handler got city %q, want Oslo", gotCity)
	}
	if resp.Text != "12°C and raining" {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolsUsed) != 1 || resp.ToolsUsed[0] != "weather" {
		t.Errorf("ToolsUsed = %v, want [weather]", resp.ToolsUsed)
	}
	if len(resp.ToolLog) != 1 || resp.ToolLog[0].Seq != 1 || resp.ToolLog[0].IsError {
		t.Errorf("ToolLog = %+v", resp.ToolLog)
	}
	if resp.Usage.Total() != 30 {
		t.Errorf("Usage.Total() = %d, want accumulated 30", resp.Usage.Total())
	}

	// The second provider call must carry the tool result as a user turn
	// after the assistant tool-use turn.
	second := provider.requests[1]
	n := len(second.Turns)
	if n < 3 {
		t.Fatalf("second request has %d turns, want >= 3", n)
	}
	if second.Turns[n-1].Role != RoleUser || second.Turns[n-2].Role != RoleAssistant {
		t.Error("tool round turns not appended as assistant then user")
	}
	tr, ok := second.Turns[n-1].Blocks[0].(ToolResultBlock)
	if !ok || tr.ToolUseID != "t1" || tr.IsError {
		t.Errorf("tool result block = %#v", second.Turns[n-1].Blocks[0])
	}
}

func TestProcessUnknownTool(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "nonexistent"}),
		textResponse("done without it"),
	}}
	orch := newTestOrchestrator(provider)

	resp, err := orch.Process(context.Background(), Request{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "done without it" {
		t.Error("loop did not continue past the unknown tool")
	}
	if len(resp.ToolLog) != 1 || !resp.ToolLog[0].IsError {
		t.Fatalf("ToolLog = %+v, want one error entry", resp.ToolLog)
	}
	if !strings.Contains(resp.ToolLog[0].Result, `unknown tool "nonexistent"`) {
		t.Errorf("Result = %q", resp.ToolLog[0].Result)
	}

	// The error must be fed back to the model as an error tool result.
	second := provider.requests[1]
	tr, ok := second.Turns[len(second.Turns)-1].Blocks[0].(ToolResultBlock)
	if !ok || !tr.IsError {
		t.Error("unknown tool not returned to the model as an error result")
	}
}

func TestProcessHandlerError(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "query"}),
		textResponse("the database seems to be down"),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "query"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("DB timeout")
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "look it up", Registry: reg})
	if err != nil {
		t.Fatalf("handler error must not abort the loop: %v", err)
	}
	if resp.ToolLog[0].Result != "error: DB timeout" {
		t.Errorf("Result = %q, want \"error: DB timeout\"", resp.ToolLog[0].Result)
	}
	if !resp.ToolLog[0].IsError {
		t.Error("entry not marked as error")
	}
}

func TestProcessToolTimeout(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "slow"}),
		textResponse("gave up on the tool"),
	}}
	orch := newTestOrchestrator(provider)
	orch.SetToolTimeout(10 * time.Millisecond)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "slow"}, func(ctx context.Context, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "go", Registry: reg})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !resp.ToolLog[0].IsError || !strings.Contains(resp.ToolLog[0].Result, "context deadline exceeded") {
		t.Errorf("ToolLog[0] = %+v, want deadline error", resp.ToolLog[0])
	}
}

func TestProcessFailingToolDoesNotBlockSibling(t *testing.T) {
	t.Parallel()

	// Two tools requested in the same turn; the first one failing must
	// not keep the second from running or being logged.
	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(
			ToolUseBlock{ID: "t1", Name: "broken"},
			ToolUseBlock{ID: "t2", Name: "working"},
		),
		textResponse("done"),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "broken"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("boom")
	})
	var workingRan bool
	reg.Register(ToolDefinition{Name: "working"}, func(ctx context.Context, args map[string]any) (string, error) {
		workingRan = true
		return "fine", nil
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "both", Registry: reg})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !workingRan {
		t.Error("second tool never executed")
	}
	if len(resp.ToolLog) != 2 {
		t.Fatalf("len(ToolLog) = %d, want 2", len(resp.ToolLog))
	}
	if !resp.ToolLog[0].IsError || resp.ToolLog[1].IsError {
		t.Errorf("ToolLog error flags = %v/%v, want true/false", resp.ToolLog[0].IsError, resp.ToolLog[1].IsError)
	}
	if resp.ToolLog[1].Result != "fine" {
		t.Errorf("ToolLog[1].Result = %q, want %q", resp.ToolLog[1].Result, "fine")
	}
}

func TestProcessIterationLimit(t *testing.T) {
	t.Parallel()

	// The model keeps asking for tools; every iteration must consume the
	// script and the run must end flagged, not erroring.
	var responses []*ProviderResponse
	for i := 0; i < DefaultMaxIterations; i++ {
		responses = append(responses, toolUseResponse(ToolUseBlock{ID: fmt.Sprintf("t%d", i), Name: "loop"}))
	}
	provider := &scriptedProvider{responses: responses}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "loop"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "again", nil
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "loop forever", Registry: reg})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !resp.Flagged {
		t.Error("Flagged = false, want true at the iteration cap")
	}
	if resp.FlagReason != limitReachedReason {
		t.Errorf("FlagReason = %q", resp.FlagReason)
	}
	if resp.Text != limitReachedText {
		t.Errorf("Text = %q, want the degraded reply", resp.Text)
	}
	if provider.calls != DefaultMaxIterations {
		t.Errorf("provider called %d times, want %d", provider.calls, DefaultMaxIterations)
	}
	if len(resp.ToolLog) != DefaultMaxIterations {
		t.Errorf("len(ToolLog) = %d, want %d", len(resp.ToolLog), DefaultMaxIterations)
	}
}

func TestProcessMaxIterationsOption(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "loop"}),
		toolUseResponse(ToolUseBlock{ID: "t2", Name: "loop"}),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "loop"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "again", nil
	})

	resp, err := orch.Process(context.Background(), Request{
		UserMessage: "go",
		Registry:    reg,
		Options:     Options{MaxIterations: 2},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !resp.Flagged || provider.calls != 2 {
		t.Errorf("Flagged=%v calls=%d, want flagged after 2 calls", resp.Flagged, provider.calls)
	}
}

func TestProcessProviderFatalError(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{errs: []error{&retryErr{kind: ErrKindAuth}}}
	orch := newTestOrchestrator(provider)

	_, err := orch.Process(context.Background(), Request{UserMessage: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("fatal provider error retried: %d calls", provider.calls)
	}
}

func TestProcessRetriesTransient(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		errs:      []error{&retryErr{kind: ErrKindOverloaded}, nil},
		responses: []*ProviderResponse{nil, textResponse("recovered")},
	}
	orch := newTestOrchestrator(provider)

	resp, err := orch.Process(context.Background(), Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "recovered" || provider.calls != 2 {
		t.Errorf("Text=%q calls=%d, want recovery on second attempt", resp.Text, provider.calls)
	}
}

func TestProcessNativeToolLogged(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		{
			Finish: FinishToolUse,
			Blocks: []ContentBlock{
				ServerToolUseBlock{ID: "s1", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`)},
				ServerToolResultBlock{ToolUseID: "s1", Content: json.RawMessage(`[]`)},
			},
		},
		textResponse("found it"),
	}}
	orch := newTestOrchestrator(provider)

	resp, err := orch.Process(context.Background(), Request{UserMessage: "search"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(resp.ToolLog) != 1 || !resp.ToolLog[0].Native {
		t.Fatalf("ToolLog = %+v, want one native entry", resp.ToolLog)
	}
	// Native executions are logged but never reported as locally used tools.
	if len(resp.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %v, want empty", resp.ToolsUsed)
	}
}

func TestProcessMultimodalToolResult(t *testing.T) {
	t.Parallel()

	envelope := `{"kind": "image", "media_type": "image/png", "data": "aGVsbG8=", "caption": "plot"}`
	provider := &scriptedProvider{responses: []*ProviderResponse{
		toolUseResponse(ToolUseBlock{ID: "t1", Name: "chart"}),
		textResponse("here is the chart"),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "chart"}, func(ctx context.Context, args map[string]any) (string, error) {
		return envelope, nil
	})

	resp, err := orch.Process(context.Background(), Request{UserMessage: "plot it", Registry: reg})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(resp.ToolLog[0].Result, "image image/png") {
		t.Errorf("log result = %q, want media summary", resp.ToolLog[0].Result)
	}

	second := provider.requests[1]
	tr := second.Turns[len(second.Turns)-1].Blocks[0].(ToolResultBlock)
	if len(tr.Content) != 2 {
		t.Fatalf("tool result has %d blocks, want caption + image", len(tr.Content))
	}
	if _, ok := tr.Content[1].(ImageBlock); !ok {
		t.Errorf("second block = %#v, want ImageBlock", tr.Content[1])
	}
}
