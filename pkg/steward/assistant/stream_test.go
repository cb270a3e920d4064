package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// collectEvents drains the stream into a slice, failing the test if it
// does not close promptly.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel did not close")
		}
	}
}

func joinedText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if te, ok := ev.(TextEvent); ok {
			b.WriteString(te.Chunk)
		}
	}
	return b.String()
}

func doneOf(t *testing.T, events []Event) DoneEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	done, ok := events[len(events)-1].(DoneEvent)
	if !ok {
		t.Fatalf("last event = %#v, want DoneEvent", events[len(events)-1])
	}
	return done
}

func TestProcessStreamSimple(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{textResponse("hello there")}}
	orch := newTestOrchestrator(provider)

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{UserMessage: "hi"}))

	if _, ok := events[0].(TextEvent); !ok {
		t.Errorf("first event = %#v, want TextEvent", events[0])
	}
	done := doneOf(t, events)
	if done.Response.Text != "hello there" {
		t.Errorf("Done text = %q, want full reply", done.Response.Text)
	}
	if joinedText(events) != done.Response.Text {
		t.Error("streamed chunks do not add up to the Done text")
	}
}

func TestProcessStreamToolRound(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*ProviderResponse{
		{
			Finish: FinishToolUse,
			Blocks: []ContentBlock{
				TextBlock{Text: "Let me check."},
				ToolUseBlock{ID: "t1", Name: "weather", Input: json.RawMessage(`{}`)},
			},
		},
		textResponse("Done."),
	}}
	orch := newTestOrchestrator(provider)

	reg := NewToolRegistry()
	reg.Register(ToolDefinition{Name: "weather"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "sunny", nil
	})

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{UserMessage: "weather?", Registry: reg}))

	var sawStart, sawEnd bool
	startIdx, endIdx := -1, -1
	for i, ev := range events {
		switch v := ev.(type) {
		case ToolStartEvent:
			sawStart = true
			startIdx = i
			if v.Name != "weather" {
				t.Errorf("ToolStartEvent.Name = %q", v.Name)
			}
		case ToolEndEvent:
			sawEnd = true
			endIdx = i
			if v.IsError || v.Result != "sunny" {
				t.Errorf("ToolEndEvent = %+v", v)
			}
		}
	}
	if !sawStart || !sawEnd || endIdx < startIdx {
		t.Fatalf("tool lifecycle events missing or out of order: %#v", events)
	}

	done := doneOf(t, events)
	want := "Let me check.\n\nDone."
	if done.Response.Text != want {
		t.Errorf("Done text = %q, want %q with paragraph break", done.Response.Text, want)
	}
	if joinedText(events) != want {
		t.Errorf("streamed text = %q, want %q", joinedText(events), want)
	}
}

func TestProcessStreamRetryBeforeText(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		errs:      []error{&retryErr{kind: ErrKindOverloaded}, nil},
		responses: []*ProviderResponse{nil, textResponse("recovered")},
	}
	orch := newTestOrchestrator(provider)

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{UserMessage: "hi"}))

	retry, ok := events[0].(RetryEvent)
	if !ok {
		t.Fatalf("first event = %#v, want RetryEvent", events[0])
	}
	if retry.Attempt != 1 || retry.Kind != ErrKindOverloaded {
		t.Errorf("RetryEvent = %+v", retry)
	}
	if doneOf(t, events).Response.Text != "recovered" {
		t.Error("stream did not recover after transparent retry")
	}
}

// partialFailProvider streams some text and then fails, which must be
// terminal even for a retryable failure kind.
type partialFailProvider struct{}

func (p *partialFailProvider) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (p *partialFailProvider) CompleteStream(ctx context.Context, req *ProviderRequest, onText func(chunk string)) (*ProviderResponse, error) {
	onText("partial answer ")
	return nil, &retryErr{kind: ErrKindOverloaded}
}

func TestProcessStreamFailureAfterText(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&partialFailProvider{})

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{UserMessage: "hi"}))

	last, ok := events[len(events)-1].(ErrorEvent)
	if !ok {
		t.Fatalf("last event = %#v, want ErrorEvent", events[len(events)-1])
	}
	if !strings.Contains(last.Err.Error(), "after partial output") {
		t.Errorf("Err = %v", last.Err)
	}
	if joinedText(events) != "partial answer " {
		t.Errorf("streamed text = %q", joinedText(events))
	}

	// No retry once text is out.
	for _, ev := range events {
		if _, isRetry := ev.(RetryEvent); isRetry {
			t.Error("retried after partial output")
		}
	}
}

func TestProcessStreamExhaustion(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{errs: []error{
		&retryErr{kind: ErrKindRateLimit},
		&retryErr{kind: ErrKindRateLimit},
	}}
	orch := newTestOrchestrator(provider) // MaxAttempts: 2

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{UserMessage: "hi"}))

	last, ok := events[len(events)-1].(ErrorEvent)
	if !ok {
		t.Fatalf("last event = %#v, want ErrorEvent", events[len(events)-1])
	}
	if !strings.Contains(last.Err.Error(), "retries exhausted") {
		t.Errorf("Err = %v", last.Err)
	}
}

func TestProcessStreamIterationLimit(t *testing.T) {
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

	events := collectEvents(t, orch.ProcessStream(context.Background(), Request{
		UserMessage: "go",
		Registry:    reg,
		Options:     Options{MaxIterations: 2},
	}))

	done := doneOf(t, events)
	if !done.Response.Flagged {
		t.Error("Flagged = false, want true")
	}
	// The degraded reply is streamed as a chunk and carried in Done.
	if !strings.Contains(joinedText(events), limitReachedText) {
		t.Error("degraded reply was not streamed")
	}
	if !strings.HasSuffix(done.Response.Text, limitReachedText) {
		t.Errorf("Done text = %q", done.Response.Text)
	}
}

func TestProcessStreamContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{errs: []error{&retryErr{kind: ErrKindTransient}}}
	orch := newTestOrchestrator(provider)

	// The channel must close without hanging; no terminal event is
	// required once the consumer's context is gone.
	collectEvents(t, orch.ProcessStream(ctx, Request{UserMessage: "hi"}))
}
