package assistant

import (
	"context"
	"strings"
	"testing"

	"github.com/voxhall/steward/pkg/steward/approval"
)

func TestCompileSystemPrompt(t *testing.T) {
	t.Parallel()

	got := compileSystemPrompt("default", "Ada\x00Always answer in haiku.")
	if !strings.Contains(got, "You are Ada,") {
		t.Errorf("prompt missing name: %q", got)
	}
	if !strings.Contains(got, "Always answer in haiku.") {
		t.Errorf("prompt missing persona: %q", got)
	}

	// Empty name falls back to the default identity.
	got = compileSystemPrompt("default", "\x00")
	if !strings.Contains(got, "You are Steward,") {
		t.Errorf("prompt missing fallback name: %q", got)
	}
	if strings.Contains(got, "\x00") {
		t.Error("separator leaked into the prompt")
	}
}

func TestConfigSystemPrompt(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Persona = "Prefer short answers."
	got := cfg.SystemPrompt()
	if !strings.Contains(got, "You are Steward,") || !strings.Contains(got, "Prefer short answers.") {
		t.Errorf("SystemPrompt = %q", got)
	}
}

func TestServiceHistoryBounded(t *testing.T) {
	t.Parallel()

	s := &Service{histories: make(map[string][]HistoryEntry)}

	for i := 0; i < historyKeep; i++ {
		s.appendHistory("discord", "chat1", "question", &Response{Text: "answer"})
	}

	got := s.history("discord", "chat1")
	if len(got) != historyKeep {
		t.Errorf("len(history) = %d, want capped at %d", len(got), historyKeep)
	}

	// Separate chats keep separate histories.
	if other := s.history("discord", "chat2"); len(other) != 0 {
		t.Errorf("unrelated chat has %d entries", len(other))
	}

	// The returned slice is a copy.
	got[0].Content = "mutated"
	if s.history("discord", "chat1")[0].Content == "mutated" {
		t.Error("history returned shared backing storage")
	}
}

func TestDeliverApprovedTarget(t *testing.T) {
	t.Parallel()

	mgr, ch := newCaptureManager(t)
	s := &Service{channelMgr: mgr}

	action := &approval.Action{
		Target:          "chat:room7:msg42",
		ProposedContent: "Here is the reviewed answer.",
	}
	if err := s.deliverApproved(context.Background(), action); err != nil {
		t.Fatalf("deliverApproved: %v", err)
	}
	sent := ch.messages()
	if len(sent) != 1 || sent[0] != "Here is the reviewed answer." {
		t.Errorf("sent = %q", sent)
	}

	if err := s.deliverApproved(context.Background(), &approval.Action{Target: "nocolons"}); err == nil {
		t.Error("malformed target accepted")
	}
}

func TestClassifyFuncModelFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		routerModel string
		smallModel  string
		want        string
	}{
		{"router model wins", "claude-haiku-4-5", "small", "claude-haiku-4-5"},
		{"small model next", "", "claude-haiku-4-5", "claude-haiku-4-5"},
		{"primary model last", "", "", "claude-sonnet-4-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Router.Model = tt.routerModel
			cfg.API.SmallModel = tt.smallModel

			provider := &scriptedProvider{responses: []*ProviderResponse{
				{Finish: FinishCompleted, Blocks: []ContentBlock{TextBlock{Text: `{"action":"ignore"}`}}},
			}}
			s := &Service{cfg: cfg, provider: provider, logger: testLogger()}

			out, err := s.classifyFunc()(context.Background(), "system", "user")
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if out.Text != `{"action":"ignore"}` {
				t.Errorf("Text = %q", out.Text)
			}
			if got := provider.requests[0].Model; got != tt.want {
				t.Errorf("classification model = %q, want %q", got, tt.want)
			}
		})
	}
}
