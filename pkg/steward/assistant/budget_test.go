package assistant

import (
	"strings"
	"testing"
)

// checkAlternation fails unless turns strictly alternate roles starting
// with RoleUser.
func checkAlternation(t *testing.T, turns []Turn) {
	t.Helper()
	if len(turns) == 0 {
		t.Fatal("no turns produced")
	}
	if turns[0].Role != RoleUser {
		t.Fatalf("first turn role = %q, want %q", turns[0].Role, RoleUser)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == turns[i-1].Role {
			t.Fatalf("turns %d and %d share role %q", i-1, i, turns[i].Role)
		}
	}
}

func TestBuildAlternation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		history []HistoryEntry
	}{
		{"empty history", nil},
		{"starts with assistant", []HistoryEntry{
			{Role: RoleAssistant, Content: "welcome back"},
			{Role: RoleUser, Content: "hi"},
		}},
		{"consecutive users", []HistoryEntry{
			{Role: RoleUser, Content: "first"},
			{Role: RoleUser, Content: "second"},
			{Role: RoleAssistant, Content: "reply"},
		}},
		{"consecutive assistants", []HistoryEntry{
			{Role: RoleUser, Content: "question"},
			{Role: RoleAssistant, Content: "part one"},
			{Role: RoleAssistant, Content: "part two"},
		}},
		{"ends with user", []HistoryEntry{
			{Role: RoleUser, Content: "unanswered"},
		}},
		{"unknown role treated as user", []HistoryEntry{
			{Role: "system", Content: "note"},
			{Role: RoleAssistant, Content: "ok"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Budget{}.Build("current question", tt.history)
			checkAlternation(t, res.Turns)

			last := res.Turns[len(res.Turns)-1]
			if last.Role != RoleUser || !strings.Contains(last.Text(), "current question") {
				t.Errorf("last turn does not carry the current message: %+v", last)
			}
		})
	}
}

func TestBuildSyntheticContinuation(t *testing.T) {
	t.Parallel()

	history := []HistoryEntry{
		{Role: RoleAssistant, Content: "as I was saying"},
	}
	res := Budget{}.Build("go on", history)

	if got := res.Turns[0].Text(); got != continuedMarker {
		t.Errorf("first turn = %q, want synthetic marker %q", got, continuedMarker)
	}
}

func TestBuildMessageCountCap(t *testing.T) {
	t.Parallel()

	// 11 history entries with a cap of 10: the oldest entry goes.
	var history []HistoryEntry
	for i := 0; i < 11; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		history = append(history, HistoryEntry{Role: role, Content: strings.Repeat("x", 50)})
	}

	res := Budget{MaxMessages: 10}.Build("latest", history)

	if !res.WasTrimmed {
		t.Error("WasTrimmed = false, want true")
	}
	if res.MessagesRemoved != 1 {
		t.Errorf("MessagesRemoved = %d, want 1", res.MessagesRemoved)
	}
	checkAlternation(t, res.Turns)
}

func TestBuildTokenTrimming(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("lorem ipsum ", 200) // ~600 tokens per entry
	history := []HistoryEntry{
		{Role: RoleUser, Content: big},
		{Role: RoleAssistant, Content: big},
		{Role: RoleUser, Content: big},
		{Role: RoleAssistant, Content: big},
	}

	res := Budget{TokenLimit: 700}.Build("the question that matters", history)

	if !res.WasTrimmed {
		t.Fatal("WasTrimmed = false, want true")
	}
	if res.EstimatedTokens > 700 {
		t.Errorf("EstimatedTokens = %d, want <= 700", res.EstimatedTokens)
	}
	checkAlternation(t, res.Turns)

	last := res.Turns[len(res.Turns)-1]
	if !strings.Contains(last.Text(), "the question that matters") {
		t.Error("trimming dropped the current message")
	}
}

func TestBuildCurrentMessageSurvivesTinyBudget(t *testing.T) {
	t.Parallel()

	history := []HistoryEntry{
		{Role: RoleUser, Content: strings.Repeat("a", 4000)},
		{Role: RoleAssistant, Content: strings.Repeat("b", 4000)},
	}

	// A budget smaller than the current message alone: everything else
	// goes, the current message stays.
	res := Budget{TokenLimit: 10}.Build(strings.Repeat("c", 400), history)

	if len(res.Turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(res.Turns))
	}
	if res.Turns[0].Role != RoleUser {
		t.Errorf("remaining turn role = %q, want user", res.Turns[0].Role)
	}
}

func TestBuildTrimStepsReduceEstimate(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("words and more words ", 100)
	turns := []Turn{
		TextTurn(RoleUser, big),
		TextTurn(RoleAssistant, big),
		TextTurn(RoleUser, big),
		TextTurn(RoleAssistant, big),
		TextTurn(RoleUser, "tail"),
	}

	prev := estimateTokens(turns)
	for len(turns) > 1 {
		turns = dropOldest(turns)
		got := estimateTokens(turns)
		if got >= prev {
			t.Fatalf("estimate did not decrease: %d -> %d", prev, got)
		}
		prev = got
	}
}

func TestTokenLimitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		model     string
		toolCount int
		want      int
	}{
		{"known model no tools", "claude-sonnet-4-5", 0, 200_000 - outputReserveTokens},
		{"known model with tools", "claude-sonnet-4-5", 10, 200_000 - outputReserveTokens - 10*perToolSchemaTokens},
		{"unknown model", "experimental-llm", 0, defaultContextTokens - outputReserveTokens},
		{"floor", "claude-sonnet-4-5", 1000, 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenLimitFor(tt.model, tt.toolCount); got != tt.want {
				t.Errorf("TokenLimitFor(%q, %d) = %d, want %d", tt.model, tt.toolCount, got, tt.want)
			}
		})
	}
}

func TestEstimateBlockTokens(t *testing.T) {
	t.Parallel()

	text := estimateBlockTokens(TextBlock{Text: strings.Repeat("x", 400)})
	if text != 101 {
		t.Errorf("text estimate = %d, want 101", text)
	}
	if img := estimateBlockTokens(ImageBlock{MediaType: "image/png"}); img != 1200 {
		t.Errorf("image estimate = %d, want flat 1200", img)
	}
}
