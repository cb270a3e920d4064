package router

import "testing"

func TestQuickMatchDefaultRules(t *testing.T) {
	t.Parallel()

	rules := DefaultConfig().Rules
	tests := []struct {
		name     string
		content  string
		wantKind PlanKind
		wantNil  bool
	}{
		{"bare thanks", "thanks!", PlanReact, false},
		{"thank you uppercase", "Thank You", PlanReact, false},
		{"ty with trailing dot", "ty.", PlanReact, false},
		{"gratitude inside a sentence", "thanks, but what about the deploy?", "", true},
		{"help request", "hey bot help me out", PlanClarify, false},
		{"link only", "https://example.com/post/42", PlanIgnore, false},
		{"link with commentary", "check this https://example.com", "", true},
		{"ordinary chatter", "anyone up for lunch?", "", true},
		{"whitespace padded link", "   https://example.com  ", PlanIgnore, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := quickMatch(rules, RoutingContext{Content: tt.content})
			if tt.wantNil {
				if plan != nil {
					t.Fatalf("quickMatch(%q) = %+v, want nil", tt.content, plan)
				}
				return
			}
			if plan == nil {
				t.Fatalf("quickMatch(%q) = nil, want a plan", tt.content)
			}
			if plan.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", plan.Kind, tt.wantKind)
			}
			if plan.Method != DecisionQuickMatch {
				t.Errorf("Method = %v, want quick_match", plan.Method)
			}
		})
	}
}

func TestQuickMatchRuleOrder(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Match: "contains", Pattern: "deploy", Action: "respond", ToolSets: []string{"ops"}},
		{Match: "contains", Pattern: "deploy", Action: "ignore"},
	}

	plan := quickMatch(rules, RoutingContext{Content: "how do I deploy?"})
	if plan == nil || plan.Kind != PlanRespond {
		t.Fatalf("plan = %+v, want the first matching rule to win", plan)
	}
	if len(plan.ToolSets) != 1 || plan.ToolSets[0] != "ops" {
		t.Errorf("ToolSets = %v", plan.ToolSets)
	}
}

func TestQuickMatchKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule Rule
		in   string
		want *ExecutionPlan
	}{
		{
			"exact match is case-insensitive",
			Rule{Match: "exact", Pattern: "GM", Action: "react", Emoji: "🌅"},
			"gm",
			&ExecutionPlan{Kind: PlanReact, Emoji: "🌅"},
		},
		{
			"prefix",
			Rule{Match: "prefix", Pattern: "!steward", Action: "respond"},
			"!steward status please",
			&ExecutionPlan{Kind: PlanRespond},
		},
		{
			"react default emoji",
			Rule{Match: "exact", Pattern: "nice", Action: "react"},
			"nice",
			&ExecutionPlan{Kind: PlanReact, Emoji: "👍"},
		},
		{
			"clarify carries question",
			Rule{Match: "contains", Pattern: "halp", Action: "clarify", Question: "What with?"},
			"halp pls",
			&ExecutionPlan{Kind: PlanClarify, Question: "What with?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := quickMatch([]Rule{tt.rule}, RoutingContext{Content: tt.in})
			if plan == nil {
				t.Fatal("quickMatch = nil")
			}
			if plan.Kind != tt.want.Kind || plan.Emoji != tt.want.Emoji || plan.Question != tt.want.Question {
				t.Errorf("plan = %+v, want kind=%v emoji=%q question=%q",
					plan, tt.want.Kind, tt.want.Emoji, tt.want.Question)
			}
		})
	}
}

func TestQuickMatchMalformedRules(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Match: "regex", Pattern: `([`, Action: "ignore"},       // bad regex
		{Match: "contains", Pattern: "hello", Action: "launch"}, // unknown action
		{Match: "glob", Pattern: "hello", Action: "ignore"},     // unknown match kind
		{Match: "contains", Pattern: "hello", Action: "react"},
	}

	plan := quickMatch(rules, RoutingContext{Content: "hello there"})
	if plan == nil || plan.Kind != PlanReact {
		t.Fatalf("plan = %+v, want malformed rules skipped", plan)
	}
}

func TestQuickMatchIsPure(t *testing.T) {
	t.Parallel()

	rules := DefaultConfig().Rules
	rctx := RoutingContext{Content: "thanks"}

	first := quickMatch(rules, rctx)
	second := quickMatch(rules, rctx)
	if first == nil || second == nil {
		t.Fatal("expected plans")
	}
	if first.Kind != second.Kind || first.Reason != second.Reason {
		t.Errorf("repeated evaluation differs: %+v vs %+v", first, second)
	}
}
