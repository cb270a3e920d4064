package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// classifySystemPrompt instructs the small model to triage one message.
// The reply must be a single JSON object so parsing stays trivial.
const classifySystemPrompt = `You triage messages observed in a community chat for an assistant that must not be noisy. Given one message, decide the assistant's action and answer with a single JSON object, nothing else:

{"action": "ignore" | "react" | "clarify" | "respond", "reason": "<short justification>", "emoji": "<only for react>", "question": "<only for clarify>", "tool_sets": ["<only for respond: categories like docs, search, community>"]}

Guidance:
- "ignore": chatter between members, off-topic talk, anything not aimed at the assistant's areas.
- "react": a lightweight acknowledgment is enough (gratitude, praise, celebration).
- "clarify": the member seems to need help but the request is too vague to act on.
- "respond": a concrete question the assistant can answer well. Prefer "ignore" when unsure.`

// ClassifyOutput is the raw result of one classification model call.
type ClassifyOutput struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// ClassifyFunc performs one small-model call. The router owns prompt
// construction and parsing; the function owns transport.
type ClassifyFunc func(ctx context.Context, system, user string) (*ClassifyOutput, error)

// classifyReply mirrors the JSON object the model is asked to produce.
type classifyReply struct {
	Action   string   `json:"action"`
	Reason   string   `json:"reason"`
	Emoji    string   `json:"emoji"`
	Question string   `json:"question"`
	ToolSets []string `json:"tool_sets"`
}

// runClassify performs the stage-2 model call and parses its decision.
func (r *Router) runClassify(ctx context.Context, rctx RoutingContext) (*ExecutionPlan, error) {
	content := rctx.Content
	if len(content) > r.cfg.MaxContentChars {
		content = content[:r.cfg.MaxContentChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Surface: %s\n", rctx.Surface)
	fmt.Fprintf(&sb, "Author: %s\n", rctx.Author)
	if rctx.AuthorInsight != "" {
		fmt.Fprintf(&sb, "Author profile: %s\n", rctx.AuthorInsight)
	}
	if rctx.IsThreadReply {
		sb.WriteString("Context: reply inside an existing thread\n")
	}
	fmt.Fprintf(&sb, "Message:\n%s", content)

	start := time.Now()
	out, err := r.classify(ctx, classifySystemPrompt, sb.String())
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}

	reply, err := parseClassifyReply(out.Text)
	if err != nil {
		return nil, fmt.Errorf("classification reply: %w", err)
	}

	plan := &ExecutionPlan{
		Reason: reply.Reason,
		Method: DecisionLLM,
		Telemetry: Telemetry{
			Latency:      latency,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			Model:        out.Model,
		},
	}
	switch reply.Action {
	case "ignore":
		plan.Kind = PlanIgnore
	case "react":
		plan.Kind = PlanReact
		plan.Emoji = reply.Emoji
		if plan.Emoji == "" {
			plan.Emoji = "👍"
		}
	case "clarify":
		plan.Kind = PlanClarify
		plan.Question = reply.Question
	case "respond":
		plan.Kind = PlanRespond
		plan.ToolSets = reply.ToolSets
	default:
		return nil, fmt.Errorf("classification reply: unknown action %q", reply.Action)
	}
	return plan, nil
}

// parseClassifyReply extracts the JSON decision, tolerating models that
// wrap it in prose or a code fence.
func parseClassifyReply(text string) (*classifyReply, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", truncateForLog(text))
	}

	var reply classifyReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("parsing decision: %w", err)
	}
	if reply.Action == "" {
		return nil, fmt.Errorf("decision missing action field")
	}
	return &reply, nil
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
