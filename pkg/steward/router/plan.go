// Package router decides what, if anything, the assistant should do
// about a passively observed channel message. Triage runs in two
// stages: a free deterministic rule table, then a cheap classification
// model call when no rule matches. The output is a single immutable
// ExecutionPlan handed off to the caller; the router itself never
// actuates anything.
package router

import (
	"time"
)

// PlanKind is the closed set of triage outcomes.
type PlanKind string

const (
	// PlanIgnore takes no observable action.
	PlanIgnore PlanKind = "ignore"

	// PlanReact emits a single emoji reaction on the source message.
	PlanReact PlanKind = "react"

	// PlanClarify queues a clarifying question for human review.
	PlanClarify PlanKind = "clarify"

	// PlanRespond drafts a full response for human review.
	PlanRespond PlanKind = "respond"
)

// DecisionMethod records which triage stage produced a plan.
type DecisionMethod string

const (
	DecisionQuickMatch DecisionMethod = "quick_match"
	DecisionLLM        DecisionMethod = "llm"
)

// ExecutionPlan is the router's single output value: one of the four
// plan kinds plus the fields that kind needs. Produced once per
// evaluation, never mutated afterward.
type ExecutionPlan struct {
	// Kind selects the action.
	Kind PlanKind

	// Reason is a short natural-language justification, for logs and
	// the review queue.
	Reason string

	// Method records which stage decided.
	Method DecisionMethod

	// Emoji is the reaction to emit (PlanReact only).
	Emoji string

	// Question is the clarifying question text (PlanClarify only).
	Question string

	// ToolSets names the tool categories to enable when drafting a
	// response (PlanRespond only).
	ToolSets []string

	// Telemetry describes the classification call, zero-valued for
	// quick-match decisions.
	Telemetry Telemetry
}

// Telemetry captures the cost of a classification call.
type Telemetry struct {
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	Model        string
}

// RoutingContext is the input bundle one triage evaluation sees. Pure
// input; the router never mutates or persists it.
type RoutingContext struct {
	// Content is the message text.
	Content string

	// Surface identifies the source channel (e.g. "discord").
	Surface string

	// Author is the sender identifier.
	Author string

	// AuthorInsight is an optional profile snapshot of the sender,
	// included in the classification prompt when present.
	AuthorInsight string

	// IsThreadReply marks replies inside an existing thread.
	IsThreadReply bool
}
