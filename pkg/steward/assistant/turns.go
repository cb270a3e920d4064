// Package assistant implements the conversation core of Steward: the
// token-budgeted turn builder, the retry helper for provider calls, and
// the bounded tool-use orchestrator in blocking and streaming form.
//
// One orchestrator call owns its own turn list and execution state;
// nothing is shared between in-flight calls except the explicit caches
// in promptcache.go.
package assistant

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one typed segment of a turn. It is a closed union:
// the set of implementations below is exhaustive and callers switch
// over the concrete types.
type ContentBlock interface {
	blockType() string
}

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation requested by the model and executed
// by the local registry.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock carries the outcome of a local tool execution back to
// the model. Content holds text and/or media blocks.
type ToolResultBlock struct {
	ToolUseID string
	Content   []ContentBlock
	IsError   bool
}

// ImageBlock is base64 image data with its media type.
type ImageBlock struct {
	MediaType string
	Data      string
}

// DocumentBlock is base64 document data (pdf, text, csv) with its media type.
type DocumentBlock struct {
	MediaType string
	Data      string
}

// ServerToolUseBlock is a provider-native tool invocation (e.g. the
// provider's built-in web search). The provider executes it itself; the
// orchestrator only records it.
type ServerToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ServerToolResultBlock is the provider-produced result of a native tool.
type ServerToolResultBlock struct {
	ToolUseID string
	Content   json.RawMessage
}

func (TextBlock) blockType() string             { return "text" }
func (ToolUseBlock) blockType() string          { return "tool_use" }
func (ToolResultBlock) blockType() string       { return "tool_result" }
func (ImageBlock) blockType() string            { return "image" }
func (DocumentBlock) blockType() string         { return "document" }
func (ServerToolUseBlock) blockType() string    { return "server_tool_use" }
func (ServerToolResultBlock) blockType() string { return "server_tool_result" }

// Turn is one entry in the conversation sent to the provider. A valid
// turn sequence strictly alternates roles and starts with RoleUser.
type Turn struct {
	Role   Role
	Blocks []ContentBlock
}

// TextTurn builds a single-text-block turn.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Blocks: []ContentBlock{TextBlock{Text: text}}}
}

// Text concatenates the text blocks of a turn, separating them with
// double newlines.
func (t Turn) Text() string {
	var out string
	for _, b := range t.Blocks {
		tb, ok := b.(TextBlock)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += tb.Text
	}
	return out
}

// HistoryEntry is one raw persisted message, as stored by the external
// history collaborator. The budget manager normalizes these into turns.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolLogEntry records one tool execution (local or provider-native)
// within an orchestrator call, in execution order.
type ToolLogEntry struct {
	Seq      int
	Name     string
	Params   json.RawMessage
	Result   string
	IsError  bool
	Duration time.Duration
	Native   bool
}

// Usage accumulates token counts across the provider calls of one
// orchestrator run.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Timing breaks down where one orchestrator call spent its time.
type Timing struct {
	Total    time.Duration
	Provider time.Duration
	Tools    time.Duration
}
