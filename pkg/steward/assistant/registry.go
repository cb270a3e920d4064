// registry.go manages callable tools: a process-wide global set plus a
// per-request caller-scoped set, merged per call with the caller-scoped
// entry winning on name collision. The merged view is rebuilt for every
// request and never persisted.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// toolNameSanitizer replaces any character not in [a-zA-Z0-9_-] with "_".
var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolHandler executes one tool call. The returned string is either
// plain text for the model or a serialized multimodal envelope (see
// envelope.go). Handlers may do their own I/O and must be safe to call
// concurrently from independent requests.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Tool bundles a definition with its handler.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolRegistry holds a named set of tools. The zero value is not
// usable; construct with NewToolRegistry.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, sanitizing its name to the provider-accepted
// pattern ^[a-zA-Z0-9_-]+$. An existing tool of the same name is
// overwritten.
func (r *ToolRegistry) Register(def ToolDefinition, handler ToolHandler) {
	def.Name = sanitizeToolName(def.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = Tool{Definition: def, Handler: handler}
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions, for building the provider
// request schema.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Merge produces a fresh registry containing the union of r and scoped,
// with entries from scoped winning on name collision. Either argument
// may be nil. The result is independent of both inputs.
func Merge(global, scoped *ToolRegistry) *ToolRegistry {
	merged := NewToolRegistry()
	if global != nil {
		global.mu.RLock()
		for name, t := range global.tools {
			merged.tools[name] = t
		}
		global.mu.RUnlock()
	}
	if scoped != nil {
		scoped.mu.RLock()
		for name, t := range scoped.tools {
			merged.tools[name] = t
		}
		scoped.mu.RUnlock()
	}
	return merged
}

// sanitizeToolName collapses invalid characters and repeated
// underscores so the name matches ^[a-zA-Z0-9_-]+$.
func sanitizeToolName(name string) string {
	name = toolNameSanitizer.ReplaceAllString(name, "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}

// parseToolArgs parses JSON-encoded tool arguments into a map.
func parseToolArgs(raw json.RawMessage) (map[string]any, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "{}" || s == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}
