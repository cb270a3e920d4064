// llm.go implements the model provider client over the Messages API
// wire format using the standard HTTP client. Supports blocking and
// streaming (SSE) completions, local tool schemas, and provider-native
// tools the provider executes itself (e.g. built-in web search).
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FinishSignal is how the provider ended a completion.
type FinishSignal int

const (
	// FinishCompleted means the model produced a final answer.
	FinishCompleted FinishSignal = iota
	// FinishToolUse means the model requested tool invocations.
	FinishToolUse
)

// ProviderRequest is one completion request.
type ProviderRequest struct {
	Model       string
	System      string
	MaxTokens   int
	Tools       []ToolDefinition
	NativeTools []string // provider-executed tools, e.g. "web_search"
	Turns       []Turn
}

// ProviderResponse is the parsed completion.
type ProviderResponse struct {
	Finish FinishSignal
	Blocks []ContentBlock
	Usage  Usage
	Model  string
}

// TextContent concatenates the response's text blocks in order.
func (r *ProviderResponse) TextContent() string {
	var b strings.Builder
	for _, blk := range r.Blocks {
		if tb, ok := blk.(TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// ToolUses returns the local tool invocations requested by the model.
func (r *ProviderResponse) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, blk := range r.Blocks {
		if tu, ok := blk.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// Provider is the model backend consumed by the orchestrators. The
// production implementation is *LLMClient; tests substitute fakes.
type Provider interface {
	// Complete performs one blocking completion.
	Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)

	// CompleteStream performs one streaming completion, invoking onText
	// for every text delta. The accumulated response is returned once
	// the stream ends.
	CompleteStream(ctx context.Context, req *ProviderRequest, onText func(chunk string)) (*ProviderResponse, error)
}

// LLMClient talks to a Messages-API-compatible endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient builds a client from API configuration.
func NewLLMClient(cfg APIConfig, logger *slog.Logger) *LLMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &LLMClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			// No global timeout: callers control deadlines per request
			// via context, and streaming responses can run for minutes.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the configured default model.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire types ----------

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *wireSource     `json:"source,omitempty"`
}

type wireSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // e.g. "image/png"
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Type        string          `json:"type,omitempty"` // native tools
	MaxUses     int             `json:"max_uses,omitempty"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type wireStreamEvent struct {
	Type         string        `json:"type"`
	Message      *wireResponse `json:"message,omitempty"`
	Index        int           `json:"index"`
	ContentBlock *wireContent  `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens,omitempty"`
	} `json:"usage,omitempty"`
}

// nativeToolTypes maps a short native tool name to its wire type tag.
var nativeToolTypes = map[string]string{
	"web_search": "web_search_20250305",
}

// apiError carries HTTP status, body, and the provider's requested
// retry delay. It implements the retry classifier.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.statusCode, truncate(e.body, 200))
}

func (e *apiError) Kind() ErrorKind { return ClassifyError(e.statusCode, e.body) }

func (e *apiError) RetryAfter() time.Duration {
	return time.Duration(e.retryAfterSec) * time.Second
}

// ---------- Request building ----------

func (c *LLMClient) buildRequest(req *ProviderRequest, stream bool) (*wireRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	out := &wireRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Stream:    stream,
	}

	for _, t := range req.Turns {
		msg := wireMessage{Role: string(t.Role)}
		for _, b := range t.Blocks {
			wc, err := toWireContent(b)
			if err != nil {
				return nil, err
			}
			msg.Content = append(msg.Content, wc)
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, def := range req.Tools {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, wireTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	for _, name := range req.NativeTools {
		wireType, ok := nativeToolTypes[name]
		if !ok {
			continue
		}
		out.Tools = append(out.Tools, wireTool{Name: name, Type: wireType, MaxUses: 5})
	}

	return out, nil
}

func toWireContent(b ContentBlock) (wireContent, error) {
	switch v := b.(type) {
	case TextBlock:
		return wireContent{Type: "text", Text: v.Text}, nil
	case ToolUseBlock:
		input := v.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return wireContent{Type: "tool_use", ID: v.ID, Name: v.Name, Input: input}, nil
	case ToolResultBlock:
		inner := make([]wireContent, 0, len(v.Content))
		for _, cb := range v.Content {
			wc, err := toWireContent(cb)
			if err != nil {
				return wireContent{}, err
			}
			inner = append(inner, wc)
		}
		raw, err := json.Marshal(inner)
		if err != nil {
			return wireContent{}, fmt.Errorf("marshaling tool result: %w", err)
		}
		return wireContent{Type: "tool_result", ToolUseID: v.ToolUseID, Content: raw, IsError: v.IsError}, nil
	case ImageBlock:
		return wireContent{Type: "image", Source: &wireSource{Type: "base64", MediaType: v.MediaType, Data: v.Data}}, nil
	case DocumentBlock:
		return wireContent{Type: "document", Source: &wireSource{Type: "base64", MediaType: v.MediaType, Data: v.Data}}, nil
	case ServerToolUseBlock:
		return wireContent{Type: "server_tool_use", ID: v.ID, Name: v.Name, Input: v.Input}, nil
	case ServerToolResultBlock:
		return wireContent{Type: "web_search_tool_result", ToolUseID: v.ToolUseID, Content: v.Content}, nil
	default:
		return wireContent{}, fmt.Errorf("unsupported content block %T", b)
	}
}

func fromWireContent(wc wireContent) ContentBlock {
	switch wc.Type {
	case "text":
		return TextBlock{Text: wc.Text}
	case "tool_use":
		return ToolUseBlock{ID: wc.ID, Name: wc.Name, Input: wc.Input}
	case "server_tool_use":
		return ServerToolUseBlock{ID: wc.ID, Name: wc.Name, Input: wc.Input}
	case "web_search_tool_result":
		return ServerToolResultBlock{ToolUseID: wc.ToolUseID, Content: wc.Content}
	default:
		// Unknown block types degrade to empty text rather than failing
		// the whole response.
		return TextBlock{Text: wc.Text}
	}
}

func finishFromStopReason(stop string) FinishSignal {
	if stop == "tool_use" {
		return FinishToolUse
	}
	return FinishCompleted
}

// ---------- Blocking completion ----------

// Complete performs one blocking completion request.
func (c *LLMClient) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	wireReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if wr.Error != nil {
		return nil, fmt.Errorf("provider error: %s", wr.Error.Message)
	}

	out := &ProviderResponse{
		Finish: finishFromStopReason(wr.StopReason),
		Model:  wr.Model,
		Usage:  Usage{InputTokens: wr.Usage.InputTokens, OutputTokens: wr.Usage.OutputTokens},
	}
	for _, wc := range wr.Content {
		out.Blocks = append(out.Blocks, fromWireContent(wc))
	}

	c.logger.Info("completion done",
		"model", wireReq.Model,
		"stop_reason", wr.StopReason,
		"input_tokens", wr.Usage.InputTokens,
		"output_tokens", wr.Usage.OutputTokens,
	)
	return out, nil
}

func (c *LLMClient) post(ctx context.Context, wireReq *wireRequest) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured; run 'steward setup' or set STEWARD_API_KEY")
	}

	bodyBytes, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("x-api-key", c.apiKey)

	c.logger.Debug("sending completion",
		"model", wireReq.Model,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
		"stream", wireReq.Stream,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: string(respBody)}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, convErr := strconv.Atoi(ra); convErr == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("provider error",
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"body", truncate(string(respBody), 500),
		)
		return nil, apierr
	}

	return respBody, nil
}

// ---------- Streaming completion ----------

// CompleteStream performs one streaming completion, invoking onText for
// every text delta as it arrives. The fully accumulated response is
// returned when the stream finishes.
func (c *LLMClient) CompleteStream(ctx context.Context, req *ProviderRequest, onText func(chunk string)) (*ProviderResponse, error) {
	wireReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured; run 'steward setup' or set STEWARD_API_KEY")
	}

	bodyBytes, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apierr := &apiError{statusCode: resp.StatusCode, body: string(body)}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, convErr := strconv.Atoi(ra); convErr == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		return nil, apierr
	}

	out := &ProviderResponse{Model: wireReq.Model}
	// Blocks under construction and accumulated tool-input JSON, both
	// keyed by content block index.
	blocks := make(map[int]*wireContent)
	partialJSON := make(map[int]*strings.Builder)
	stopReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var ev wireStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				out.Usage.InputTokens = ev.Message.Usage.InputTokens
				if ev.Message.Model != "" {
					out.Model = ev.Message.Model
				}
			}

		case "content_block_start":
			if ev.ContentBlock != nil {
				cb := *ev.ContentBlock
				blocks[ev.Index] = &cb
				if cb.Type == "tool_use" || cb.Type == "server_tool_use" {
					partialJSON[ev.Index] = &strings.Builder{}
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if cb, ok := blocks[ev.Index]; ok {
					cb.Text += ev.Delta.Text
				}
				if onText != nil && ev.Delta.Text != "" {
					onText(ev.Delta.Text)
				}
			case "input_json_delta":
				if b, ok := partialJSON[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if b, ok := partialJSON[ev.Index]; ok {
				if cb, have := blocks[ev.Index]; have {
					input := b.String()
					if input == "" {
						input = "{}"
					}
					cb.Input = json.RawMessage(input)
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				out.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	// Assemble blocks in index order.
	indices := make([]int, 0, len(blocks))
	for i := range blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		out.Blocks = append(out.Blocks, fromWireContent(*blocks[i]))
	}
	out.Finish = finishFromStopReason(stopReason)

	c.logger.Info("streaming completion done",
		"model", out.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"stop_reason", stopReason,
		"blocks", len(out.Blocks),
	)
	return out, nil
}

// truncate shortens s to max bytes for log output.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
