// Package assistant – service.go wires the pieces into a running
// assistant: channel manager in, orchestrator/router/approval queue
// behind it. Directed messages (DMs, mentions) stream straight through
// the orchestrator; ambient channel traffic goes through triage, and
// anything that would speak publicly lands in the approval queue first.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/steward/pkg/steward/approval"
	"github.com/voxhall/steward/pkg/steward/channels"
	"github.com/voxhall/steward/pkg/steward/channels/discord"
	"github.com/voxhall/steward/pkg/steward/router"
)

// historyKeep bounds stored entries per chat, in addition to the
// per-call budget trimming.
const historyKeep = 200

// Service owns the running assistant.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	provider     Provider
	orchestrator *Orchestrator
	router       *router.Router
	approvals    *approval.Queue
	sweeper      *approval.Sweeper
	channelMgr   *channels.Manager
	prompts      *PromptCache

	// registry holds process-lifetime tools available to every call.
	registry *ToolRegistry

	// toolSets are named tool categories enabled per Respond plan.
	toolSets map[string]*ToolRegistry

	// histories keeps per-chat conversation history in memory.
	historiesMu sync.Mutex
	histories   map[string][]HistoryEntry

	// dispatch tracks in-flight message handlers for clean shutdown.
	dispatch sync.WaitGroup
}

// NewService builds a service from config. Channels are registered but
// not connected until Run.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg.API.APIKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}

	provider := NewLLMClient(cfg.API, logger)
	prompts := NewPromptCache(compileSystemPrompt)

	orch := NewOrchestrator(provider, cfg.Retry, prompts, logger)
	orch.SetToolTimeout(time.Duration(cfg.Limits.ToolTimeoutSec) * time.Second)

	queue, err := approval.NewQueue(cfg.Approvals, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:          cfg,
		logger:       logger.With("component", "service"),
		provider:     provider,
		orchestrator: orch,
		approvals:    queue,
		sweeper:      approval.NewSweeper(queue, logger),
		channelMgr:   channels.NewManager(logger),
		prompts:      prompts,
		registry:     NewToolRegistry(),
		toolSets:     make(map[string]*ToolRegistry),
		histories:    make(map[string][]HistoryEntry),
	}
	s.router = router.New(cfg.Router, s.classifyFunc(), logger)
	queue.SetDeliverer(s.deliverApproved)

	if cfg.Channels.Discord.Enabled {
		if err := s.channelMgr.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterTool adds a process-lifetime tool available to every call.
func (s *Service) RegisterTool(def ToolDefinition, handler ToolHandler) {
	s.registry.Register(def, handler)
}

// RegisterToolSet adds a named tool category enabled by Respond plans.
func (s *Service) RegisterToolSet(name string, reg *ToolRegistry) {
	s.toolSets[name] = reg
}

// Approvals exposes the review queue for CLI and surfaces.
func (s *Service) Approvals() *approval.Queue { return s.approvals }

// ChannelHealth reports per-channel health for the health command.
func (s *Service) ChannelHealth() map[string]channels.HealthStatus {
	return s.channelMgr.HealthAll()
}

// Run connects channels and dispatches messages until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.channelMgr.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}
	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting approval sweeper: %w", err)
	}

	s.logger.Info("assistant running", "name", s.cfg.Name)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case msg, ok := <-s.channelMgr.Messages():
			if !ok {
				s.shutdown()
				return nil
			}
			s.dispatch.Add(1)
			go func(m *channels.IncomingMessage) {
				defer s.dispatch.Done()
				s.handleMessage(ctx, m)
			}(msg)
		}
	}
}

func (s *Service) shutdown() {
	s.dispatch.Wait()
	s.sweeper.Stop()
	s.channelMgr.Stop()
	if err := s.approvals.Close(); err != nil {
		s.logger.Error("closing approval store", "error", err)
	}
	s.logger.Info("assistant stopped")
}

func (s *Service) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	if msg.Type != channels.MessageText || strings.TrimSpace(msg.Content) == "" {
		return
	}
	if msg.Directed {
		s.handleDirected(ctx, msg)
		return
	}
	s.handleAmbient(ctx, msg)
}

// handleDirected streams an orchestrator run back to the chat.
func (s *Service) handleDirected(ctx context.Context, msg *channels.IncomingMessage) {
	s.channelMgr.SendTyping(ctx, msg.Channel, msg.ChatID)

	req := Request{
		UserMessage: msg.Content,
		History:     s.history(msg.Channel, msg.ChatID),
		Registry:    s.registry,
		Options:     s.cfg.Options(s.systemPrompt()),
	}

	streamer := NewBlockStreamer(s.cfg.BlockStream, s.channelMgr, msg.Channel, msg.ChatID, msg.ID)
	resp, err := streamer.Run(s.orchestrator.ProcessStream(ctx, req))
	if err != nil {
		s.logger.Error("directed message failed", "chat", msg.ChatID, "error", err)
		s.sendFallback(ctx, msg, "Sorry, something went wrong while answering. Please try again.")
		return
	}
	if resp.Flagged {
		s.logger.Warn("directed reply degraded", "chat", msg.ChatID, "reason", resp.FlagReason)
	}

	s.appendHistory(msg.Channel, msg.ChatID, msg.Content, resp)
}

// handleAmbient triages an observed message and actuates the plan.
func (s *Service) handleAmbient(ctx context.Context, msg *channels.IncomingMessage) {
	plan := s.router.Decide(ctx, router.RoutingContext{
		Content:       msg.Content,
		Surface:       msg.Channel,
		Author:        msg.FromName,
		IsThreadReply: msg.ReplyTo != "",
	})
	if plan == nil {
		return
	}

	target := fmt.Sprintf("%s:%s:%s", msg.Channel, msg.ChatID, msg.ID)

	switch plan.Kind {
	case router.PlanIgnore:
		// Nothing observable.

	case router.PlanReact:
		err := s.channelMgr.SendReaction(ctx, msg.Channel, msg.ChatID, msg.ID, plan.Emoji)
		if err != nil && !errors.Is(err, channels.ErrReactionConflict) {
			s.logger.Warn("reaction failed", "chat", msg.ChatID, "error", err)
		}

	case router.PlanClarify:
		question := plan.Question
		if question == "" {
			question = "Could you share a bit more detail about what you need?"
		}
		if _, err := s.approvals.Enqueue(ctx, "clarify", target, question, msg.Content, time.Time{}); err != nil {
			s.logger.Error("queueing clarification failed", "error", err)
		}

	case router.PlanRespond:
		s.draftResponse(ctx, msg, plan, target)
	}
}

// draftResponse runs the orchestrator with the plan's tool sets and
// queues the validated result for review. A draft that comes back
// flagged or empty after validation is discarded rather than queued.
func (s *Service) draftResponse(ctx context.Context, msg *channels.IncomingMessage, plan *router.ExecutionPlan, target string) {
	reg := s.registry
	for _, name := range plan.ToolSets {
		if set, ok := s.toolSets[name]; ok {
			reg = Merge(reg, set)
		} else {
			s.logger.Warn("unknown tool set in plan", "tool_set", name)
		}
	}

	req := Request{
		UserMessage: msg.Content,
		Registry:    reg,
		Options:     s.cfg.Options(s.systemPrompt()),
	}
	resp, err := s.orchestrator.Process(ctx, req)
	if err != nil {
		s.logger.Error("draft response failed", "chat", msg.ChatID, "error", err)
		return
	}
	if resp.Flagged {
		s.logger.Warn("draft discarded", "chat", msg.ChatID, "reason", resp.FlagReason)
		return
	}

	draft := FormatForChannel(resp.Text, msg.Channel)
	if strings.TrimSpace(draft) == "" {
		s.logger.Warn("draft empty after validation, discarded", "chat", msg.ChatID)
		return
	}

	if _, err := s.approvals.Enqueue(ctx, "respond", target, draft, msg.Content, time.Time{}); err != nil {
		s.logger.Error("queueing draft failed", "error", err)
	}
}

// deliverApproved posts approved queue content to its target.
func (s *Service) deliverApproved(ctx context.Context, action *approval.Action) error {
	parts := strings.SplitN(action.Target, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed target %q", action.Target)
	}
	channel, chatID, messageID := parts[0], parts[1], parts[2]

	return s.channelMgr.Send(ctx, channel, chatID, &channels.OutgoingMessage{
		Content: action.ProposedContent,
		ReplyTo: messageID,
	})
}

// classifyFunc adapts the provider into the router's classification
// hook, using the cheap model.
func (s *Service) classifyFunc() router.ClassifyFunc {
	model := s.cfg.Router.Model
	if model == "" {
		model = s.cfg.API.SmallModel
	}
	if model == "" {
		model = s.cfg.API.Model
	}

	return func(ctx context.Context, system, user string) (*router.ClassifyOutput, error) {
		resp, err := RunWithRetry(ctx, s.cfg.Retry, s.logger, func(ctx context.Context) (*ProviderResponse, error) {
			return s.provider.Complete(ctx, &ProviderRequest{
				Model:     model,
				System:    system,
				MaxTokens: 300,
				Turns:     []Turn{TextTurn(RoleUser, user)},
			})
		})
		if err != nil {
			return nil, err
		}
		return &router.ClassifyOutput{
			Text:         resp.TextContent(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Model:        resp.Model,
		}, nil
	}
}

// systemPrompt compiles (and caches) the active system prompt.
func (s *Service) systemPrompt() string {
	source := s.cfg.Name + "\x00" + s.cfg.Persona
	return s.prompts.Get("default", source)
}

// SystemPrompt renders the system prompt once, uncached. Used by
// one-shot callers that bypass the service.
func (c *Config) SystemPrompt() string {
	return compileSystemPrompt("default", c.Name+"\x00"+c.Persona)
}

// compileSystemPrompt renders the system prompt from its config source.
func compileSystemPrompt(key, source string) string {
	name, persona, _ := strings.Cut(source, "\x00")
	if name == "" {
		name = "Steward"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a helpful community assistant.\n", name)
	sb.WriteString("Be concise and direct. Use the available tools when they help answer the question. If you don't know, say so.\n")
	if persona != "" {
		sb.WriteString("\n")
		sb.WriteString(persona)
		sb.WriteString("\n")
	}
	return sb.String()
}

// history returns a copy of the stored history for one chat.
func (s *Service) history(channel, chatID string) []HistoryEntry {
	s.historiesMu.Lock()
	defer s.historiesMu.Unlock()

	key := channel + ":" + chatID
	entries := s.histories[key]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// appendHistory records one completed exchange, keeping the per-chat
// store bounded.
func (s *Service) appendHistory(channel, chatID, userMessage string, resp *Response) {
	s.historiesMu.Lock()
	defer s.historiesMu.Unlock()

	key := channel + ":" + chatID
	entries := append(s.histories[key],
		HistoryEntry{Role: RoleUser, Content: userMessage},
		HistoryEntry{Role: RoleAssistant, Content: resp.Text},
	)
	if len(entries) > historyKeep {
		entries = entries[len(entries)-historyKeep:]
	}
	s.histories[key] = entries
}

// sendFallback delivers a plain error reply, best effort.
func (s *Service) sendFallback(ctx context.Context, msg *channels.IncomingMessage, text string) {
	_ = s.channelMgr.Send(ctx, msg.Channel, msg.ChatID, &channels.OutgoingMessage{
		Content: text,
		ReplyTo: msg.ID,
	})
}
