// Package assistant – config.go defines the top-level configuration
// tree loaded from steward.yaml. Sub-packages own their sections; this
// file holds the assistant-level knobs and the aggregate.
package assistant

import (
	"github.com/voxhall/steward/pkg/steward/approval"
	"github.com/voxhall/steward/pkg/steward/channels/discord"
	"github.com/voxhall/steward/pkg/steward/router"
)

// Config is the complete steward configuration.
type Config struct {
	// Name is the assistant's display name, used in prompts and logs.
	Name string `yaml:"name"`

	// Persona is free-form instruction text appended to the system prompt.
	Persona string `yaml:"persona"`

	// API configures the LLM provider connection.
	API APIConfig `yaml:"api"`

	// Retry configures backoff for transient provider failures.
	Retry RetryPolicy `yaml:"retry"`

	// Budget configures conversation history trimming.
	Budget BudgetConfig `yaml:"budget"`

	// Limits bounds a single orchestrator run.
	Limits LimitsConfig `yaml:"limits"`

	// NativeTools names provider-executed tools to enable (e.g. web_search).
	NativeTools []string `yaml:"native_tools"`

	// Router configures message triage for ambient (non-directed) messages.
	Router router.Config `yaml:"router"`

	// Approvals configures the pending-action approval queue.
	Approvals approval.Config `yaml:"approvals"`

	// BlockStream configures progressive reply delivery.
	BlockStream BlockStreamConfig `yaml:"block_stream"`

	// Channels configures the chat surfaces.
	Channels ChannelsConfig `yaml:"channels"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds LLM provider connection settings.
type APIConfig struct {
	// BaseURL overrides the provider endpoint (default: Anthropic API).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Prefer the OS keyring or the
	// STEWARD_API_KEY environment variable over storing it here.
	APIKey string `yaml:"api_key"`

	// Model is the primary conversation model.
	Model string `yaml:"model"`

	// SmallModel is a cheap model for triage classification. Empty
	// falls back to Model.
	SmallModel string `yaml:"small_model"`

	// MaxOutputTokens caps generation length per provider call.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// BudgetConfig tunes history trimming before each provider call.
type BudgetConfig struct {
	// TokenLimit caps the estimated prompt size. Zero derives a limit
	// from the model's context window.
	TokenLimit int `yaml:"token_limit"`

	// MaxMessages caps raw history entries before token trimming.
	MaxMessages int `yaml:"max_messages"`
}

// LimitsConfig bounds a single orchestrator run.
type LimitsConfig struct {
	// MaxIterations caps provider round-trips per message.
	MaxIterations int `yaml:"max_iterations"`

	// ToolTimeoutSec bounds a single tool handler execution.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// ChannelsConfig groups chat surface settings.
type ChannelsConfig struct {
	Discord discord.Config `yaml:"discord"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with working defaults; only the API
// key and Discord token need to be supplied.
func DefaultConfig() *Config {
	return &Config{
		Name: "Steward",
		API: APIConfig{
			Model:           "claude-sonnet-4-5",
			MaxOutputTokens: 4096,
		},
		Retry:  DefaultRetryPolicy(),
		Budget: BudgetConfig{MaxMessages: 40},
		Limits: LimitsConfig{
			MaxIterations:  DefaultMaxIterations,
			ToolTimeoutSec: 30,
		},
		Router:      router.DefaultConfig(),
		Approvals:   approval.DefaultConfig(),
		BlockStream: DefaultBlockStreamConfig(),
		Channels: ChannelsConfig{
			Discord: discord.DefaultConfig(),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Options derives per-call orchestrator options from the config.
func (c *Config) Options(systemPrompt string) Options {
	return Options{
		SystemPrompt:       systemPrompt,
		Model:              c.API.Model,
		MaxIterations:      c.Limits.MaxIterations,
		NativeTools:        c.NativeTools,
		TokenLimit:         c.Budget.TokenLimit,
		MaxHistoryMessages: c.Budget.MaxMessages,
	}
}
