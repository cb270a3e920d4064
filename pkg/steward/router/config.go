package router

// Config tunes the triage pipeline.
type Config struct {
	// Enabled turns ambient message triage on/off.
	Enabled bool `yaml:"enabled"`

	// Model is the classification model. Falls back to the caller's
	// small model when empty.
	Model string `yaml:"model"`

	// Strategies orders the triage stages. Valid entries: quick_match,
	// llm. Default: both, in that order.
	Strategies []string `yaml:"strategies"`

	// Rules is the deterministic quick-match table, evaluated in order.
	Rules []Rule `yaml:"rules"`

	// MaxContentChars truncates message text before classification to
	// bound prompt cost.
	MaxContentChars int `yaml:"max_content_chars"`
}

// Rule is one deterministic quick-match entry.
type Rule struct {
	// Match selects the comparison: exact, prefix, contains, regex.
	Match string `yaml:"match"`

	// Pattern is the text or expression to match, case-insensitive for
	// the non-regex kinds.
	Pattern string `yaml:"pattern"`

	// Action is the resulting plan kind: ignore, react, clarify, respond.
	Action string `yaml:"action"`

	// Emoji is the reaction for react actions.
	Emoji string `yaml:"emoji"`

	// Question is the canned question for clarify actions.
	Question string `yaml:"question"`

	// ToolSets names tool categories for respond actions.
	ToolSets []string `yaml:"tool_sets"`

	// Reason annotates the resulting plan.
	Reason string `yaml:"reason"`
}

// DefaultConfig returns a Config with a starter rule table: bare
// gratitude gets a reaction, explicit help requests get a clarifying
// question, and link-only drops are left alone.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Strategies: []string{"quick_match", "llm"},
		Rules: []Rule{
			{
				Match:   "regex",
				Pattern: `^(thanks|thank you|thx|ty)[.! ]*$`,
				Action:  "react",
				Emoji:   "👍",
				Reason:  "bare gratitude",
			},
			{
				Match:    "contains",
				Pattern:  "bot help",
				Action:   "clarify",
				Question: "Happy to help! What do you need a hand with?",
				Reason:   "explicit help request",
			},
			{
				Match:   "regex",
				Pattern: `^\s*https?://\S+\s*$`,
				Action:  "ignore",
				Reason:  "link-only message",
			},
		},
		MaxContentChars: 2000,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if len(out.Strategies) == 0 {
		out.Strategies = []string{"quick_match", "llm"}
	}
	if out.MaxContentChars <= 0 {
		out.MaxContentChars = 2000
	}
	return out
}
