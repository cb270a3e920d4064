// Package approval implements the pending-action review queue. Triage
// decisions that would speak on the assistant's behalf (clarifying
// questions, drafted responses) are queued here with a time-to-live
// instead of being posted directly; a human approves, denies, or lets
// them expire. Persistence is SQLite so pending actions survive
// restarts, with a cron sweep marking expired entries.
package approval

// Config tunes the approval queue.
type Config struct {
	// Enabled turns the queue on/off. When off, queued action kinds
	// are dropped.
	Enabled bool `yaml:"enabled"`

	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	// SweepSchedule is the cron expression for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// DefaultTTLMin is the default minutes-to-live for queued actions.
	DefaultTTLMin int `yaml:"default_ttl_min"`
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		DBPath:        "./data/approvals.db",
		SweepSchedule: "@every 1m",
		DefaultTTLMin: 60,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if out.DBPath == "" {
		out.DBPath = "./data/approvals.db"
	}
	if out.SweepSchedule == "" {
		out.SweepSchedule = "@every 1m"
	}
	if out.DefaultTTLMin <= 0 {
		out.DefaultTTLMin = 60
	}
	return out
}
