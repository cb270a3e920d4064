// Package assistant – loader.go loads configuration from YAML with
// environment variable expansion and .env support.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config
// values: ${VAR}, ${VAR:-default}, and bare $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// .env files next to the config and in the working directory are
// loaded first, and ${VAR} references in the YAML are expanded.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML with owner-only permissions.
// Secret fields are replaced with environment variable references so
// plaintext credentials never land on disk.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.API.APIKey != "" {
		sanitized.API.APIKey = "${STEWARD_API_KEY}"
	}
	if sanitized.Channels.Discord.Token != "" {
		sanitized.Channels.Discord.Token = "${DISCORD_BOT_TOKEN}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// loadEnvFiles loads .env files, silently ignoring missing ones.
func loadEnvFiles(configDir string) {
	_ = godotenv.Load()
	if configDir != "" && configDir != "." {
		_ = godotenv.Load(filepath.Join(configDir, ".env"))
	}
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default}, and $VAR
// references with environment values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[3]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return groups[2] // default, possibly empty
	})
}

// resolveSecrets fills empty secret fields from well-known environment
// variables so credentials never have to live in the YAML.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" {
		if key := os.Getenv("STEWARD_API_KEY"); key != "" {
			cfg.API.APIKey = key
		} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.API.APIKey = key
		}
	}
	if cfg.Channels.Discord.Token == "" {
		if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
			cfg.Channels.Discord.Token = tok
		}
	}
}
