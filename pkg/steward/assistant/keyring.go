// Package assistant – keyring.go provides credential storage using the
// operating system's native keyring (Linux: Secret Service, macOS:
// Keychain, Windows: Credential Manager).
//
// Resolution order for the API key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Config/env value (already resolved by the loader)
package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "steward"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"

	// keyringDiscordToken is the key name for the Discord bot token.
	keyringDiscordToken = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, empty if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	const testKey = "steward_keyring_test"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills credential fields from the OS keyring when the
// loader left them empty.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey == "" {
		if val := GetKeyring(keyringAPIKey); val != "" {
			cfg.API.APIKey = val
			logger.Debug("API key loaded from OS keyring")
		}
	}
	if cfg.Channels.Discord.Token == "" {
		if val := GetKeyring(keyringDiscordToken); val != "" {
			cfg.Channels.Discord.Token = val
			logger.Debug("Discord token loaded from OS keyring")
		}
	}
	if cfg.API.APIKey == "" {
		logger.Warn("no API key found. Set one with: steward setup")
	}
}

// ReadPassword reads a secret from stdin without echo, falling back to
// plain reading for piped input.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(password)), nil
	}

	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// MigrateKeyToKeyring moves an API key into the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "you can now remove it from .env and steward.yaml")
	return nil
}
