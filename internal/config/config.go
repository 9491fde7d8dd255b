package config

import (
	"errors"
	"fmt"
	"strings"

	"chat-client/internal/utils"
)

const (
	// EnvURL and EnvAnonKey are the two required settings.
	EnvURL     = "CHAT_BACKEND_URL"
	EnvAnonKey = "CHAT_BACKEND_ANON_KEY"

	// EnvSessionDB overrides where the persisted session lives.
	EnvSessionDB = "CHAT_SESSION_DB"

	minAnonKeyLen = 20
)

// Config holds the backend connection settings resolved at startup.
type Config struct {
	URL     string
	AnonKey string

	// SessionDBPath is the sqlite file used to persist the auth session
	// across restarts. Empty means in-memory only.
	SessionDBPath string
}

// Load resolves the backend settings from the environment and validates them.
// Absent or malformed settings are a startup error, not a mid-operation one.
func Load() (Config, error) {
	cfg := Config{
		URL:           utils.GetEnv(EnvURL, ""),
		AnonKey:       utils.GetEnv(EnvAnonKey, ""),
		SessionDBPath: utils.GetEnv(EnvSessionDB, "chat-session.db"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings without touching the network.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing backend credentials: %s must be set", EnvURL)
	}
	if c.AnonKey == "" {
		return fmt.Errorf("missing backend credentials: %s must be set", EnvAnonKey)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return errors.New("invalid backend URL format, must start with http(s)://")
	}
	if len(c.AnonKey) < minAnonKeyLen {
		return errors.New("invalid backend anon key")
	}
	return nil
}

// Describe returns a loggable description with the anon key redacted.
func (c Config) Describe() string {
	return fmt.Sprintf("Backend(url=%s, anonKey=%s)", c.URL, redacted(c.AnonKey))
}

func redacted(value string) string {
	if len(value) < 8 {
		return ""
	}
	return value[:4] + "..." + value[len(value)-4:]
}
