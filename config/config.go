// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Agent execution modes.
const (
	ModeAPI = "api" // direct model API with the in-process tool loop
	ModeCLI = "cli" // delegate turns to an external agent binary
)

// Config is the fully resolved server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DBPath is the SQLite database file.
	DBPath string
	// WorkspaceDir is the parent directory for session workspaces.
	WorkspaceDir string
	// JWTSecret signs auth tokens.
	JWTSecret string
	// SessionTTL is how long an idle session survives before sweeping.
	SessionTTL time.Duration
	// MaxIterations caps model calls per turn in API mode.
	MaxIterations int

	// AgentMode selects ModeAPI or ModeCLI.
	AgentMode string
	// AgentBin is the external agent executable for CLI mode.
	AgentBin string
	// AgentTimeout bounds one CLI-mode run by wall clock.
	AgentTimeout time.Duration

	// Provider is "anthropic" or "openai".
	Provider string
	// AnthropicAPIKey authenticates against the Anthropic API.
	AnthropicAPIKey string
	// OpenAIAPIKey authenticates against the OpenAI API.
	OpenAIAPIKey string
	// Model overrides the provider's default model when non-empty.
	Model string

	// GitToken, when set, is injected into clone URLs. Never logged.
	GitToken string

	// LogLevel is the slog level for the process.
	LogLevel slog.Level
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getEnv("PATCHBAY_ADDR", ":8080"),
		DBPath:          getEnv("PATCHBAY_DB_PATH", "patchbay.db"),
		WorkspaceDir:    getEnv("PATCHBAY_WORKSPACE_DIR", "workspaces"),
		JWTSecret:       os.Getenv("PATCHBAY_JWT_SECRET"),
		SessionTTL:      getEnvDuration("PATCHBAY_SESSION_TTL", 24*time.Hour),
		MaxIterations:   getEnvInt("PATCHBAY_MAX_ITERATIONS", 25),
		AgentMode:       getEnv("PATCHBAY_AGENT_MODE", ModeAPI),
		AgentBin:        getEnv("PATCHBAY_AGENT_BIN", "claude"),
		AgentTimeout:    getEnvDuration("PATCHBAY_AGENT_TIMEOUT", 300*time.Second),
		Provider:        getEnv("PATCHBAY_PROVIDER", "anthropic"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		Model:           os.Getenv("PATCHBAY_MODEL"),
		GitToken:        os.Getenv("GIT_TOKEN"),
		LogLevel:        parseLevel(getEnv("PATCHBAY_LOG_LEVEL", "info")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent or missing
// values.
func (c *Config) Validate() error {
	switch c.AgentMode {
	case ModeAPI, ModeCLI:
	default:
		return fmt.Errorf("invalid PATCHBAY_AGENT_MODE %q, want %q or %q", c.AgentMode, ModeAPI, ModeCLI)
	}
	if c.AgentMode == ModeAPI {
		switch c.Provider {
		case "anthropic":
			if c.AnthropicAPIKey == "" {
				return fmt.Errorf("ANTHROPIC_API_KEY must be set in api mode with the anthropic provider")
			}
		case "openai":
			if c.OpenAIAPIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY must be set in api mode with the openai provider")
			}
		default:
			return fmt.Errorf("invalid PATCHBAY_PROVIDER %q, want anthropic or openai", c.Provider)
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("PATCHBAY_JWT_SECRET must be set")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("PATCHBAY_MAX_ITERATIONS must be positive, got %d", c.MaxIterations)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("PATCHBAY_SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
