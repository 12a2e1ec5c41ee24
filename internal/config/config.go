// Package config handles loading and validating configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration.
type Config struct {
	// OpenAIKey and AnthropicKey enable the matching builtin providers.
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	// OllamaHost enables the local ollama builtin and sets its endpoint
	// (host:port or a full URL).
	OllamaHost string `env:"OLLAMA_HOST"`

	// Model is the default model id for runs.
	Model string `env:"PIXY_MODEL" envDefault:"gpt-4o-mini"`
	// API is the wire protocol family used to look up the provider.
	API string `env:"PIXY_API" envDefault:"openai-completions"`
	// FallbackModels are tried in order when the primary model fails.
	FallbackModels []string `env:"PIXY_FALLBACK_MODELS" envSeparator:","`

	// RetryAttempts bounds provider attempts per call, including the first.
	RetryAttempts int `env:"PIXY_RETRY_ATTEMPTS" envDefault:"3"`
	// RetryInitialBackoff is the delay before the first retry; it doubles per retry.
	RetryInitialBackoff time.Duration `env:"PIXY_RETRY_INITIAL_BACKOFF" envDefault:"200ms"`
	// RetryMaxBackoff caps the retry delay.
	RetryMaxBackoff time.Duration `env:"PIXY_RETRY_MAX_BACKOFF" envDefault:"2s"`
	// ProviderRateLimit is the maximum provider attempts per second (0 = unlimited).
	ProviderRateLimit float64 `env:"PIXY_PROVIDER_RATE_LIMIT" envDefault:"0"`

	// MaxTurns bounds assistant requests per run (0 = unlimited).
	MaxTurns int `env:"PIXY_MAX_TURNS" envDefault:"0"`
	// MaxTokens bounds cumulative tokens per run (0 = unlimited).
	MaxTokens int `env:"PIXY_MAX_TOKENS" envDefault:"0"`
	// QueueMode is interrupt or enqueue.
	QueueMode string `env:"PIXY_QUEUE_MODE" envDefault:"enqueue"`
	// ToolOutputLimit truncates tool output text sent back to the model (0 = unlimited).
	ToolOutputLimit int `env:"PIXY_TOOL_OUTPUT_LIMIT" envDefault:"30000"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `env:"PIXY_LOG_LEVEL" envDefault:"info"`
	// LogJSON selects JSON log output.
	LogJSON bool `env:"PIXY_LOG_JSON" envDefault:"false"`
	// MetricsAddr serves /metrics and /healthz when non-empty (e.g. :9090).
	MetricsAddr string `env:"PIXY_METRICS_ADDR"`
}

// Load reads configuration from environment variables.
// It loads .env file if present, but environment variables take precedence.
func Load() (*Config, error) {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum and range constraints.
func (c *Config) Validate() error {
	if c.Model == "" {
		return errors.New("PIXY_MODEL is required")
	}
	if c.API == "" {
		return errors.New("PIXY_API is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("PIXY_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryInitialBackoff < 0 || c.RetryMaxBackoff < 0 {
		return errors.New("retry backoff must not be negative")
	}
	if c.MaxTurns < 0 || c.MaxTokens < 0 {
		return errors.New("PIXY_MAX_TURNS and PIXY_MAX_TOKENS must not be negative")
	}
	if c.ProviderRateLimit < 0 {
		return errors.New("PIXY_PROVIDER_RATE_LIMIT must not be negative")
	}
	switch c.QueueMode {
	case "interrupt", "enqueue":
	default:
		return fmt.Errorf("PIXY_QUEUE_MODE must be interrupt or enqueue, got %q", c.QueueMode)
	}
	return nil
}

// OllamaEndpoint returns OllamaHost as a URL, defaulting the scheme to http.
func (c *Config) OllamaEndpoint() string {
	host := strings.TrimRight(strings.TrimSpace(c.OllamaHost), "/")
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "http://" + host
}

// ProviderKeys returns the configured API keys by gollm provider name.
func (c *Config) ProviderKeys() map[string]string {
	keys := make(map[string]string)
	if c.OpenAIKey != "" {
		keys["openai"] = c.OpenAIKey
	}
	if c.AnthropicKey != "" {
		keys["anthropic"] = c.AnthropicKey
	}
	if c.OllamaHost != "" {
		keys["ollama"] = ""
	}
	return keys
}
