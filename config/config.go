// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/careflow/core"
)

// Model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Checkpoint drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string

	Model      ModelConfig
	Turn       TurnConfig
	Checkpoint CheckpointConfig

	// AgentsFile optionally points at a YAML file overriding agent specs.
	AgentsFile string

	LogLevel  string
	LogFormat string
}

// ModelConfig selects the model provider and the model id per tier.
type ModelConfig struct {
	Provider        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Fast            string
	Standard        string
	Reasoning       string
}

// TurnConfig bounds a single turn.
type TurnConfig struct {
	Timeout             time.Duration
	KeepaliveInterval   time.Duration
	MaxToolRounds       int
	MaxHandoffs         int
	MaxConcurrentTurns  int
	DefaultAgent        core.AgentName
	RouterMinConfidence float64
	FallbackConfidence  float64
}

// CheckpointConfig selects the session store.
type CheckpointConfig struct {
	Driver        string
	DSN           string
	TTL           time.Duration
	PruneInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		Model: ModelConfig{
			Provider:        strings.ToLower(getEnv("MODEL_PROVIDER", ProviderOpenAI)),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			Fast:            getEnv("MODEL_FAST", ""),
			Standard:        getEnv("MODEL_STANDARD", ""),
			Reasoning:       getEnv("MODEL_REASONING", ""),
		},
		Turn: TurnConfig{
			Timeout:             getEnvDuration("TURN_TIMEOUT", 120*time.Second),
			KeepaliveInterval:   getEnvDuration("KEEPALIVE_INTERVAL", 15*time.Second),
			MaxToolRounds:       getEnvInt("MAX_TOOL_ROUNDS", 5),
			MaxHandoffs:         getEnvInt("MAX_HANDOFFS", 3),
			MaxConcurrentTurns:  getEnvInt("MAX_CONCURRENT_TURNS", 64),
			DefaultAgent:        core.AgentName(strings.ToLower(getEnv("DEFAULT_AGENT", string(core.AgentConsultant)))),
			RouterMinConfidence: getEnvFloat("ROUTER_MIN_CONFIDENCE", 0.5),
			FallbackConfidence:  getEnvFloat("FALLBACK_CONFIDENCE", core.DefaultFallbackConfidence),
		},
		Checkpoint: CheckpointConfig{
			Driver:        strings.ToLower(getEnv("CHECKPOINT_DRIVER", DriverMemory)),
			DSN:           getEnv("CHECKPOINT_DSN", "./data/careflow.db"),
			TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
			PruneInterval: getEnvDuration("PRUNE_INTERVAL", 10*time.Minute),
		},
		AgentsFile: getEnv("AGENTS_FILE", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderMock:
	default:
		return fmt.Errorf("MODEL_PROVIDER must be one of openai, anthropic, mock (got %q)", c.Model.Provider)
	}

	if c.Turn.Timeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be > 0")
	}
	if c.Turn.KeepaliveInterval < 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be >= 0")
	}
	if c.Turn.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.Turn.MaxHandoffs < 0 {
		return fmt.Errorf("MAX_HANDOFFS must be >= 0")
	}
	if c.Turn.MaxConcurrentTurns < 0 {
		return fmt.Errorf("MAX_CONCURRENT_TURNS must be >= 0")
	}
	if !c.Turn.DefaultAgent.IsSpecialist() {
		return fmt.Errorf("DEFAULT_AGENT %q is not a specialist agent", c.Turn.DefaultAgent)
	}
	if c.Turn.RouterMinConfidence < 0 || c.Turn.RouterMinConfidence > 1 {
		return fmt.Errorf("ROUTER_MIN_CONFIDENCE must be within [0,1]")
	}
	if c.Turn.FallbackConfidence < 0 || c.Turn.FallbackConfidence > 1 {
		return fmt.Errorf("FALLBACK_CONFIDENCE must be within [0,1]")
	}

	switch c.Checkpoint.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("CHECKPOINT_DSN cannot be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("CHECKPOINT_DRIVER must be memory or sqlite (got %q)", c.Checkpoint.Driver)
	}
	if c.Checkpoint.TTL < 0 || c.Checkpoint.PruneInterval < 0 {
		return fmt.Errorf("SESSION_TTL and PRUNE_INTERVAL must be >= 0")
	}

	return nil
}

// IsMock reports whether the scripted mock model is configured.
func (c *Config) IsMock() bool { return c.Model.Provider == ProviderMock }

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") and plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
