package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/core"
)

var envKeys = []string{
	"PORT", "ALLOWED_ORIGINS", "MODEL_PROVIDER", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
	"MODEL_FAST", "MODEL_STANDARD", "MODEL_REASONING", "TURN_TIMEOUT", "KEEPALIVE_INTERVAL",
	"MAX_TOOL_ROUNDS", "MAX_HANDOFFS", "MAX_CONCURRENT_TURNS", "DEFAULT_AGENT",
	"ROUTER_MIN_CONFIDENCE", "FALLBACK_CONFIDENCE", "CHECKPOINT_DRIVER", "CHECKPOINT_DSN",
	"SESSION_TTL", "PRUNE_INTERVAL", "AGENTS_FILE", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every configuration variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	assert.Equal(t, 120*time.Second, cfg.Turn.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Turn.KeepaliveInterval)
	assert.Equal(t, 5, cfg.Turn.MaxToolRounds)
	assert.Equal(t, 3, cfg.Turn.MaxHandoffs)
	assert.Equal(t, core.AgentConsultant, cfg.Turn.DefaultAgent)
	assert.InDelta(t, 0.5, cfg.Turn.RouterMinConfidence, 1e-9)
	assert.InDelta(t, 0.7, cfg.Turn.FallbackConfidence, 1e-9)
	assert.Equal(t, DriverMemory, cfg.Checkpoint.Driver)
	assert.Equal(t, "./data/careflow.db", cfg.Checkpoint.DSN)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MODEL_PROVIDER", "Anthropic")
	t.Setenv("TURN_TIMEOUT", "45")
	t.Setenv("KEEPALIVE_INTERVAL", "5s")
	t.Setenv("MAX_TOOL_ROUNDS", "3")
	t.Setenv("DEFAULT_AGENT", "Triage")
	t.Setenv("ROUTER_MIN_CONFIDENCE", "0.65")
	t.Setenv("CHECKPOINT_DRIVER", "sqlite")
	t.Setenv("CHECKPOINT_DSN", "/tmp/cf.db")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, ProviderAnthropic, cfg.Model.Provider)
	assert.Equal(t, 45*time.Second, cfg.Turn.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Turn.KeepaliveInterval)
	assert.Equal(t, 3, cfg.Turn.MaxToolRounds)
	assert.Equal(t, core.AgentTriage, cfg.Turn.DefaultAgent)
	assert.InDelta(t, 0.65, cfg.Turn.RouterMinConfidence, 1e-9)
	assert.Equal(t, DriverSQLite, cfg.Checkpoint.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_HANDOFFS", "many")
	t.Setenv("TURN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Turn.MaxHandoffs)
	assert.Equal(t, 120*time.Second, cfg.Turn.Timeout)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"unknown provider", func(c *Config) { c.Model.Provider = "llama" }},
		{"zero timeout", func(c *Config) { c.Turn.Timeout = 0 }},
		{"zero tool rounds", func(c *Config) { c.Turn.MaxToolRounds = 0 }},
		{"negative handoffs", func(c *Config) { c.Turn.MaxHandoffs = -1 }},
		{"default agent human", func(c *Config) { c.Turn.DefaultAgent = core.AgentHuman }},
		{"confidence above one", func(c *Config) { c.Turn.RouterMinConfidence = 1.5 }},
		{"negative fallback", func(c *Config) { c.Turn.FallbackConfidence = -0.1 }},
		{"unknown driver", func(c *Config) { c.Checkpoint.Driver = "redis" }},
		{"sqlite without dsn", func(c *Config) { c.Checkpoint.Driver = DriverSQLite; c.Checkpoint.DSN = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsMock(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_PROVIDER", "mock")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsMock())
}
