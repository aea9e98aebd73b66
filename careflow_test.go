package careflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/config"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/engine"
	"github.com/hupe1980/careflow/model"
	"github.com/hupe1980/careflow/router"
	"github.com/hupe1980/careflow/stream"
	"github.com/hupe1980/careflow/tool/clinic"
)

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:  "0",
		Model: config.ModelConfig{Provider: config.ProviderMock},
		Turn: config.TurnConfig{
			Timeout:             5 * time.Second,
			MaxToolRounds:       5,
			MaxHandoffs:         3,
			MaxConcurrentTurns:  4,
			DefaultAgent:        core.AgentConsultant,
			RouterMinConfidence: 0.5,
			FallbackConfidence:  0.7,
		},
		Checkpoint: config.CheckpointConfig{Driver: config.DriverMemory},
	}
}

func TestNew_RequiresModels(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNew_ScriptedPharmacistTurn(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	f := model.NewMockFormatter()

	cf, err := New(func(o *Options) {
		o.Models = model.NewUniformSet(m)
		o.Formatter = f
		o.KeepaliveInterval = 0
	})
	require.NoError(t, err)
	defer func() { _ = cf.Close() }()

	f.Enqueue(map[string]any{"agent": "pharmacist", "confidence": 0.92}, nil)
	m.Enqueue(
		model.ToolCallScript(clinic.CheckDrugInteractionsName, map[string]any{"drugs": []any{"warfarin", "aspirin"}}),
		model.TextScript("Warfarin and aspirin together raise the bleeding risk."),
	)
	f.Enqueue(map[string]any{
		"final_response":   "Warfarin and aspirin together raise the bleeding risk.",
		"confidence_score": 0.85,
	}, nil)

	result, err := cf.Invoke(context.Background(), engine.Turn{SessionID: "s-ph", Message: "Can I take aspirin with warfarin?"})
	require.NoError(t, err)

	assert.Equal(t, "Warfarin and aspirin together raise the bleeding risk.", result["final_response"])
	meta, ok := result["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pharmacist", meta["agent"])
	assert.EqualValues(t, 1, meta["tool_calls"])

	st, err := cf.Session(context.Background(), "s-ph")
	require.NoError(t, err)
	assert.Equal(t, core.AgentPharmacist, st.CurrentAgent)
	assert.Contains(t, st.ToolOutputs, clinic.CheckDrugInteractionsName)
}

func TestNewFromConfig_MockProvider(t *testing.T) {
	cf, err := NewFromConfig(mockConfig(t))
	require.NoError(t, err)
	defer func() { _ = cf.Close() }()

	events, err := cf.Stream(context.Background(), engine.Turn{SessionID: "s-mock", Message: "Hello there"})
	require.NoError(t, err)

	var got []stream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, stream.TypeDone, got[len(got)-1].Type)

	var result *stream.Event
	for i := range got {
		if got[i].Type == stream.TypeResultJSON {
			result = &got[i]
		}
	}
	require.NotNil(t, result)
	answer, _ := result.Data["final_response"].(string)
	assert.Contains(t, answer, "Hello there")

	require.NoError(t, cf.DeleteSession(context.Background(), "s-mock"))
	_, err = cf.Session(context.Background(), "s-mock")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestNewFromConfig_SQLiteAndOverrides(t *testing.T) {
	dir := t.TempDir()
	agentsFile := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agentsFile, []byte(`
pharmacist:
  tier: reasoning
  tools: [check_drug_interactions]
`), 0o600))

	cfg := mockConfig(t)
	cfg.AgentsFile = agentsFile
	cfg.Checkpoint = config.CheckpointConfig{Driver: config.DriverSQLite, DSN: filepath.Join(dir, "cf.db")}

	cf, err := NewFromConfig(cfg)
	require.NoError(t, err)
	defer func() { _ = cf.Close() }()

	spec, err := cf.Catalog().Get(core.AgentPharmacist)
	require.NoError(t, err)
	assert.Equal(t, model.TierReasoning, spec.Tier)
	assert.Equal(t, []string{clinic.CheckDrugInteractionsName}, spec.Tools)

	_, err = cf.Invoke(context.Background(), engine.Turn{SessionID: "s-sql", Message: "Where is radiology?"})
	require.NoError(t, err)

	st, err := cf.Session(context.Background(), "s-sql")
	require.NoError(t, err)
	assert.Len(t, st.Messages, 2)
}

func TestNewFromConfig_UnknownOverrideTool(t *testing.T) {
	agentsFile := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(agentsFile, []byte("pharmacist:\n  tools: [teleport]\n"), 0o600))

	cfg := mockConfig(t)
	cfg.AgentsFile = agentsFile

	_, err := NewFromConfig(cfg)
	assert.Error(t, err)
}

func TestNewModelSet(t *testing.T) {
	for _, provider := range []string{config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderMock} {
		set, err := NewModelSet(config.ModelConfig{Provider: provider, OpenAIAPIKey: "test", AnthropicAPIKey: "test"})
		require.NoError(t, err, provider)
		assert.NoError(t, set.Validate())
		assert.NotNil(t, set.For(model.TierFast))
	}

	_, err := NewModelSet(config.ModelConfig{Provider: "llama"})
	assert.Error(t, err)
}

func TestNewStore_UnknownDriver(t *testing.T) {
	_, err := NewStore(config.CheckpointConfig{Driver: "redis"})
	assert.Error(t, err)
}

func TestEchoFormatter(t *testing.T) {
	f := NewEchoFormatter(core.AgentMarketing)

	obj, err := f.Format(context.Background(), model.FormatRequest{Schema: model.Schema{Name: router.DecisionSchemaName}})
	require.NoError(t, err)
	assert.Equal(t, "marketing", obj["agent"])

	obj, err = f.Format(context.Background(), model.FormatRequest{Text: "plain answer", Schema: model.Schema{Name: "pharmacist_response"}})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", obj["final_response"])
}

func TestTools(t *testing.T) {
	cf, err := NewFromConfig(mockConfig(t))
	require.NoError(t, err)
	defer func() { _ = cf.Close() }()

	names := strings.Join(cf.Tools(), ",")
	assert.Contains(t, names, clinic.TriggerEmergencyAlertName)
	assert.Contains(t, names, "transfer_to_agent")
}
