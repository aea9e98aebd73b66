package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CloneIsDeep(t *testing.T) {
	s := NewState("s1")
	s.AppendMessage(NewUserMessage("hello"))
	s.PatientContext = map[string]any{"allergies": []any{"penicillin"}}
	s.SetConfidence(0.4)

	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.PatientContext["allergies"].([]any)[0] = "none"
	*c.ConfidenceScore = 0.9
	c.SetToolOutput("x", 1)

	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.Equal(t, "penicillin", s.PatientContext["allergies"].([]any)[0])
	assert.InDelta(t, 0.4, *s.ConfidenceScore, 1e-9)
	assert.NotContains(t, s.ToolOutputs, "x")
}

func TestState_SetConfidenceClamps(t *testing.T) {
	s := NewState("s1")
	s.SetConfidence(1.7)
	assert.Equal(t, 1.0, *s.ConfidenceScore)
	s.SetConfidence(-2)
	assert.Equal(t, 0.0, *s.ConfidenceScore)
}

func TestClampConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 0.42, 0.42},
		{"below", -0.1, 0},
		{"above", 3, 1},
		{"positive infinity", math.Inf(1), 1},
		{"negative infinity", math.Inf(-1), 0},
		{"nan", math.NaN(), DefaultFallbackConfidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampConfidence(tt.in))
		})
	}
}

func TestState_SetConfidenceNaNMarshals(t *testing.T) {
	s := NewState("s1")
	s.SetConfidence(math.NaN())
	require.NotNil(t, s.ConfidenceScore)
	assert.Equal(t, DefaultFallbackConfidence, *s.ConfidenceScore)

	_, err := json.Marshal(s)
	require.NoError(t, err)
}

func TestState_SetTriageCode(t *testing.T) {
	s := NewState("s1")
	assert.True(t, s.SetTriageCode("code_red"))
	assert.Equal(t, CodeRed, s.TriageCode)
	assert.False(t, s.SetTriageCode("CODE_PURPLE"))
	assert.Equal(t, CodeRed, s.TriageCode)
}

func TestState_LastUserMessage(t *testing.T) {
	s := NewState("s1")
	assert.Empty(t, s.LastUserMessage())
	s.AppendMessage(NewUserMessage("first"))
	s.AppendMessage(NewAssistantMessage(AgentConsultant, "reply to first"))
	s.AppendMessage(NewUserMessage("second"))
	assert.Equal(t, "second", s.LastUserMessage())
}

func TestAgentName_Parse(t *testing.T) {
	tests := []struct {
		in    string
		want  AgentName
		valid bool
	}{
		{"Triage", AgentTriage, true},
		{" pharmacist ", AgentPharmacist, true},
		{"human", AgentHuman, true},
		{"end", AgentEnd, true},
		{"surgeon", AgentName("surgeon"), false},
		{"", AgentName(""), false},
	}
	for _, tt := range tests {
		got, ok := ParseAgentName(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.valid, ok, tt.in)
	}
	assert.False(t, AgentHuman.IsSpecialist())
	assert.True(t, AgentSummarize.IsSpecialist())
}

func TestMergeMissing(t *testing.T) {
	dst := map[string]any{"a": 1, "b": nil}
	MergeMissing(dst, map[string]any{"a": 2, "b": 3, "c": 4})
	require.Len(t, dst, 3)
	assert.Equal(t, 1, dst["a"])
	assert.Equal(t, 3, dst["b"])
	assert.Equal(t, 4, dst["c"])
}

func TestState_ResetTurn(t *testing.T) {
	s := NewState("s1")
	s.AppendMessage(NewUserMessage("hello"))
	s.NextAgent = AgentPharmacist
	s.Error = "boom"
	s.RequiresHumanIntervention = true
	s.InterventionReason = "distress"
	s.TriageCode = CodeRed
	s.SetConfidence(0.9)
	s.SetToolOutput("lookup_patient", "x")

	s.ResetTurn()

	assert.Empty(t, s.NextAgent)
	assert.Empty(t, s.Error)
	assert.False(t, s.RequiresHumanIntervention)
	assert.Empty(t, s.InterventionReason)
	assert.Empty(t, s.ToolOutputs)
	assert.Empty(t, s.TriageCode)
	assert.Nil(t, s.ConfidenceScore)
	assert.Len(t, s.Messages, 1)
}
