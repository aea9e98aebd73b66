package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseFromMap(t *testing.T) {
	m := map[string]any{
		"thinking_progress": []any{"reading symptoms", "checking history"},
		"final_response":    "Please go to the emergency department.",
		"confidence_score":  json.Number("1.4"),
		"triage_code":       "CODE_RED",
		"ui_action":         map[string]any{"type": "booking_form", "department": "cardiology"},
	}

	r := ResponseFromMap(m, DefaultFallbackConfidence)

	assert.Equal(t, []string{"reading symptoms", "checking history"}, r.ThinkingProgress)
	assert.Equal(t, "Please go to the emergency department.", r.FinalResponse)
	assert.Equal(t, 1.0, r.ConfidenceScore)
	assert.Equal(t, "CODE_RED", r.StringField("triage_code"))
	require.NotNil(t, r.UIAction)
	assert.Equal(t, "booking_form", r.UIAction.Type)
	assert.Equal(t, "cardiology", r.UIAction.Payload["department"])
	assert.NotContains(t, r.Fields, "ui_action")
}

func TestResponseFromMap_DefaultConfidence(t *testing.T) {
	r := ResponseFromMap(map[string]any{"final_response": "ok", "confidence_score": "n/a"}, 0.7)
	assert.Equal(t, 0.7, r.ConfidenceScore)
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   float64
		wantOK bool
	}{
		{"float64", 0.5, 0.5, true},
		{"int", 1, 1, true},
		{"json number", json.Number("0.25"), 0.25, true},
		{"string", " 0.8 ", 0.8, true},
		{"garbage string", "high", 0, false},
		{"nan string", "NaN", 0, false},
		{"inf string", "+Inf", 0, false},
		{"nan float", math.NaN(), 0, false},
		{"inf float", math.Inf(-1), 0, false},
		{"nan json number", json.Number("NaN"), 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponseFromMap_NonFiniteConfidence(t *testing.T) {
	for _, v := range []any{"NaN", "Infinity", "-inf", math.NaN()} {
		r := ResponseFromMap(map[string]any{"final_response": "ok", "confidence_score": v}, DefaultFallbackConfidence)
		assert.Equal(t, DefaultFallbackConfidence, r.ConfidenceScore, "value %v", v)

		_, err := json.Marshal(r.Payload())
		require.NoError(t, err)
	}
}

func TestStructuredResponse_PayloadOmitsProcessKeys(t *testing.T) {
	r := &StructuredResponse{
		ThinkingProgress: []string{"step"},
		FinalResponse:    "done",
		ConfidenceScore:  0.8,
		Fields:           map[string]any{"matched_departments": []any{"cardiology"}},
		UIAction:         &UIAction{Type: "booking_form"},
	}

	p := r.Payload()
	assert.Equal(t, "done", p["final_response"])
	assert.Equal(t, 0.8, p["confidence_score"])
	assert.NotContains(t, p, "thinking_progress")
	assert.NotContains(t, p, "ui_action")

	full := r.Map()
	assert.Contains(t, full, "thinking_progress")
	assert.Equal(t, map[string]any{"type": "booking_form"}, full["ui_action"])
}

func TestFallbackResponse(t *testing.T) {
	r := FallbackResponse("  raw text  ", DefaultFallbackConfidence)
	assert.True(t, r.Fallback)
	assert.Equal(t, "raw text", r.FinalResponse)
	assert.Equal(t, 0.7, r.ConfidenceScore)
	assert.Empty(t, r.Fields)
}

func TestParseUIAction(t *testing.T) {
	assert.Nil(t, ParseUIAction(nil))
	assert.Nil(t, ParseUIAction(map[string]any{"payload": map[string]any{}}))
	a := ParseUIAction(map[string]any{"type": "lab_viewer", "payload": map[string]any{"order_id": "o1"}})
	require.NotNil(t, a)
	assert.Equal(t, "lab_viewer", a.Type)
	assert.Equal(t, "o1", a.Payload["order_id"])

	b := ParseUIAction(UIAction{Type: "lab_viewer", Payload: map[string]any{"order_id": "o1"}})
	assert.Equal(t, a.Key(), b.Key())
}

func TestStructuredResponse_CloneIsDeep(t *testing.T) {
	r := &StructuredResponse{Fields: map[string]any{"k": []any{"v"}}, UIAction: &UIAction{Type: "x", Payload: map[string]any{"a": 1}}}
	c := r.Clone()
	c.Fields["k"].([]any)[0] = "changed"
	c.UIAction.Payload["a"] = 2
	assert.Equal(t, "v", r.Fields["k"].([]any)[0])
	assert.Equal(t, 1, r.UIAction.Payload["a"])
}
