package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/core"
)

func userReq(text string, stream bool) Request {
	return Request{Contents: []core.Content{core.NewTextContent(core.RoleUser, text)}, Stream: stream}
}

func TestComplete_StreamsTokensAndReturnsTextResult(t *testing.T) {
	m := NewMockModel("mock", "test").Enqueue(TextScript("hello there world"))

	var tokens []string
	comp, err := Complete(context.Background(), m, userReq("hi", true), func(s string) error {
		tokens = append(tokens, s)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hello ", "there ", "world"}, tokens)
	tr, ok := comp.Result.(TextResult)
	require.True(t, ok)
	assert.Equal(t, "hello there world", tr.Text)
	assert.Equal(t, "stop", comp.FinishReason)
}

func TestComplete_ToolCallResult(t *testing.T) {
	m := NewMockModel("mock", "test").Enqueue(ToolCallScript("trigger_emergency_alert", map[string]any{"severity": "CODE_RED"}))

	comp, err := Complete(context.Background(), m, userReq("chest pain", false), nil)
	require.NoError(t, err)

	tc, ok := comp.Result.(ToolCallResult)
	require.True(t, ok)
	require.Len(t, tc.Calls, 1)
	assert.Equal(t, "trigger_emergency_alert", tc.Calls[0].Function.Name)

	args, err := DecodeArguments(tc.Calls[0].Function.Arguments)
	require.NoError(t, err)
	assert.Equal(t, "CODE_RED", args["severity"])
}

func TestComplete_PropagatesModelError(t *testing.T) {
	boom := errors.New("upstream 503")
	m := NewMockModel("mock", "test").Enqueue(Script{Err: boom})

	_, err := Complete(context.Background(), m, userReq("x", false), nil)
	assert.ErrorIs(t, err, boom)
}

func TestComplete_HonoursCancellation(t *testing.T) {
	m := NewMockModel("mock", "test").Enqueue(Script{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Complete(ctx, m, userReq("x", true), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockModel_FallsBackToCannedResponses(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("ping", "pong")

	comp, err := Complete(context.Background(), m, userReq("ping", false), nil)
	require.NoError(t, err)
	assert.Equal(t, TextResult{Text: "pong"}, comp.Result)
	assert.Equal(t, 1, m.CallCount())
}

func TestNewResult(t *testing.T) {
	res := NewResult(core.NewTextContent(core.RoleAssistant, "plain"))
	assert.Equal(t, ResultText, res.Kind())

	content := ToolCallsContent(ToolCallResult{Text: "checking", Calls: []ToolCall{NewToolCall("lookup_patient", nil)}})
	res = NewResult(content)
	require.Equal(t, ResultToolCall, res.Kind())
	tc := res.(ToolCallResult)
	assert.Equal(t, "checking", tc.Text)
	assert.JSONEq(t, "{}", string(tc.Calls[0].Function.Arguments))
}

func TestSchemaFormatter(t *testing.T) {
	schema := Schema{
		Name: "triage_response",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"final_response", "triage_code"},
			"properties": map[string]any{
				"final_response": map[string]any{"type": "string"},
				"triage_code":    map[string]any{"type": "string", "enum": []string{"CODE_BLUE", "CODE_RED", "CODE_YELLOW", "CODE_GREEN"}},
			},
		},
	}

	t.Run("valid", func(t *testing.T) {
		m := NewMockModel("mock", "test").Enqueue(Script{Text: "```json\n{\"final_response\":\"go now\",\"triage_code\":\"CODE_RED\"}\n```"})
		obj, err := NewSchemaFormatter(m).Format(context.Background(), FormatRequest{Text: "severe chest pain", Schema: schema})
		require.NoError(t, err)
		assert.Equal(t, "CODE_RED", obj["triage_code"])

		reqs := m.Requests()
		require.Len(t, reqs, 1)
		assert.Contains(t, reqs[0].Instructions, "triage_response")
		require.NotNil(t, reqs[0].Temperature)
		assert.Equal(t, 0.0, *reqs[0].Temperature)
	})

	t.Run("schema violation", func(t *testing.T) {
		m := NewMockModel("mock", "test").Enqueue(Script{Text: `{"final_response":"go now","triage_code":"CODE_PINK"}`})
		_, err := NewSchemaFormatter(m).Format(context.Background(), FormatRequest{Text: "x", Schema: schema})
		assert.Equal(t, core.CodeStructuredOutputError, core.CodeOf(err))
	})

	t.Run("no json", func(t *testing.T) {
		m := NewMockModel("mock", "test").Enqueue(Script{Text: "I cannot do that"})
		_, err := NewSchemaFormatter(m).Format(context.Background(), FormatRequest{Text: "x", Schema: schema})
		assert.Equal(t, core.CodeStructuredOutputError, core.CodeOf(err))
	})
}

func TestMockFormatter(t *testing.T) {
	f := NewMockFormatter().Enqueue(map[string]any{"a": 1}, nil)
	obj, err := f.Format(context.Background(), FormatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, obj["a"])

	_, err = f.Format(context.Background(), FormatRequest{})
	assert.ErrorIs(t, err, ErrNoScript)
	assert.Len(t, f.Requests(), 2)
}

func TestSet_For(t *testing.T) {
	fast := NewMockModel("fast", "test")
	std := NewMockModel("std", "test")

	s := Set{Fast: fast, Standard: std}
	assert.Same(t, fast, s.For(TierFast))
	assert.Same(t, std, s.For(TierReasoning))
	assert.Same(t, std, s.For(TierStandard))
	assert.NoError(t, s.Validate())
	assert.Error(t, Set{}.Validate())

	tier, err := ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierStandard, tier)
	_, err = ParseTier("turbo")
	assert.Error(t, err)
}
