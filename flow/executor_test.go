package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/internal/testutil"
	"github.com/hupe1980/careflow/model"
	"github.com/hupe1980/careflow/tool"
)

func testSpec(name core.AgentName, tools ...string) *agent.Spec {
	return &agent.Spec{
		Name:        name,
		Instruction: agent.NewInstructionFromText("You are the {{.agent}} agent."),
		Tools:       tools,
		Tier:        model.TierStandard,
		Schema: agent.ResponseSchema("test_response", "test", map[string]any{
			"dosage_guidance":   map[string]any{"type": "string"},
			"drug_interactions": map[string]any{"type": "array"},
		}),
		Discriminators: []string{"drug_interactions"},
	}
}

func newTestRunCtx(ctx context.Context, state *core.State, name core.AgentName) (*core.RunContext, chan core.Event) {
	emit := make(chan core.Event, 512)
	return core.NewRunContext(ctx, "turn-1", state, emit, nil).WithAgent(name), emit
}

func recordingTool(name string, calls *[]string) tool.Tool {
	return tool.NewFunctionTool(name, name, map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		*calls = append(*calls, name)
		return args["text"], nil
	})
}

func eventsOf(emit chan core.Event) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-emit:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []core.Event) []core.EventKind {
	out := make([]core.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestExecutor_TextAnswerIsFormatted(t *testing.T) {
	m := model.NewMockModel("m", "mock").Enqueue(model.TextScript("Take metformin with food."))
	f := model.NewMockFormatter().Enqueue(map[string]any{
		"final_response":   "Take metformin with food.",
		"confidence_score": 0.9,
		"dosage_guidance":  "500 mg twice daily",
	}, nil)

	state := testutil.NewStateBuilder("s1").User("How do I take metformin?").Build()
	rc, emit := newTestRunCtx(context.Background(), state, core.AgentPharmacist)

	res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentPharmacist))
	require.NoError(t, err)

	assert.Equal(t, SourceFormatted, res.Source)
	assert.Equal(t, "Take metformin with food.", res.Response.FinalResponse)
	assert.Equal(t, "500 mg twice daily", res.Response.StringField("dosage_guidance"))
	assert.Zero(t, res.Rounds)

	require.NotNil(t, state.ConfidenceScore)
	assert.InDelta(t, 0.9, *state.ConfidenceScore, 1e-9)
	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Equal(t, string(core.AgentPharmacist), last.Agent)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Stream)
	assert.Equal(t, "You are the pharmacist agent.", reqs[0].Instructions)
	assert.Empty(t, reqs[0].Tools)

	require.Len(t, f.Requests(), 1)
	assert.Equal(t, "test_response", f.Requests()[0].Schema.Name)

	var tokens strings.Builder
	evs := eventsOf(emit)
	for _, ev := range evs {
		if ev.Kind == core.EventToken {
			tokens.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Take metformin with food.", tokens.String())
	assert.Contains(t, kinds(evs), core.EventNodeStart)
	assert.Contains(t, kinds(evs), core.EventNodeEnd)
}

func TestExecutor_ToolLoop(t *testing.T) {
	var calls []string
	reg, err := tool.NewRegistry(recordingTool("check_drug_interactions", &calls))
	require.NoError(t, err)

	m := model.NewMockModel("m", "mock").Enqueue(
		model.ToolCallScript("check_drug_interactions", map[string]any{"text": "warfarin+aspirin: major"}),
		model.TextScript("There is a major interaction."),
	)
	f := model.NewMockFormatter().Enqueue(map[string]any{
		"final_response":   "There is a major interaction.",
		"confidence_score": 0.95,
	}, nil)

	state := testutil.NewStateBuilder("s1").User("Can I take aspirin with warfarin?").Build()
	rc, emit := newTestRunCtx(context.Background(), state, core.AgentPharmacist)

	res, err := NewExecutor(model.NewUniformSet(m), f, reg).Run(rc, testSpec(core.AgentPharmacist, "check_drug_interactions"))
	require.NoError(t, err)

	assert.Equal(t, []string{"check_drug_interactions"}, calls)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.ToolCalls)
	assert.False(t, res.Capped)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	contents := reqs[1].Contents
	require.GreaterOrEqual(t, len(contents), 2)
	assert.Equal(t, core.RoleAssistant, contents[len(contents)-2].Role)
	assert.Equal(t, core.RoleTool, contents[len(contents)-1].Role)

	assert.Contains(t, f.Requests()[0].Text, "warfarin+aspirin: major")

	ks := kinds(eventsOf(emit))
	assert.Contains(t, ks, core.EventToolStart)
	assert.Contains(t, ks, core.EventToolEnd)
}

func TestExecutor_RoundCap(t *testing.T) {
	var calls []string
	reg, err := tool.NewRegistry(recordingTool("echo", &calls))
	require.NoError(t, err)

	m := model.NewMockModel("m", "mock").Enqueue(
		model.ToolCallScript("echo", map[string]any{"text": "one"}),
		model.ToolCallScript("echo", map[string]any{"text": "two"}),
		model.ToolCallScript("echo", map[string]any{"text": "three"}),
	)
	f := model.NewMockFormatter().Enqueue(nil, errors.New("formatter down"))

	state := testutil.NewStateBuilder("s1").User("loop").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	ex := NewExecutor(model.NewUniformSet(m), f, reg, func(o *Options) { o.MaxToolRounds = 2 })
	res, err := ex.Run(rc, testSpec(core.AgentConsultant, "echo"))
	require.NoError(t, err)

	assert.True(t, res.Capped)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"echo", "echo"}, calls, "calls of the capped round must not run")
	assert.Equal(t, 3, m.CallCount())

	assert.Equal(t, SourceFallback, res.Source)
	assert.Contains(t, res.Response.FinalResponse, "one")
	assert.Contains(t, res.Response.FinalResponse, "two")
	assert.InDelta(t, core.DefaultFallbackConfidence, res.Response.ConfidenceScore, 1e-9)
}

func TestExecutor_FormatterFailureExtractsEmbeddedJSON(t *testing.T) {
	text := "I checked the interactions.\n```json\n" +
		`{"thinking_progress":["checked"],"final_response":"Avoid aspirin.","confidence_score":0.8,"drug_interactions":[{"severity":"major"}]}` +
		"\n```"
	m := model.NewMockModel("m", "mock").Enqueue(model.TextScript(text))
	f := model.NewMockFormatter().Enqueue(nil, errors.New("invalid json"))

	state := testutil.NewStateBuilder("s1").User("aspirin?").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentPharmacist)

	res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentPharmacist))
	require.NoError(t, err)

	assert.Equal(t, SourceExtracted, res.Source)
	assert.True(t, res.Response.Fallback)
	assert.Equal(t, "Avoid aspirin.", res.Response.FinalResponse)
	assert.InDelta(t, 0.8, res.Response.ConfidenceScore, 1e-9)
	assert.Empty(t, res.Response.ThinkingProgress)
	_, ok := res.Response.Field("drug_interactions")
	assert.True(t, ok)
}

func TestExecutor_FormatterFailureFallsBackToRawText(t *testing.T) {
	m := model.NewMockModel("m", "mock").Enqueue(model.TextScript("Please drink water and rest."))
	f := model.NewMockFormatter().Enqueue(nil, errors.New("invalid json"))

	state := testutil.NewStateBuilder("s1").User("I feel tired").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentConsultant))
	require.NoError(t, err)

	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "Please drink water and rest.", res.Response.FinalResponse)
	assert.InDelta(t, 0.7, res.Response.ConfidenceScore, 1e-9)
	assert.Equal(t, "Please drink water and rest.", state.Messages[len(state.Messages)-1].Content)
}

func TestExecutor_FormattedValuesWinOverExtracted(t *testing.T) {
	text := `Result: {"final_response":"Embedded answer.","dosage_guidance":"twice daily","drug_interactions":[]}`
	m := model.NewMockModel("m", "mock").Enqueue(model.TextScript(text))
	f := model.NewMockFormatter().Enqueue(map[string]any{
		"final_response":   "Primary answer.",
		"confidence_score": 0.9,
		"dosage_guidance":  nil,
	}, nil)

	state := testutil.NewStateBuilder("s1").User("dose?").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentPharmacist)

	res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentPharmacist))
	require.NoError(t, err)

	assert.Equal(t, "Primary answer.", res.Response.FinalResponse)
	assert.Equal(t, "twice daily", res.Response.StringField("dosage_guidance"))
	_, ok := res.Response.Field("drug_interactions")
	assert.True(t, ok)
}

func TestExecutor_RetriesModelOnce(t *testing.T) {
	m := model.NewMockModel("m", "mock").Enqueue(
		model.Script{Err: errors.New("503 service unavailable")},
		model.TextScript("Recovered answer here."),
	)
	f := &model.MockFormatter{Func: func(req model.FormatRequest) (map[string]any, error) {
		return map[string]any{"final_response": req.Text, "confidence_score": 0.6}, nil
	}}

	state := testutil.NewStateBuilder("s1").User("hello").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentConsultant))
	require.NoError(t, err)
	assert.Equal(t, 2, m.CallCount())
	assert.Equal(t, "Recovered answer here.", res.Response.FinalResponse)
}

func TestExecutor_ModelFailureIsCoded(t *testing.T) {
	m := model.NewMockModel("m", "mock").Enqueue(
		model.Script{Err: errors.New("503")},
		model.Script{Err: errors.New("503")},
	)

	state := testutil.NewStateBuilder("s1").User("hello").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	_, err := NewExecutor(model.NewUniformSet(m), model.NewMockFormatter(), nil).Run(rc, testSpec(core.AgentConsultant))
	require.Error(t, err)
	assert.Equal(t, core.CodeModelError, core.CodeOf(err))
	assert.Len(t, state.Messages, 1)
}

func TestExecutor_TriageCodeValidation(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		want     core.TriageCode
		keepsKey bool
	}{
		{"valid", "CODE_RED", core.CodeRed, true},
		{"invalid", "CODE_PURPLE", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model.NewMockModel("m", "mock").Enqueue(model.TextScript("Chest pain needs attention."))
			f := model.NewMockFormatter().Enqueue(map[string]any{
				"final_response":              "Chest pain needs attention.",
				"confidence_score":            0.95,
				"triage_code":                 tt.code,
				"requires_human_intervention": true,
				"intervention_reason":         "possible cardiac event",
			}, nil)

			state := testutil.NewStateBuilder("s1").User("chest pain").Build()
			rc, _ := newTestRunCtx(context.Background(), state, core.AgentTriage)

			res, err := NewExecutor(model.NewUniformSet(m), f, nil).Run(rc, testSpec(core.AgentTriage))
			require.NoError(t, err)

			assert.Equal(t, tt.want, state.TriageCode)
			_, ok := res.Response.Field("triage_code")
			assert.Equal(t, tt.keepsKey, ok)
			assert.True(t, state.RequiresHumanIntervention)
			assert.Equal(t, "possible cardiac event", state.InterventionReason)
		})
	}
}

func TestExecutor_WhitelistViolationIsReportedToModel(t *testing.T) {
	var calls []string
	reg, err := tool.NewRegistry(recordingTool("check_drug_interactions", &calls), recordingTool("list_services", &calls))
	require.NoError(t, err)

	m := model.NewMockModel("m", "mock").Enqueue(
		model.ToolCallScript("check_drug_interactions", map[string]any{"text": "warfarin"}),
		model.TextScript("I can only help with our services."),
	)
	f := model.NewMockFormatter().Enqueue(map[string]any{"final_response": "I can only help with our services.", "confidence_score": 0.8}, nil)

	state := testutil.NewStateBuilder("s1").User("drug check please").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentMarketing)

	res, err := NewExecutor(model.NewUniformSet(m), f, reg).Run(rc, testSpec(core.AgentMarketing, "list_services"))
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.Equal(t, 1, res.ToolCalls)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "list_services", reqs[0].Tools[0].Function.Name)

	toolContent := reqs[1].Contents[len(reqs[1].Contents)-1]
	require.Len(t, toolContent.FunctionResponses(), 1)
	assert.Contains(t, toolContent.FunctionResponses()[0].Response, "not permitted")
}

func TestExecutor_AttachesToolUIAction(t *testing.T) {
	form := tool.NewFunctionTool("show_form", "form", map[string]any{"type": "object"}, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		tc.ShowUIAction(core.UIAction{Type: "booking_form", Payload: map[string]any{"department": "cardiology"}})
		return "form displayed", nil
	})
	reg, err := tool.NewRegistry(form)
	require.NoError(t, err)

	m := model.NewMockModel("m", "mock").Enqueue(
		model.ToolCallScript("show_form", nil),
		model.TextScript("Please pick a slot in the form."),
	)
	f := model.NewMockFormatter().Enqueue(map[string]any{"final_response": "Please pick a slot in the form.", "confidence_score": 0.9}, nil)

	state := testutil.NewStateBuilder("s1").User("book cardiology").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	res, err := NewExecutor(model.NewUniformSet(m), f, reg).Run(rc, testSpec(core.AgentConsultant, "show_form"))
	require.NoError(t, err)
	require.NotNil(t, res.Response.UIAction)
	assert.Equal(t, "booking_form", res.Response.UIAction.Type)
}

func TestExecutor_Cancellation(t *testing.T) {
	m := model.NewMockModel("m", "mock").Enqueue(model.Script{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	state := testutil.NewStateBuilder("s1").User("hello").Build()
	rc, _ := newTestRunCtx(ctx, state, core.AgentConsultant)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := NewExecutor(model.NewUniformSet(m), model.NewMockFormatter(), nil).Run(rc, testSpec(core.AgentConsultant))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.CallCount(), "cancellation must not be retried")
	assert.Len(t, state.Messages, 1)
}

func TestExecutor_UnknownToolInWhitelist(t *testing.T) {
	reg, err := tool.NewRegistry()
	require.NoError(t, err)

	state := testutil.NewStateBuilder("s1").User("hello").Build()
	rc, _ := newTestRunCtx(context.Background(), state, core.AgentConsultant)

	m := model.NewMockModel("m", "mock")
	_, err = NewExecutor(model.NewUniformSet(m), model.NewMockFormatter(), reg).Run(rc, testSpec(core.AgentConsultant, "missing"))
	require.Error(t, err)
	assert.Equal(t, core.CodeInternalError, core.CodeOf(err))
	assert.Zero(t, m.CallCount())
}
