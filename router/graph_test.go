package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/flow"
	"github.com/hupe1980/careflow/internal/testutil"
	"github.com/hupe1980/careflow/model"
)

type step func(rc *core.RunContext) (*flow.Result, error)

type fakeExecutor struct {
	steps map[core.AgentName][]step
	calls []core.AgentName
}

func (f *fakeExecutor) Run(rc *core.RunContext, spec *agent.Spec) (*flow.Result, error) {
	f.calls = append(f.calls, spec.Name)
	if q := f.steps[spec.Name]; len(q) > 0 {
		f.steps[spec.Name] = q[1:]
		return q[0](rc)
	}
	return answer("default answer from " + string(spec.Name))(rc)
}

func answer(text string) step {
	return func(rc *core.RunContext) (*flow.Result, error) {
		rc.State.AppendMessage(core.NewAssistantMessage(rc.Agent, text))
		return &flow.Result{Response: core.FallbackResponse(text, 0.9), ToolCalls: 1}, nil
	}
}

func handoffTo(next core.AgentName) step {
	return func(rc *core.RunContext) (*flow.Result, error) {
		rc.State.NextAgent = next
		return &flow.Result{Response: core.FallbackResponse("Let me hand you over.", 0.8)}, nil
	}
}

func newGraph(t *testing.T, f model.Formatter, exec Executor, optFns ...func(o *GraphOptions)) *Graph {
	t.Helper()
	cat := agent.DefaultCatalog()
	r, err := New(f, cat)
	require.NoError(t, err)
	return NewGraph(r, exec, cat, optFns...)
}

func runGraph(t *testing.T, g *Graph, state *core.State) (*Outcome, []core.Event, error) {
	t.Helper()
	emit := make(chan core.Event, 256)
	out, err := g.Run(core.NewRunContext(context.Background(), "turn-1", state, emit, nil))
	close(emit)
	var evs []core.Event
	for ev := range emit {
		evs = append(evs, ev)
	}
	return out, evs, err
}

func finalEnds(evs []core.Event) []core.Event {
	var out []core.Event
	for _, ev := range evs {
		if ev.Kind == core.EventNodeEnd && ev.Final {
			out = append(out, ev)
		}
	}
	return out
}

func TestTransitions(t *testing.T) {
	next, err := Next(NodeAgent, TriggerHandoff)
	require.NoError(t, err)
	assert.Equal(t, NodeRouter, next)

	_, err = Next(NodeRouter, TriggerHandoff)
	assert.Error(t, err, "only agents hand back to the router")

	_, err = Next(NodeEnd, TriggerBegin)
	assert.Error(t, err)

	assert.True(t, NodeHuman.Terminal())
	assert.False(t, NodeAgent.Terminal())
}

func TestGraph_SingleSpecialist(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "pharmacist", "confidence": 0.9}, nil)
	exec := &fakeExecutor{steps: map[core.AgentName][]step{}}
	state := testutil.NewStateBuilder("s1").User("Is paracetamol safe with alcohol?").Build()

	out, evs, err := runGraph(t, newGraph(t, f, exec), state)
	require.NoError(t, err)

	assert.Equal(t, NodeEnd, out.Terminal)
	assert.Equal(t, core.AgentPharmacist, out.Agent)
	assert.Equal(t, []core.AgentName{core.AgentPharmacist}, out.Path)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, core.AgentPharmacist, state.CurrentAgent)

	require.Len(t, evs, 4)
	assert.Equal(t, core.EventNodeStart, evs[0].Kind)
	assert.Equal(t, "router", evs[0].Node)
	assert.Equal(t, core.EventNodeEnd, evs[1].Kind)
	assert.Equal(t, "pharmacist", evs[2].Node)
	assert.True(t, evs[3].Final)
}

func TestGraph_HandoffLoopsBackThroughRouter(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "consultant", "confidence": 0.9}, nil)
	exec := &fakeExecutor{steps: map[core.AgentName][]step{
		core.AgentConsultant: {handoffTo(core.AgentPharmacist)},
		core.AgentPharmacist: {answer("Take it after meals.")},
	}}
	state := testutil.NewStateBuilder("s1").User("Question about my pills").Build()

	out, evs, err := runGraph(t, newGraph(t, f, exec), state)
	require.NoError(t, err)

	assert.Equal(t, []core.AgentName{core.AgentConsultant, core.AgentPharmacist}, out.Path)
	assert.Equal(t, 1, out.Handoffs)
	assert.Equal(t, "Take it after meals.", out.Response.FinalResponse)
	assert.Len(t, f.Requests(), 1, "the handoff target is preset, not classified")

	finals := finalEnds(evs)
	require.Len(t, finals, 1)
	assert.Equal(t, core.AgentPharmacist, finals[0].Agent)
}

func TestGraph_HandoffCap(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "consultant", "confidence": 0.9}, nil)
	exec := &fakeExecutor{steps: map[core.AgentName][]step{
		core.AgentConsultant: {handoffTo(core.AgentPharmacist), handoffTo(core.AgentPharmacist)},
		core.AgentPharmacist: {handoffTo(core.AgentConsultant)},
	}}
	state := testutil.NewStateBuilder("s1").User("ping pong").Build()

	g := newGraph(t, f, exec, func(o *GraphOptions) { o.MaxHandoffs = 1 })
	out, evs, err := runGraph(t, g, state)
	require.NoError(t, err)

	assert.Equal(t, []core.AgentName{core.AgentConsultant, core.AgentPharmacist}, out.Path)
	assert.Equal(t, NodeEnd, out.Terminal)
	assert.Empty(t, state.NextAgent)
	assert.Len(t, finalEnds(evs), 1)
}

func TestGraph_EscalationEndsInHuman(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "clinical", "confidence": 0.9}, nil)
	exec := &fakeExecutor{steps: map[core.AgentName][]step{
		core.AgentClinical: {func(rc *core.RunContext) (*flow.Result, error) {
			rc.State.RequiresHumanIntervention = true
			rc.State.InterventionReason = "complex case"
			return &flow.Result{Response: core.FallbackResponse("A doctor will review this.", 0.8)}, nil
		}},
	}}
	state := testutil.NewStateBuilder("s1").User("strange rash for months").Build()

	out, evs, err := runGraph(t, newGraph(t, f, exec), state)
	require.NoError(t, err)

	assert.Equal(t, NodeHuman, out.Terminal)
	assert.Equal(t, core.AgentClinical, out.Agent)
	assert.Equal(t, "A doctor will review this.", out.Response.FinalResponse)
	assert.Len(t, finalEnds(evs), 1)
}

func TestGraph_RouterChoosesHuman(t *testing.T) {
	exec := &fakeExecutor{steps: map[core.AgentName][]step{}}
	state := testutil.NewStateBuilder("s1").User("Let me talk to a human").Build()

	out, evs, err := runGraph(t, newGraph(t, model.NewMockFormatter(), exec), state)
	require.NoError(t, err)

	assert.Equal(t, NodeHuman, out.Terminal)
	assert.Equal(t, core.AgentHuman, out.Agent)
	assert.True(t, state.RequiresHumanIntervention)
	assert.Equal(t, true, out.Response.Fields["requires_human_intervention"])
	assert.Empty(t, exec.calls)
	assert.Len(t, finalEnds(evs), 1)
}

func TestGraph_RouterFailureEnds(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(nil, errors.New("down")).Enqueue(nil, errors.New("down"))
	exec := &fakeExecutor{steps: map[core.AgentName][]step{}}
	state := testutil.NewStateBuilder("s1").User("hello there").Build()

	out, evs, err := runGraph(t, newGraph(t, f, exec), state)
	require.NoError(t, err)

	assert.Equal(t, NodeEnd, out.Terminal)
	assert.Empty(t, exec.calls)
	assert.NotEmpty(t, state.Error)
	assert.Equal(t, string(core.CodeModelError), out.Response.Fields["error_code"])
	assert.Len(t, finalEnds(evs), 1)
}

func TestGraph_ExecutorFailureBecomesApology(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "marketing", "confidence": 0.9}, nil)
	exec := &fakeExecutor{steps: map[core.AgentName][]step{
		core.AgentMarketing: {func(*core.RunContext) (*flow.Result, error) {
			return nil, core.NewError(core.CodeModelError, "flow.phase1", "model invocation failed", errors.New("503"))
		}},
	}}
	state := testutil.NewStateBuilder("s1").User("any discounts?").Build()

	out, _, err := runGraph(t, newGraph(t, f, exec), state)
	require.NoError(t, err)

	assert.Equal(t, NodeEnd, out.Terminal)
	assert.Zero(t, out.Response.ConfidenceScore)
	assert.Equal(t, string(core.CodeModelError), out.Response.Fields["error_code"])
	assert.Contains(t, state.Error, "MODEL_ERROR")
}

func TestGraph_CancellationPropagates(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "marketing", "confidence": 0.9}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{steps: map[core.AgentName][]step{
		core.AgentMarketing: {func(*core.RunContext) (*flow.Result, error) {
			cancel()
			return nil, context.Canceled
		}},
	}}
	state := testutil.NewStateBuilder("s1").User("any discounts?").Build()

	_, err := newGraph(t, f, exec).Run(core.NewRunContext(ctx, "turn-1", state, make(chan core.Event, 64), nil))
	assert.ErrorIs(t, err, context.Canceled)
}
