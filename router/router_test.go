package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/internal/testutil"
	"github.com/hupe1980/careflow/model"
)

func newRouter(t *testing.T, f model.Formatter, optFns ...func(o *Options)) *Router {
	t.Helper()
	r, err := New(f, agent.DefaultCatalog(), optFns...)
	require.NoError(t, err)
	return r
}

func routeCtx(state *core.State) *core.RunContext {
	return core.NewRunContext(context.Background(), "turn-1", state, nil, nil)
}

func TestRouter_EmptyOrAmbiguousUsesDefault(t *testing.T) {
	tests := []struct {
		name   string
		state  *core.State
		result map[string]any
	}{
		{"no messages", core.NewState("s1"), nil},
		{"blank message", testutil.NewStateBuilder("s1").User("   ").Build(), nil},
		{"unknown agent", testutil.NewStateBuilder("s1").User("hmm").Build(), map[string]any{"agent": "surgeon", "confidence": 0.9}},
		{"missing agent", testutil.NewStateBuilder("s1").User("hmm").Build(), map[string]any{"confidence": 0.9}},
		{"missing confidence", testutil.NewStateBuilder("s1").User("hmm").Build(), map[string]any{"agent": "pharmacist"}},
		{"low confidence", testutil.NewStateBuilder("s1").User("hmm").Build(), map[string]any{"agent": "pharmacist", "confidence": 0.2}},
		{"end on a user turn", testutil.NewStateBuilder("s1").User("hmm").Build(), map[string]any{"agent": "end", "confidence": 0.9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := model.NewMockFormatter()
			if tt.result != nil {
				f.Enqueue(tt.result, nil)
			}

			d, err := newRouter(t, f).Route(routeCtx(tt.state))
			require.NoError(t, err)
			assert.Equal(t, agent.DefaultAgent, d.Agent)
			assert.Equal(t, SourceDefault, d.Source)
		})
	}
}

func TestRouter_Classifier(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "Pharmacist", "confidence": 0.85, "reason": "medication question"}, nil)
	state := testutil.NewStateBuilder("s1").User("Can I take ibuprofen with my blood pressure pills?").Build()

	d, err := newRouter(t, f).Route(routeCtx(state))
	require.NoError(t, err)
	assert.Equal(t, core.AgentPharmacist, d.Agent)
	assert.Equal(t, SourceClassifier, d.Source)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)

	reqs := f.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "route_decision", reqs[0].Schema.Name)
	assert.Contains(t, reqs[0].Text, "ibuprofen")
	assert.Contains(t, reqs[0].Instructions, "pharmacist")
}

func TestRouter_TranscriptWindow(t *testing.T) {
	b := testutil.NewStateBuilder("s1").User("my knee has been swollen since Monday")
	for i := 0; i < 20; i++ {
		b.User(fmt.Sprintf("follow up %d", i))
	}
	state := b.Build()

	t.Run("default keeps all", func(t *testing.T) {
		f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "consultant", "confidence": 0.9}, nil)
		_, err := newRouter(t, f).Route(routeCtx(state))
		require.NoError(t, err)
		require.Len(t, f.Requests(), 1)
		assert.Contains(t, f.Requests()[0].Text, "swollen since Monday")
		assert.Contains(t, f.Requests()[0].Text, "follow up 19")
	})

	t.Run("explicit window", func(t *testing.T) {
		f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "consultant", "confidence": 0.9}, nil)
		_, err := newRouter(t, f, func(o *Options) { o.TranscriptMessages = 5 }).Route(routeCtx(state))
		require.NoError(t, err)
		require.Len(t, f.Requests(), 1)
		assert.NotContains(t, f.Requests()[0].Text, "swollen since Monday")
		assert.Contains(t, f.Requests()[0].Text, "follow up 19")
	})
}

func TestRouter_EmergencyOverridesClassifier(t *testing.T) {
	f := model.NewMockFormatter().Enqueue(map[string]any{"agent": "marketing", "confidence": 0.99}, nil)
	state := testutil.NewStateBuilder("s1").User("Severe CHEST PAIN and shortness of breath").Build()

	d, err := newRouter(t, f).Route(routeCtx(state))
	require.NoError(t, err)
	assert.Equal(t, core.AgentTriage, d.Agent)
	assert.Equal(t, SourceRule, d.Source)
	assert.Empty(t, f.Requests(), "rules run before the classifier")
}

func TestRouter_HumanRequestRule(t *testing.T) {
	state := testutil.NewStateBuilder("s1").User("I want to speak to a   human please").Build()

	d, err := newRouter(t, model.NewMockFormatter()).Route(routeCtx(state))
	require.NoError(t, err)
	assert.Equal(t, core.AgentHuman, d.Agent)
}

func TestRouter_PresetIsConsumed(t *testing.T) {
	state := testutil.NewStateBuilder("s1").User("chest pain").Next(core.AgentPharmacist).Build()

	r := newRouter(t, model.NewMockFormatter())
	d, err := r.Route(routeCtx(state))
	require.NoError(t, err)
	assert.Equal(t, core.AgentPharmacist, d.Agent)
	assert.Equal(t, SourcePreset, d.Source)
	assert.Empty(t, state.NextAgent)
}

func TestRouter_InvalidPresetIsIgnored(t *testing.T) {
	state := testutil.NewStateBuilder("s1").User("").Next(core.AgentName("surgeon")).Build()

	d, err := newRouter(t, model.NewMockFormatter()).Route(routeCtx(state))
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultAgent, d.Agent)
	assert.Empty(t, state.NextAgent)
}

func TestRouter_RetriesThenEnds(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		f := model.NewMockFormatter().
			Enqueue(nil, errors.New("timeout")).
			Enqueue(map[string]any{"agent": "clinical", "confidence": 0.7}, nil)
		state := testutil.NewStateBuilder("s1").User("my knee hurts since last week").Build()

		d, err := newRouter(t, f).Route(routeCtx(state))
		require.NoError(t, err)
		assert.Equal(t, core.AgentClinical, d.Agent)
		assert.Len(t, f.Requests(), 2)
		assert.Empty(t, state.Error)
	})

	t.Run("retry fails", func(t *testing.T) {
		f := model.NewMockFormatter().
			Enqueue(nil, errors.New("timeout")).
			Enqueue(nil, errors.New("timeout"))
		state := testutil.NewStateBuilder("s1").User("my knee hurts since last week").Build()

		d, err := newRouter(t, f).Route(routeCtx(state))
		require.NoError(t, err)
		assert.Equal(t, core.AgentEnd, d.Agent)
		assert.Equal(t, SourceError, d.Source)
		assert.Contains(t, state.Error, "MODEL_ERROR")
	})
}

func TestRouter_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := testutil.NewStateBuilder("s1").User("my knee hurts").Build()
	rc := core.NewRunContext(ctx, "turn-1", state, nil, nil)

	_, err := newRouter(t, model.NewMockFormatter()).Route(rc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RejectsUnknownDefault(t *testing.T) {
	_, err := New(nil, agent.DefaultCatalog(), func(o *Options) { o.DefaultAgent = core.AgentHuman })
	assert.Error(t, err)

	_, err = New(nil, agent.DefaultCatalog(), func(o *Options) { o.MinConfidence = 1.5 })
	assert.Error(t, err)
}

func TestKeywordRule(t *testing.T) {
	rule := KeywordRule{Name: "emergency", Agent: core.AgentTriage, Keywords: EmergencyKeywords}

	name, reason, ok := rule.Match("I can’t breathe", nil)
	assert.True(t, ok)
	assert.Equal(t, core.AgentTriage, name)
	assert.Contains(t, reason, "can't breathe")

	_, _, ok = rule.Match("Do you offer flu shots?", nil)
	assert.False(t, ok)
}
