package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/internal/testutil"
)

func feed(evs ...core.Event) <-chan core.Event {
	raw := make(chan core.Event, len(evs))
	for _, ev := range evs {
		raw <- ev
	}
	close(raw)
	return raw
}

func types(evs []Event) []Type {
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func count(evs []Event, typ Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func redResponse() *core.StructuredResponse {
	resp := core.FallbackResponse("Help is on the way. Stay seated.", 0.9)
	resp.Fallback = false
	resp.Fields["triage_code"] = "CODE_RED"
	return resp
}

func newTestTranslator(optFns ...func(o *Options)) *Translator {
	return NewTranslator(append([]func(o *Options){func(o *Options) {
		o.Timeout = 2 * time.Second
		o.KeepaliveInterval = 0
	}}, optFns...)...)
}

func TestTranslator_ChestPainScenario(t *testing.T) {
	const turn = "t1"
	resp := redResponse()
	raw := feed(
		core.NewNodeStartEvent(turn, "router", ""),
		core.NewNodeEndEvent(turn, "router", core.AgentTriage, nil, false),
		core.NewNodeStartEvent(turn, "triage", core.AgentTriage),
		core.NewTokenEvent(turn, core.AgentTriage, "Calling "),
		core.NewTokenEvent(turn, core.AgentTriage, "help."),
		core.NewToolStartEvent(turn, core.AgentTriage, "trigger_emergency_alert", "c1", map[string]any{"level": "CODE_RED"}),
		core.NewToolEndEvent(turn, core.AgentTriage, "trigger_emergency_alert", "c1", "alert sent", false, nil),
		core.NewNodeStartEvent(turn, "format", core.AgentTriage),
		core.NewNodeEndEvent(turn, "format", core.AgentTriage, nil, false),
		core.NewNodeEndEvent(turn, "triage", core.AgentTriage, resp, true),
		core.NewTurnEndEvent(turn, core.AgentTriage, resp, map[string]any{"session_id": "s1", "agent": "triage"}),
	)

	evs := testutil.Collect(t, newTestTranslator().Translate(context.Background(), raw), time.Second)

	assert.Equal(t, []Type{
		TypeStatus, TypeStatus, TypeThinking, TypeThinking,
		TypeStatus, TypeToolStart, TypeToolEnd, TypeStatus,
		TypeResultJSON, TypeDone,
	}, types(evs))

	assert.Equal(t, "router", evs[0].Node)
	assert.Equal(t, "Calling ", evs[2].Content)
	assert.Equal(t, "help.", evs[3].Content)

	result := evs[8]
	assert.Equal(t, "CODE_RED", result.Data["triage_code"])
	assert.Equal(t, 0.9, result.Data["confidence_score"])
	meta, ok := result.Data["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s1", meta["session_id"])
}

func TestTranslator_ResultSentExactlyOnce(t *testing.T) {
	resp := redResponse()
	raw := feed(
		core.NewNodeStartEvent("t1", "triage", core.AgentTriage),
		core.NewNodeEndEvent("t1", "triage", core.AgentTriage, resp, true),
		core.NewNodeEndEvent("t1", "triage", core.AgentTriage, core.FallbackResponse("second", 0.5), true),
		core.NewTurnEndEvent("t1", core.AgentTriage, core.FallbackResponse("third", 0.5), nil),
		core.NewTurnEndEvent("t1", core.AgentTriage, resp, nil),
	)

	evs := testutil.Collect(t, newTestTranslator().Translate(context.Background(), raw), time.Second)

	assert.Equal(t, 1, count(evs, TypeResultJSON))
	assert.Equal(t, 1, count(evs, TypeDone))
	assert.Equal(t, TypeDone, evs[len(evs)-1].Type)

	for _, ev := range evs {
		if ev.Type == TypeResultJSON {
			assert.Equal(t, "Help is on the way. Stay seated.", ev.Data["final_response"])
		}
	}
}

func TestTranslator_UIActionPrecedesResultAndIsStripped(t *testing.T) {
	action := &core.UIAction{Type: "booking_form", Payload: map[string]any{"department": "cardiology"}}
	resp := core.FallbackResponse("Pick a slot below.", 0.9)
	resp.UIAction = action

	raw := feed(
		core.NewNodeStartEvent("t1", "consultant", core.AgentConsultant),
		core.NewToolStartEvent("t1", core.AgentConsultant, "show_booking_form", "c1", nil),
		core.NewToolEndEvent("t1", core.AgentConsultant, "show_booking_form", "c1", "form displayed", false, action),
		core.NewNodeEndEvent("t1", "consultant", core.AgentConsultant, resp, true),
		core.NewTurnEndEvent("t1", core.AgentConsultant, resp, nil),
	)

	evs := testutil.Collect(t, newTestTranslator().Translate(context.Background(), raw), time.Second)

	require.Equal(t, 1, count(evs, TypeUIAction), "identical actions are sent once")

	uiIdx, resultIdx := -1, -1
	for i, ev := range evs {
		switch ev.Type {
		case TypeUIAction:
			uiIdx = i
			assert.Equal(t, "booking_form", ev.UIAction.Type)
		case TypeResultJSON:
			resultIdx = i
			_, has := ev.Data["ui_action"]
			assert.False(t, has)
		}
	}
	assert.Less(t, uiIdx, resultIdx)
}

func TestTranslator_Timeout(t *testing.T) {
	raw := make(chan core.Event, 4)
	raw <- core.NewNodeStartEvent("t1", "router", "")
	raw <- core.NewTokenEvent("t1", core.AgentConsultant, "thinking")

	tr := newTestTranslator(func(o *Options) { o.Timeout = 50 * time.Millisecond })
	out := tr.Translate(context.Background(), raw)

	time.Sleep(100 * time.Millisecond)
	raw <- core.NewTokenEvent("t1", core.AgentConsultant, "late token")

	evs := testutil.Collect(t, out, time.Second)
	require.GreaterOrEqual(t, len(evs), 2)

	errEv := evs[len(evs)-2]
	assert.Equal(t, TypeError, errEv.Type)
	assert.Equal(t, string(core.CodeTimeoutError), errEv.Code)
	assert.Equal(t, TypeDone, evs[len(evs)-1].Type)

	for _, ev := range evs {
		assert.NotEqual(t, "late token", ev.Content)
	}
}

func TestTranslator_ErrorIsFollowedByDone(t *testing.T) {
	raw := feed(
		core.NewNodeStartEvent("t1", "router", ""),
		core.NewErrorEvent("t1", core.NewError(core.CodeInternalError, "engine", "boom", nil)),
		core.NewTokenEvent("t1", core.AgentConsultant, "ignored"),
	)

	evs := testutil.Collect(t, newTestTranslator().Translate(context.Background(), raw), time.Second)
	assert.Equal(t, []Type{TypeStatus, TypeError, TypeDone}, types(evs))
	assert.Equal(t, "boom", evs[1].Message)
}

func TestTranslator_ClosedWithoutResult(t *testing.T) {
	raw := feed(core.NewNodeStartEvent("t1", "router", ""))

	evs := testutil.Collect(t, newTestTranslator().Translate(context.Background(), raw), time.Second)
	assert.Equal(t, []Type{TypeStatus, TypeError, TypeDone}, types(evs))
	assert.Equal(t, string(core.CodeInternalError), evs[1].Code)
}

func TestTranslator_CancellationSendsNothing(t *testing.T) {
	raw := make(chan core.Event)
	out := make(chan Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	phase := newTestTranslator().Run(ctx, raw, out)
	assert.Equal(t, PhaseCancelled, phase)
	assert.Empty(t, out)
}

func TestTranslator_Keepalive(t *testing.T) {
	raw := make(chan core.Event, 2)
	tr := newTestTranslator(func(o *Options) { o.KeepaliveInterval = 10 * time.Millisecond })
	out := tr.Translate(context.Background(), raw)

	time.Sleep(60 * time.Millisecond)
	resp := core.FallbackResponse("All good here.", 0.8)
	raw <- core.NewTurnEndEvent("t1", core.AgentConsultant, resp, nil)
	close(raw)

	evs := testutil.Collect(t, out, time.Second)
	assert.GreaterOrEqual(t, count(evs, TypeKeepalive), 1)
	assert.Equal(t, TypeDone, evs[len(evs)-1].Type)
	assert.Equal(t, 1, count(evs, TypeResultJSON))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseIdle, PhaseThinking))
	assert.True(t, CanTransition(PhaseThinking, PhaseResultReady))
	assert.True(t, CanTransition(PhaseResultReady, PhaseDone))
	assert.True(t, CanTransition(PhaseThinking, PhaseError))

	assert.False(t, CanTransition(PhaseThinking, PhaseDone))
	assert.False(t, CanTransition(PhaseResultReady, PhaseThinking))
	assert.False(t, CanTransition(PhaseDone, PhaseThinking))
	assert.False(t, CanTransition(PhaseError, PhaseDone))
}

func TestLabel(t *testing.T) {
	l, ok := Label("pharmacist")
	assert.True(t, ok)
	assert.NotEmpty(t, l)

	_, ok = Label("unknown_node")
	assert.False(t, ok)
}
