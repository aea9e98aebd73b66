package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/careflow/checkpoint"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/logging"
	"github.com/hupe1980/careflow/router"
	"github.com/hupe1980/careflow/stream"
)

// ErrInvalidTurn is returned for turns that cannot enter the pipeline.
var ErrInvalidTurn = errors.New("invalid turn")

// Config defines tuning parameters for the Engine.
//
// Example:
//
//	cfg := Config{
//	    MaxConcurrentTurns: 64,
//	    EventBufferSize:    256,
//	    SaveTimeout:        5 * time.Second,
//	}
type Config struct {
	// MaxConcurrentTurns limits turns executing at once across all sessions.
	// Turns wait for a slot until their context ends. 0 means unlimited.
	MaxConcurrentTurns int

	// EventBufferSize sets the buffer of the raw and client event channels.
	EventBufferSize int

	// SaveTimeout bounds the checkpoint write after a completed turn.
	SaveTimeout time.Duration
}

// DefaultConfig provides the default engine configuration.
var DefaultConfig = Config{
	MaxConcurrentTurns: 64,
	EventBufferSize:    256,
	SaveTimeout:        5 * time.Second,
}

// Graph runs one turn over the state carried by the run context.
type Graph interface {
	Run(runCtx *core.RunContext) (*router.Outcome, error)
}

// Options configures an Engine.
type Options struct {
	Config Config

	// Store persists session state between turns. Defaults to an
	// in-memory store.
	Store checkpoint.Store

	// Translator converts raw execution events into the client protocol.
	// Defaults to a translator with the default turn budget.
	Translator *stream.Translator

	// Hooks run around every turn.
	Hooks []Hook

	Logger logging.Logger
}

// Submission is a structured staff request entering the pipeline as a
// pre-formatted message instead of free text.
type Submission struct {
	// Kind names the submission, e.g. "triage_assessment".
	Kind string `json:"kind"`
	// TargetAgent receives the submission directly. When empty the agent
	// registered for Kind is used, else the router decides.
	TargetAgent core.AgentName `json:"target_agent,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// SubmissionTargets maps well known submission kinds to their agent.
var SubmissionTargets = map[string]core.AgentName{
	"triage_assessment":      core.AgentTriage,
	"drug_interaction_batch": core.AgentPharmacist,
	"lab_order":              core.AgentParaclinical,
	"case_summary":           core.AgentSummarize,
}

// Turn is one inbound request.
type Turn struct {
	// SessionID keys the checkpoint. A new id is generated when empty.
	SessionID      string         `json:"session_id"`
	Message        string         `json:"message"`
	PatientContext map[string]any `json:"patient_context,omitempty"`
	Submission     *Submission    `json:"submission,omitempty"`
}

// WithDefaults returns t with a generated session id when none was given.
func (t Turn) WithDefaults() Turn {
	if strings.TrimSpace(t.SessionID) == "" {
		t.SessionID = core.NewID()
	}
	return t
}

// Validate checks the turn before it enters the pipeline.
func (t Turn) Validate() error {
	if t.Submission == nil {
		return nil
	}
	if strings.TrimSpace(t.Submission.Kind) == "" {
		return fmt.Errorf("%w: submission without kind", ErrInvalidTurn)
	}
	if a := t.Submission.TargetAgent; a != "" && !a.IsSpecialist() {
		return fmt.Errorf("%w: submission target %q is not a specialist", ErrInvalidTurn, a)
	}
	return nil
}

// Engine runs turns: checkpoint load, graph, translation and checkpoint
// save. Turns of one session are serialized; turns of different sessions
// run independently.
type Engine struct {
	graph      Graph
	store      checkpoint.Store
	translator *stream.Translator
	hooks      *HookManager
	logger     logging.Logger
	config     Config

	slots chan struct{}
	locks *sessionLocks

	// Active turn tracking, keyed by turn id.
	activeTurns map[string]context.CancelFunc
	turnsMu     sync.Mutex
}

// New creates an Engine running turns through graph.
func New(graph Graph, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = checkpoint.NewInMemoryStore()
	}
	if opts.Translator == nil {
		opts.Translator = stream.NewTranslator(func(o *stream.Options) { o.Logger = opts.Logger })
	}
	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}
	if opts.Config.SaveTimeout <= 0 {
		opts.Config.SaveTimeout = DefaultConfig.SaveTimeout
	}

	hooks := NewHookManager()
	for _, h := range opts.Hooks {
		hooks.Register(h)
	}

	e := &Engine{
		graph:       graph,
		store:       opts.Store,
		translator:  opts.Translator,
		hooks:       hooks,
		logger:      logging.OrNoOp(opts.Logger),
		config:      opts.Config,
		locks:       newSessionLocks(),
		activeTurns: make(map[string]context.CancelFunc),
	}
	if n := opts.Config.MaxConcurrentTurns; n > 0 {
		e.slots = make(chan struct{}, n)
	}

	return e
}

// Stream starts a turn and returns the client event stream. The channel is
// closed after done, or right away when ctx is cancelled. The checkpoint is
// written before the channel closes, and only for turns that reached done
// without an error.
//
// Errors are returned only when the turn could not start: invalid input,
// cancellation while waiting for the session, or a failing store.
func (e *Engine) Stream(ctx context.Context, turn Turn) (<-chan stream.Event, error) {
	turn = turn.WithDefaults()
	if err := turn.Validate(); err != nil {
		return nil, core.NewError(core.CodeInternalError, "engine.stream", err.Error(), err)
	}

	releaseSlot, err := e.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.acquire(ctx, turn.SessionID)
	if err != nil {
		releaseSlot()
		return nil, err
	}

	release := func() {
		unlock()
		releaseSlot()
	}

	state, resumed, err := checkpoint.LoadOrNew(ctx, e.store, turn.SessionID)
	if err != nil {
		release()
		return nil, core.NewError(core.CodeInternalError, "engine.stream", "load checkpoint", err)
	}

	turnID := core.NewID()
	logger := logging.WithAttrs(e.logger, "session_id", turn.SessionID, "turn_id", turnID)

	prepare(state, turn)

	if err := e.hooks.Execute(ctx, HookBeforeTurn, &HookContext{
		SessionID: turn.SessionID,
		TurnID:    turnID,
		State:     state.Clone(),
	}); err != nil {
		release()
		return nil, fmt.Errorf("before turn hook: %w", err)
	}

	logger.Info("engine.turn.start", "resumed", resumed, "messages", len(state.Messages))

	pipelineCtx, cancel := context.WithCancel(ctx)

	e.turnsMu.Lock()
	e.activeTurns[turnID] = cancel
	e.turnsMu.Unlock()

	raw := make(chan core.Event, e.config.EventBufferSize)
	out := make(chan stream.Event, e.config.EventBufferSize)

	t := &turnRun{
		id:     turnID,
		state:  state,
		start:  time.Now(),
		logger: logger,
	}

	go e.produce(pipelineCtx, t, raw)

	go func() {
		defer func() {
			e.turnsMu.Lock()
			delete(e.activeTurns, turnID)
			e.turnsMu.Unlock()
			release()
			close(out)
		}()

		phase := e.translator.Run(pipelineCtx, raw, out)
		cancel()

		// Wait for the producer so the state is no longer written to.
		for range raw { //nolint:revive
		}

		e.finish(ctx, t, phase)
	}()

	return out, nil
}

// Invoke runs a turn and returns the result_json payload. A turn that ended
// in an error event returns a *core.Error carrying its code.
func (e *Engine) Invoke(ctx context.Context, turn Turn) (map[string]any, error) {
	turn = turn.WithDefaults()

	events, err := e.Stream(ctx, turn)
	if err != nil {
		return nil, err
	}

	var (
		result  map[string]any
		failure *stream.Event
	)
	for ev := range events {
		switch ev.Type {
		case stream.TypeResultJSON:
			result = ev.Data
		case stream.TypeError:
			f := ev
			failure = &f
		}
	}

	switch {
	case failure != nil:
		return nil, core.NewError(core.ErrorCode(failure.Code), "engine.invoke", failure.Message, nil)
	case result != nil:
		return result, nil
	case ctx.Err() != nil:
		return nil, core.NewError(core.CodeCancelled, "engine.invoke", "turn cancelled", ctx.Err())
	default:
		return nil, core.NewError(core.CodeInternalError, "engine.invoke", "turn ended without a result", nil)
	}
}

// ErrorPayload renders err as the non-streaming error object.
func ErrorPayload(sessionID string, err error) map[string]any {
	ce := core.AsError("engine", err)
	msg := ce.Message
	if msg == "" {
		msg = ce.Error()
	}
	return map[string]any{
		"error":      msg,
		"code":       string(ce.Code),
		"session_id": sessionID,
	}
}

// Session returns the checkpointed state of sessionID or an error wrapping
// core.ErrSessionNotFound.
func (e *Engine) Session(ctx context.Context, sessionID string) (*core.State, error) {
	return e.store.Load(ctx, sessionID)
}

// DeleteSession waits for a running turn of sessionID and removes its
// checkpoint.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.store.Load(ctx, sessionID); err != nil {
		return err
	}

	return e.store.Delete(ctx, sessionID)
}

// Prune removes sessions idle for longer than ttl.
func (e *Engine) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := e.store.Prune(ctx, ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("engine.sessions.pruned", "count", n, "ttl", ttl.String())
	}
	return n, nil
}

// ActiveTurns returns the number of turns currently executing.
func (e *Engine) ActiveTurns() int {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	return len(e.activeTurns)
}

// StopTurn cancels a running turn. The stream is closed without further
// events and the checkpoint is not written.
func (e *Engine) StopTurn(turnID string) error {
	e.turnsMu.Lock()
	cancel, exists := e.activeTurns[turnID]
	e.turnsMu.Unlock()

	if !exists {
		return fmt.Errorf("turn %s not found", turnID)
	}

	cancel()
	return nil
}

// StopAll cancels every running turn.
func (e *Engine) StopAll() {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	for _, cancel := range e.activeTurns {
		cancel()
	}
}

func (e *Engine) acquireSlot(ctx context.Context) (func(), error) {
	if e.slots == nil {
		return func() {}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	}
}

// turnRun is the state of one running turn shared by producer and consumer.
// The consumer reads outcome only after raw was closed.
type turnRun struct {
	id     string
	state  *core.State
	start  time.Time
	logger logging.Logger

	outcome *router.Outcome
	err     error
}

// produce runs the graph and emits raw events. raw is closed on return.
func (e *Engine) produce(ctx context.Context, t *turnRun, raw chan<- core.Event) {
	defer close(raw)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("engine.turn.panic", "panic", fmt.Sprint(r))
			t.err = fmt.Errorf("panic: %v", r)
			ev := core.NewErrorEvent(t.id, core.NewError(core.CodeInternalError, "engine.turn", "internal error", nil))
			select {
			case <-ctx.Done():
			case raw <- ev:
			}
		}
	}()

	rc := core.NewRunContext(ctx, t.id, t.state, raw, t.logger)

	outcome, err := e.graph.Run(rc)
	if err != nil {
		t.err = err
		if ctx.Err() != nil {
			return
		}
		ce := core.AsError("engine.turn", err)
		t.logger.Error("engine.turn.failed", "error", err.Error(), "code", string(ce.Code))
		_ = rc.EmitEvent(core.NewErrorEvent(t.id, ce))
		return
	}
	t.outcome = outcome

	_ = rc.EmitEvent(core.NewTurnEndEvent(t.id, outcome.Agent, outcome.Response, t.metadata()))
}

// metadata summarizes the turn for result_json.
func (t *turnRun) metadata() map[string]any {
	m := map[string]any{
		"session_id":       t.state.SessionID,
		"turn_id":          t.id,
		"duration_seconds": math.Round(time.Since(t.start).Seconds()*1000) / 1000,
	}
	if o := t.outcome; o != nil {
		m["agent"] = string(o.Agent)
		m["tool_calls"] = o.ToolCalls
		if len(o.Path) > 1 {
			path := make([]any, len(o.Path))
			for i, a := range o.Path {
				path[i] = string(a)
			}
			m["agent_path"] = path
		}
	}
	if t.state.TriageCode != "" {
		m["triage_code"] = string(t.state.TriageCode)
	}
	if t.state.RequiresHumanIntervention {
		m["requires_human"] = true
	}
	return m
}

// finish checkpoints completed turns and runs the after-turn hooks.
func (e *Engine) finish(ctx context.Context, t *turnRun, phase stream.Phase) {
	hc := &HookContext{
		SessionID: t.state.SessionID,
		TurnID:    t.id,
		Phase:     phase,
		Outcome:   t.outcome,
		Err:       t.err,
	}

	if phase != stream.PhaseDone || t.outcome == nil {
		t.logger.Warn("engine.turn.discarded", "phase", string(phase), "duration_ms", time.Since(t.start).Milliseconds())
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			e.runHooks(ctx, HookOnError, hc, t.logger)
		}
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.SaveTimeout)
	defer cancel()

	if err := e.store.Save(saveCtx, t.state); err != nil {
		t.logger.Error("engine.checkpoint.failed", "error", err.Error())
		hc.Err = err
		e.runHooks(ctx, HookOnError, hc, t.logger)
		return
	}

	hc.State = t.state.Clone()
	hc.Metadata = t.metadata()

	t.logger.Info("engine.turn.complete",
		"agent", string(t.outcome.Agent),
		"terminal", string(t.outcome.Terminal),
		"handoffs", t.outcome.Handoffs,
		"tool_calls", t.outcome.ToolCalls,
		"triage_code", string(t.state.TriageCode),
		"duration_ms", time.Since(t.start).Milliseconds(),
	)

	e.runHooks(ctx, HookAfterTurn, hc, t.logger)
}

func (e *Engine) runHooks(ctx context.Context, typ HookType, hc *HookContext, logger logging.Logger) {
	if err := e.hooks.Execute(context.WithoutCancel(ctx), typ, hc); err != nil {
		logger.Warn("engine.hook.failed", "hook", string(typ), "error", err.Error())
	}
}

// prepare resets per-turn fields and appends the inbound message.
func prepare(state *core.State, turn Turn) {
	state.ResetTurn()

	if len(turn.PatientContext) > 0 {
		if state.PatientContext == nil {
			state.PatientContext = map[string]any{}
		}
		for k, v := range core.CloneMap(turn.PatientContext) {
			state.PatientContext[k] = v
		}
	}

	if sub := turn.Submission; sub != nil {
		msg := core.NewUserMessage(RenderSubmission(*sub, turn.Message))
		msg.Metadata = map[string]any{"submission_kind": sub.Kind}
		state.AppendMessage(msg)

		target := sub.TargetAgent
		if target == "" {
			target = SubmissionTargets[sub.Kind]
		}
		state.NextAgent = target
		return
	}

	state.AppendMessage(core.NewUserMessage(strings.TrimSpace(turn.Message)))
}

// RenderSubmission formats a staff submission as the user message seen by
// router and agents.
func RenderSubmission(sub Submission, note string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SUBMISSION:%s]\n", sub.Kind)
	if len(sub.Payload) > 0 {
		raw, err := json.MarshalIndent(sub.Payload, "", "  ")
		if err == nil {
			b.Write(raw)
			b.WriteByte('\n')
		}
	}
	if note = strings.TrimSpace(note); note != "" {
		b.WriteString(note)
	}
	return strings.TrimSpace(b.String())
}
