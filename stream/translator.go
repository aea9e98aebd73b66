package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/logging"
)

const (
	// DefaultTimeout is the wall-clock budget of one turn.
	DefaultTimeout = 120 * time.Second
	// DefaultKeepaliveInterval is the idle time before a keepalive is sent.
	DefaultKeepaliveInterval = 15 * time.Second
)

// Phase is a translator state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseThinking    Phase = "thinking"
	PhaseResultReady Phase = "result_ready"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
	// PhaseCancelled is reached when the client goes away. Nothing is sent.
	PhaseCancelled Phase = "cancelled"
)

// phaseTransitions lists the allowed moves. Error and cancellation are
// reachable from every non-terminal phase.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseThinking, PhaseResultReady, PhaseError, PhaseCancelled},
	PhaseThinking:    {PhaseResultReady, PhaseError, PhaseCancelled},
	PhaseResultReady: {PhaseDone, PhaseError, PhaseCancelled},
}

// CanTransition reports whether the translator may move from one phase to another.
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether p ends the translation.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseCancelled
}

// Options configure a Translator.
type Options struct {
	// Timeout bounds the whole turn. On expiry error(TIMEOUT_ERROR) and done
	// are sent and translation stops.
	Timeout time.Duration
	// KeepaliveInterval is the idle time before a keepalive; 0 disables it.
	KeepaliveInterval time.Duration
	Logger            logging.Logger
}

// Translator converts raw execution events into the client protocol.
// It is stateless between turns and safe for concurrent use.
type Translator struct {
	opts   Options
	logger logging.Logger
}

// NewTranslator creates a Translator.
func NewTranslator(optFns ...func(o *Options)) *Translator {
	opts := Options{
		Timeout:           DefaultTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Translator{opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

// Translate runs the translator in a goroutine and returns the client
// stream, closed after the last event.
func (t *Translator) Translate(ctx context.Context, raw <-chan core.Event) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		t.Run(ctx, raw, out)
	}()
	return out
}

// Run translates raw into out until a terminal phase is reached and returns
// that phase. ctx is the client context: cancelling it stops translation
// without sending anything further. Run does not close out.
func (t *Translator) Run(ctx context.Context, raw <-chan core.Event, out chan<- Event) Phase {
	tr := &turn{
		ctx:    ctx,
		out:    out,
		phase:  PhaseIdle,
		sentUI: map[string]bool{},
		logger: t.logger,
		last:   time.Now(),
	}

	budget := time.NewTimer(t.opts.Timeout)
	defer budget.Stop()

	var tick <-chan time.Time
	if t.opts.KeepaliveInterval > 0 {
		interval := t.opts.KeepaliveInterval / 2
		if interval <= 0 {
			interval = t.opts.KeepaliveInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for !tr.phase.Terminal() {
		select {
		case <-ctx.Done():
			tr.move(PhaseCancelled)

		case <-budget.C:
			t.logger.Warn("stream.timeout", "budget", t.opts.Timeout.String(), "phase", string(tr.phase))
			tr.fail(core.CodeTimeoutError, fmt.Sprintf("turn exceeded the time budget of %s", t.opts.Timeout))

		case <-tick:
			if time.Since(tr.last) >= t.opts.KeepaliveInterval {
				tr.send(KeepaliveEvent())
			}

		case ev, ok := <-raw:
			if !ok {
				if !tr.phase.Terminal() {
					t.logger.Error("stream.incomplete", "phase", string(tr.phase))
					tr.fail(core.CodeInternalError, "turn ended without a result")
				}
				continue
			}
			tr.handle(ev)
		}
	}

	return tr.phase
}

// turn holds the per-turn translator state.
type turn struct {
	ctx    context.Context
	out    chan<- Event
	phase  Phase
	logger logging.Logger
	last   time.Time

	pending      *core.StructuredResponse
	pendingAgent core.AgentName
	resultSent   bool
	sentUI       map[string]bool
}

func (tr *turn) move(to Phase) {
	if !CanTransition(tr.phase, to) {
		tr.logger.Debug("stream.phase.ignored", "from", string(tr.phase), "to", string(to))
		return
	}
	tr.phase = to
}

// send delivers ev unless the client went away.
func (tr *turn) send(ev Event) bool {
	select {
	case <-tr.ctx.Done():
		tr.phase = PhaseCancelled
		return false
	case tr.out <- ev:
		tr.last = time.Now()
		return true
	}
}

func (tr *turn) fail(code core.ErrorCode, message string) {
	if !tr.send(ErrorEvent(code, message)) {
		return
	}
	tr.phase = PhaseError
	tr.send(DoneEvent())
}

func (tr *turn) status(name string, agent core.AgentName) {
	if label, ok := Label(name); ok {
		tr.send(statusEvent(label, name, string(agent)))
	}
}

func (tr *turn) uiAction(a *core.UIAction) {
	if a == nil || a.Type == "" {
		return
	}
	key := a.Key()
	if tr.sentUI[key] {
		return
	}
	tr.sentUI[key] = true
	tr.send(uiActionEvent(*a))
}

func (tr *turn) handle(ev core.Event) {
	switch ev.Kind {
	case core.EventNodeStart:
		if tr.phase == PhaseIdle {
			tr.move(PhaseThinking)
		}
		tr.status(ev.Node, ev.Agent)

	case core.EventToken:
		if tr.phase != PhaseIdle && tr.phase != PhaseThinking {
			return
		}
		tr.move(PhaseThinking)
		if ev.Text != "" {
			tr.send(thinkingEvent(ev.Text, ev.Agent))
		}

	case core.EventToolStart:
		tr.status(ev.Tool, ev.Agent)
		tr.send(toolStartEvent(ev))

	case core.EventToolEnd:
		tr.send(toolEndEvent(ev))
		tr.uiAction(ev.UIAction)

	case core.EventNodeEnd:
		if !ev.Final || ev.Response == nil {
			return
		}
		if tr.pending != nil || tr.resultSent {
			tr.logger.Debug("stream.result.duplicate", "node", ev.Node)
			return
		}
		tr.pending = ev.Response.Clone()
		tr.pendingAgent = ev.Agent
		tr.move(PhaseResultReady)
		tr.uiAction(tr.pending.UIAction)

	case core.EventError:
		code, msg := core.CodeInternalError, "internal error"
		if ev.Err != nil {
			code, msg = ev.Err.Code, ev.Err.Message
		}
		tr.fail(code, msg)

	case core.EventTurnEnd:
		tr.finish(ev)
	}
}

func (tr *turn) finish(ev core.Event) {
	resp := tr.pending
	if resp == nil && ev.Response != nil {
		resp = ev.Response.Clone()
		tr.move(PhaseResultReady)
	}
	if resp == nil {
		tr.fail(core.CodeInternalError, "turn ended without a result")
		return
	}

	if !tr.resultSent {
		tr.uiAction(resp.UIAction)

		data := resp.Payload()
		if len(ev.Metadata) > 0 {
			data["metadata"] = core.CloneMap(ev.Metadata)
		}
		if !tr.send(resultEvent(data)) {
			return
		}
		tr.resultSent = true
	}

	if tr.send(DoneEvent()) {
		tr.move(PhaseDone)
	}
}
