package core

import (
	"context"

	"github.com/hupe1980/careflow/logging"
)

// RunContext carries the execution scope of one graph node within a turn. It
// aggregates:
//   - The ambient cancellation Context
//   - Identifiers (SessionID, TurnID, active Agent)
//   - The working State owned by the turn
//   - The emission channel feeding the stream translator
type RunContext struct {
	Context   context.Context
	SessionID string
	TurnID    string
	Agent     AgentName
	State     *State
	Emit      chan<- Event

	scopedLogger
}

// NewRunContext constructs a RunContext for state.
func NewRunContext(ctx context.Context, turnID string, state *State, emit chan<- Event, logger logging.Logger) *RunContext {
	return &RunContext{
		Context:      ctx,
		SessionID:    state.SessionID,
		TurnID:       turnID,
		State:        state,
		Emit:         emit,
		scopedLogger: newScopedLogger(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// WithAgent returns a shallow copy bound to agent sharing State and Emit.
func (rc *RunContext) WithAgent(agent AgentName) *RunContext {
	c := *rc
	c.Agent = agent
	c.scopedLogger = newScopedLogger(rc.Logger(), "agent", string(agent))
	return &c
}

// EmitEvent sends ev unless the context is cancelled first. A nil Emit
// channel discards events.
func (rc *RunContext) EmitEvent(ev Event) error {
	if rc.Emit == nil {
		return nil
	}

	if ev.TurnID == "" {
		ev.TurnID = rc.TurnID
	}

	select {
	case <-rc.Context.Done():
		return rc.Context.Err()
	case rc.Emit <- ev:
	}

	return nil
}
