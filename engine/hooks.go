package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/logging"
	"github.com/hupe1980/careflow/router"
	"github.com/hupe1980/careflow/stream"
)

// HookType defines the lifecycle points of a turn where hooks run.
type HookType string

const (
	// HookBeforeTurn runs after the checkpoint was loaded and the inbound
	// message appended, before the graph starts. Returning an error rejects
	// the turn.
	HookBeforeTurn HookType = "before_turn"

	// HookAfterTurn runs after a completed turn was checkpointed.
	HookAfterTurn HookType = "after_turn"

	// HookOnError runs when a turn failed or its checkpoint could not be
	// written. Cancelled turns do not trigger it.
	HookOnError HookType = "on_error"
)

// HookContext describes the turn a hook runs for. State is a snapshot;
// mutating it has no effect on the session.
type HookContext struct {
	SessionID string
	TurnID    string
	State     *core.State

	// Outcome and Phase are set after the turn ran.
	Outcome *router.Outcome
	Phase   stream.Phase

	Err error

	// Metadata is the result metadata of a completed turn.
	Metadata map[string]any
}

// Hook is a turn lifecycle extension point.
//
// Hooks run synchronously on the turn goroutine and should return quickly.
type Hook interface {
	Type() HookType
	Execute(ctx context.Context, hc *HookContext) error
}

// FunctionHook wraps a function as a Hook.
//
// Example:
//
//	h := NewFunctionHook(HookAfterTurn, func(ctx context.Context, hc *HookContext) error {
//	    if hc.State.RequiresHumanIntervention {
//	        notifyStaff(hc.SessionID, hc.State.InterventionReason)
//	    }
//	    return nil
//	})
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hc *HookContext) error
}

// NewFunctionHook creates a function based hook.
func NewFunctionHook(hookType HookType, fn func(ctx context.Context, hc *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: hookType, fn: fn}
}

// Type implements Hook.
func (h *FunctionHook) Type() HookType { return h.hookType }

// Execute implements Hook.
func (h *FunctionHook) Execute(ctx context.Context, hc *HookContext) error {
	return h.fn(ctx, hc)
}

// HookManager runs registered hooks in registration order. The first
// error stops the chain.
type HookManager struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

// NewHookManager creates an empty HookManager.
func NewHookManager() *HookManager {
	return &HookManager{hooks: make(map[HookType][]Hook)}
}

// Register adds a hook.
func (m *HookManager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[h.Type()] = append(m.hooks[h.Type()], h)
}

// Len returns the number of hooks registered for hookType.
func (m *HookManager) Len(hookType HookType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[hookType])
}

// Execute runs every hook registered for hookType.
func (m *HookManager) Execute(ctx context.Context, hookType HookType, hc *HookContext) error {
	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooks[hookType]...)
	m.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Execute(ctx, hc); err != nil {
			return err
		}
	}

	return nil
}

// LoggingHook logs turn lifecycle points with structured attributes.
type LoggingHook struct {
	hookType HookType
	logger   logging.Logger
}

// NewLoggingHook creates a hook logging hookType events to logger.
func NewLoggingHook(hookType HookType, logger logging.Logger) *LoggingHook {
	return &LoggingHook{hookType: hookType, logger: logging.OrNoOp(logger)}
}

// Type implements Hook.
func (h *LoggingHook) Type() HookType { return h.hookType }

// Execute implements Hook.
func (h *LoggingHook) Execute(_ context.Context, hc *HookContext) error {
	args := []any{"session_id", hc.SessionID, "turn_id", hc.TurnID}
	if hc.Outcome != nil {
		args = append(args, "agent", string(hc.Outcome.Agent), "terminal", string(hc.Outcome.Terminal))
	}
	if hc.Phase != "" {
		args = append(args, "phase", string(hc.Phase))
	}
	if hc.State != nil && hc.State.RequiresHumanIntervention {
		args = append(args, "requires_human", true, "intervention_reason", hc.State.InterventionReason)
	}

	if hc.Err != nil {
		h.logger.Error("engine.hook."+string(h.hookType), append(args, "error", hc.Err.Error())...)
		return nil
	}

	h.logger.Info("engine.hook."+string(h.hookType), args...)
	return nil
}
