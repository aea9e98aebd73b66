package core

import (
	"context"
	"fmt"
)

// ToolActions encodes orchestration signals raised by a tool. Pointer fields
// distinguish absence from zero values.
type ToolActions struct {
	TransferToAgent  *AgentName     `json:"transfer_to_agent,omitempty"`
	Escalate         *bool          `json:"escalate,omitempty"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	UIAction         *UIAction      `json:"ui_action,omitempty"`
	StateDelta       map[string]any `json:"state_delta,omitempty"`
}

// ToolContext provides a constrained surface for tool implementations. It
// accumulates ToolActions (handoffs, escalation, UI actions, tool output
// deltas) without mutating the turn State until the invoker applies them.
type ToolContext struct {
	runCtx         *RunContext
	functionCallID string
	toolName       string
	actions        ToolActions

	scopedLogger
}

// NewToolContext constructs a tool context bound to runCtx.
func NewToolContext(runCtx *RunContext, toolName, functionCallID string) *ToolContext {
	return &ToolContext{
		runCtx:         runCtx,
		functionCallID: functionCallID,
		toolName:       toolName,
		scopedLogger:   newScopedLogger(runCtx.Logger(), "tool", toolName, "function_call_id", functionCallID),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.runCtx.Context }

// SessionID returns the session ID associated with the tool invocation.
func (tc *ToolContext) SessionID() string { return tc.runCtx.SessionID }

// TurnID returns the turn ID associated with the tool invocation.
func (tc *ToolContext) TurnID() string { return tc.runCtx.TurnID }

// FunctionCallID returns the function call ID associated with the tool invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// ToolName returns the name of the invoked tool.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// AgentName returns the agent on whose behalf the tool runs.
func (tc *ToolContext) AgentName() AgentName { return tc.runCtx.Agent }

// PatientContext returns a copy of the turn's patient context.
func (tc *ToolContext) PatientContext() map[string]any {
	if tc.runCtx.State == nil {
		return nil
	}
	return CloneMap(tc.runCtx.State.PatientContext)
}

// TriageCode returns the triage code recorded so far in the session.
func (tc *ToolContext) TriageCode() TriageCode {
	if tc.runCtx.State == nil {
		return ""
	}
	return tc.runCtx.State.TriageCode
}

// SetState stages a tool output delta applied to State.ToolOutputs.
func (tc *ToolContext) SetState(k string, v any) {
	if tc.actions.StateDelta == nil {
		tc.actions.StateDelta = map[string]any{}
	}
	tc.actions.StateDelta[k] = v
}

// Actions returns the actions accumulated in the tool context.
func (tc *ToolContext) Actions() *ToolActions { return &tc.actions }

// TransferToAgent signals orchestration to hand off control to another agent.
func (tc *ToolContext) TransferToAgent(name AgentName) {
	tc.actions.TransferToAgent = &name
	tc.LogInfo("tool.transfer.request", "from_agent", string(tc.AgentName()), "to_agent", string(name))
}

// Escalate requests escalation to a human operator.
func (tc *ToolContext) Escalate(reason string) {
	b := true
	tc.actions.Escalate = &b
	tc.actions.EscalationReason = reason
	tc.LogInfo("tool.escalate.request", "agent", string(tc.AgentName()), "reason", reason)
}

// ShowUIAction attaches a UI directive to the tool result. A later call
// replaces an earlier one.
func (tc *ToolContext) ShowUIAction(a UIAction) {
	tc.actions.UIAction = &a
}

// Validate performs a structural sanity check of the context.
func (tc *ToolContext) Validate() error {
	if tc.runCtx == nil || tc.runCtx.SessionID == "" || tc.functionCallID == "" {
		return fmt.Errorf("invalid ToolContext")
	}

	return nil
}

// ApplyActions merges accumulated actions into state.
func (tc *ToolContext) ApplyActions(state *State) {
	if state == nil {
		return
	}

	for k, v := range tc.actions.StateDelta {
		state.SetToolOutput(k, v)
	}

	if tc.actions.TransferToAgent != nil {
		state.NextAgent = *tc.actions.TransferToAgent
		tc.LogInfo("tool.transfer.applied", "from_agent", string(tc.AgentName()), "to_agent", string(*tc.actions.TransferToAgent))
	}

	if tc.actions.Escalate != nil && *tc.actions.Escalate {
		state.RequiresHumanIntervention = true
		if tc.actions.EscalationReason != "" {
			state.InterventionReason = tc.actions.EscalationReason
		}
		tc.LogInfo("tool.escalate.applied", "agent", string(tc.AgentName()))
	}
}
