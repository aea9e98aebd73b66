package tool

import (
	"fmt"
	"strings"

	"github.com/hupe1980/careflow/core"
)

// Names of the orchestration tools.
const (
	TransferToAgentName = "transfer_to_agent"
	EscalateToHumanName = "escalate_to_human"
)

// transferToAgentTool requests a handoff to another specialist. The graph
// routes back through the supervisor with the target preset.
type transferToAgentTool struct{}

// NewTransferToAgentTool constructs the handoff tool.
func NewTransferToAgentTool() Tool { return &transferToAgentTool{} }

func (t *transferToAgentTool) Name() string { return TransferToAgentName }

func (t *transferToAgentTool) Description() string {
	return "Hand the conversation to another specialist agent when the request is outside your competence."
}

func (t *transferToAgentTool) Parameters() map[string]any {
	names := make([]any, 0, len(core.Specialists))
	for _, s := range core.Specialists {
		names = append(names, string(s))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  map[string]any{"type": "string", "description": "Target specialist", "enum": names},
			"reason": map[string]any{"type": "string", "description": "Why the handoff is needed"},
		},
		"required": []string{"agent"},
	}
}

func (t *transferToAgentTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	raw, _ := args["agent"].(string)
	target, ok := core.ParseAgentName(raw)
	if !ok || !target.IsSpecialist() {
		return nil, NewToolError(t.Name(), fmt.Sprintf("unknown specialist %q", raw), CodeValidation)
	}
	if target == tc.AgentName() {
		return nil, NewToolError(t.Name(), "cannot transfer to the active agent", CodeValidation)
	}
	tc.TransferToAgent(target)
	return map[string]any{"transferred": true, "agent": string(target)}, nil
}

// escalateToHumanTool flags the session for human intervention. The graph
// terminates in the HUMAN state after the active agent finishes.
type escalateToHumanTool struct{}

// NewEscalateToHumanTool constructs the escalation tool.
func NewEscalateToHumanTool() Tool { return &escalateToHumanTool{} }

func (t *escalateToHumanTool) Name() string { return EscalateToHumanName }

func (t *escalateToHumanTool) Description() string {
	return "Escalate the conversation to a human clinician. Use for emergencies, distress or explicit requests for a person."
}

func (t *escalateToHumanTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string", "description": "Why a human is needed"},
		},
		"required": []string{"reason"},
	}
}

func (t *escalateToHumanTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	reason, _ := args["reason"].(string)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, NewToolError(t.Name(), "reason must not be empty", CodeValidation)
	}
	tc.Escalate(reason)
	return map[string]any{"escalated": true, "reason": reason}, nil
}
