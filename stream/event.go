// Package stream defines the client facing turn protocol and the translator
// that turns raw execution events into it.
//
// A turn streams status labels, thinking tokens and tool progress, then
// exactly one result_json, then done. Errors are followed by done as well;
// done is always the last event of a turn that was not cancelled.
package stream

import (
	"github.com/hupe1980/careflow/core"
)

// Type enumerates the client facing event kinds.
type Type string

const (
	TypeStatus     Type = "status"
	TypeThinking   Type = "thinking"
	TypeToolStart  Type = "tool_start"
	TypeToolEnd    Type = "tool_end"
	TypeUIAction   Type = "ui_action"
	TypeResultJSON Type = "result_json"
	TypeError      Type = "error"
	TypeDone       Type = "done"
	TypeKeepalive  Type = "keepalive"
)

// Event is one client facing event, serialized as a flat JSON object keyed
// by type.
type Event struct {
	Type       Type           `json:"type"`
	Label      string         `json:"label,omitempty"`
	Node       string         `json:"node,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Content    string         `json:"content,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	UIAction   *core.UIAction `json:"ui_action,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Terminal reports whether e closes a turn.
func (e Event) Terminal() bool { return e.Type == TypeDone }

func statusEvent(label, node, agent string) Event {
	return Event{Type: TypeStatus, Label: label, Node: node, Agent: agent}
}

func thinkingEvent(token string, agent core.AgentName) Event {
	return Event{Type: TypeThinking, Content: token, Agent: string(agent)}
}

func toolStartEvent(ev core.Event) Event {
	return Event{Type: TypeToolStart, Tool: ev.Tool, ToolCallID: ev.ToolCallID, Input: ev.Input, Agent: string(ev.Agent)}
}

func toolEndEvent(ev core.Event) Event {
	return Event{Type: TypeToolEnd, Tool: ev.Tool, ToolCallID: ev.ToolCallID, Output: ev.Output, IsError: ev.IsError, Agent: string(ev.Agent)}
}

func uiActionEvent(a core.UIAction) Event {
	return Event{Type: TypeUIAction, UIAction: &core.UIAction{Type: a.Type, Payload: core.CloneMap(a.Payload)}}
}

func resultEvent(data map[string]any) Event {
	return Event{Type: TypeResultJSON, Data: data}
}

// ErrorEvent builds an error event.
func ErrorEvent(code core.ErrorCode, message string) Event {
	return Event{Type: TypeError, Code: string(code), Message: message}
}

// DoneEvent builds the closing event of a turn.
func DoneEvent() Event { return Event{Type: TypeDone} }

// KeepaliveEvent builds an idle heartbeat.
func KeepaliveEvent() Event { return Event{Type: TypeKeepalive} }
