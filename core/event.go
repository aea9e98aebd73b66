package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates raw execution events produced by the turn pipeline.
type EventKind string

const (
	// EventNodeStart marks a graph node (router, specialist, formatter) starting.
	EventNodeStart EventKind = "node_start"
	// EventNodeEnd marks a graph node finishing. Specialist node ends carry the
	// structured response.
	EventNodeEnd EventKind = "node_end"
	// EventToken carries one raw model output token.
	EventToken EventKind = "token"
	// EventToolStart marks a tool invocation starting.
	EventToolStart EventKind = "tool_start"
	// EventToolEnd carries a tool result and optional UI action.
	EventToolEnd EventKind = "tool_end"
	// EventError carries a failure the pipeline could not recover from.
	EventError EventKind = "error"
	// EventTurnEnd is the last event of a turn and carries the final state summary.
	EventTurnEnd EventKind = "turn_end"
)

// Event is one raw execution event. After emission it should be treated as
// immutable. Consumers branch on Kind; unused fields stay zero.
type Event struct {
	ID         string              `json:"id"`
	TurnID     string              `json:"turn_id"`
	Kind       EventKind           `json:"kind"`
	Node       string              `json:"node,omitempty"`
	Agent      AgentName           `json:"agent,omitempty"`
	Tool       string              `json:"tool,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	Text       string              `json:"text,omitempty"`
	Input      map[string]any      `json:"input,omitempty"`
	Output     string              `json:"output,omitempty"`
	IsError    bool                `json:"is_error,omitempty"`
	UIAction   *UIAction           `json:"ui_action,omitempty"`
	Response   *StructuredResponse `json:"response,omitempty"`
	// Final marks a node end whose response is the terminal result of the turn.
	Final bool   `json:"final,omitempty"`
	Err   *Error `json:"error,omitempty"`
	// Metadata summarizes the turn on turn_end events.
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewID generates a new unique identifier for events, turns and tool calls.
func NewID() string { return uuid.NewString() }

func newEvent(turnID string, kind EventKind) Event {
	return Event{ID: NewID(), TurnID: turnID, Kind: kind, Timestamp: time.Now().UTC()}
}

// NewNodeStartEvent reports node starting work on behalf of agent.
func NewNodeStartEvent(turnID, node string, agent AgentName) Event {
	e := newEvent(turnID, EventNodeStart)
	e.Node = node
	e.Agent = agent
	return e
}

// NewNodeEndEvent reports node finishing. resp may be nil for nodes that do
// not produce a structured response.
func NewNodeEndEvent(turnID, node string, agent AgentName, resp *StructuredResponse, final bool) Event {
	e := newEvent(turnID, EventNodeEnd)
	e.Node = node
	e.Agent = agent
	e.Response = resp
	e.Final = final
	return e
}

// NewTokenEvent carries one model output token.
func NewTokenEvent(turnID string, agent AgentName, text string) Event {
	e := newEvent(turnID, EventToken)
	e.Agent = agent
	e.Node = string(agent)
	e.Text = text
	return e
}

// NewToolStartEvent reports a tool invocation starting.
func NewToolStartEvent(turnID string, agent AgentName, tool, callID string, input map[string]any) Event {
	e := newEvent(turnID, EventToolStart)
	e.Agent = agent
	e.Tool = tool
	e.ToolCallID = callID
	e.Input = input
	return e
}

// NewToolEndEvent reports a tool invocation result.
func NewToolEndEvent(turnID string, agent AgentName, tool, callID, output string, isError bool, action *UIAction) Event {
	e := newEvent(turnID, EventToolEnd)
	e.Agent = agent
	e.Tool = tool
	e.ToolCallID = callID
	e.Output = output
	e.IsError = isError
	e.UIAction = action
	return e
}

// NewErrorEvent reports an unrecoverable pipeline failure.
func NewErrorEvent(turnID string, err *Error) Event {
	e := newEvent(turnID, EventError)
	e.Err = err
	return e
}

// NewTurnEndEvent closes a turn. resp is the last structured response
// produced, if any; metadata summarizes the turn for clients.
func NewTurnEndEvent(turnID string, agent AgentName, resp *StructuredResponse, metadata map[string]any) Event {
	e := newEvent(turnID, EventTurnEnd)
	e.Agent = agent
	e.Response = resp
	e.Metadata = metadata
	return e
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
