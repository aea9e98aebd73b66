package testutil

import (
	"github.com/hupe1980/careflow/core"
)

// StateBuilder helps construct turn state with fluent chaining for tests.
// Example:
//
//	st := NewStateBuilder("sess-1").User("hi").Assistant(core.AgentConsultant, "hello").Build()
type StateBuilder struct {
	state *core.State
}

// NewStateBuilder creates a builder for a state with the given session id.
func NewStateBuilder(sessionID string) *StateBuilder {
	return &StateBuilder{state: core.NewState(sessionID)}
}

// User appends a user message (chainable).
func (b *StateBuilder) User(text string) *StateBuilder {
	b.state.AppendMessage(core.NewUserMessage(text))
	return b
}

// Assistant appends an assistant message authored by agent (chainable).
func (b *StateBuilder) Assistant(agent core.AgentName, text string) *StateBuilder {
	b.state.AppendMessage(core.NewAssistantMessage(agent, text))
	return b
}

// Message appends an arbitrary message (chainable).
func (b *StateBuilder) Message(m core.Message) *StateBuilder {
	b.state.AppendMessage(m)
	return b
}

// Patient sets the patient context (chainable).
func (b *StateBuilder) Patient(ctx map[string]any) *StateBuilder {
	b.state.PatientContext = ctx
	return b
}

// Current sets the current agent (chainable).
func (b *StateBuilder) Current(a core.AgentName) *StateBuilder {
	b.state.CurrentAgent = a
	return b
}

// Next presets the next agent (chainable).
func (b *StateBuilder) Next(a core.AgentName) *StateBuilder {
	b.state.NextAgent = a
	return b
}

// Triage sets the triage code (chainable).
func (b *StateBuilder) Triage(c core.TriageCode) *StateBuilder {
	b.state.TriageCode = c
	return b
}

// Build returns the constructed state.
func (b *StateBuilder) Build() *core.State {
	return b.state
}
