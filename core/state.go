package core

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Role identifies the author class of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// AgentName enumerates the routing targets understood by the supervisor.
type AgentName string

const (
	AgentClinical     AgentName = "clinical"
	AgentTriage       AgentName = "triage"
	AgentConsultant   AgentName = "consultant"
	AgentPharmacist   AgentName = "pharmacist"
	AgentParaclinical AgentName = "paraclinical"
	AgentMarketing    AgentName = "marketing"
	AgentSummarize    AgentName = "summarize"
	AgentHuman        AgentName = "human"
	AgentEnd          AgentName = "end"
)

// Specialists lists the agents that execute model work, in catalog order.
var Specialists = []AgentName{
	AgentClinical,
	AgentTriage,
	AgentConsultant,
	AgentPharmacist,
	AgentParaclinical,
	AgentMarketing,
	AgentSummarize,
}

// Valid reports whether a is one of the enumerated routing targets.
func (a AgentName) Valid() bool {
	return a.IsSpecialist() || a == AgentHuman || a == AgentEnd
}

// IsSpecialist reports whether a names an executable specialist agent.
func (a AgentName) IsSpecialist() bool {
	for _, s := range Specialists {
		if s == a {
			return true
		}
	}
	return false
}

// ParseAgentName normalizes s and reports whether it names a routing target.
func ParseAgentName(s string) (AgentName, bool) {
	a := AgentName(strings.ToLower(strings.TrimSpace(s)))
	return a, a.Valid()
}

// TriageCode is the urgency classification assigned by the triage agent.
type TriageCode string

const (
	CodeBlue   TriageCode = "CODE_BLUE"
	CodeRed    TriageCode = "CODE_RED"
	CodeYellow TriageCode = "CODE_YELLOW"
	CodeGreen  TriageCode = "CODE_GREEN"
)

// TriageCodes lists the valid triage codes from most to least urgent.
var TriageCodes = []TriageCode{CodeBlue, CodeRed, CodeYellow, CodeGreen}

// ParseTriageCode returns the TriageCode for s if it is one of the fixed values.
func ParseTriageCode(s string) (TriageCode, bool) {
	c := TriageCode(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range TriageCodes {
		if v == c {
			return c, true
		}
	}
	return "", false
}

// Message is one entry of the append-only conversation log.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Agent     string         `json:"agent"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewUserMessage creates a user authored message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Agent: string(RoleUser), Timestamp: time.Now().UTC()}
}

// NewAssistantMessage creates a message authored by the named agent.
func NewAssistantMessage(agent AgentName, content string) Message {
	return Message{Role: RoleAssistant, Content: content, Agent: string(agent), Timestamp: time.Now().UTC()}
}

// State is the record threaded through one turn. A turn owns its State
// exclusively; the engine serializes turns per session so no locking is needed.
type State struct {
	SessionID                 string         `json:"session_id"`
	Messages                  []Message      `json:"messages"`
	NextAgent                 AgentName      `json:"next_agent,omitempty"`
	CurrentAgent              AgentName      `json:"current_agent,omitempty"`
	PatientContext            map[string]any `json:"patient_context,omitempty"`
	ToolOutputs               map[string]any `json:"tool_outputs,omitempty"`
	Error                     string         `json:"error,omitempty"`
	RequiresHumanIntervention bool           `json:"requires_human_intervention"`
	InterventionReason        string         `json:"intervention_reason,omitempty"`
	ConfidenceScore           *float64       `json:"confidence_score,omitempty"`
	TriageCode                TriageCode     `json:"triage_code,omitempty"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// NewState returns an empty state for sessionID.
func NewState(sessionID string) *State {
	return &State{
		SessionID:   sessionID,
		Messages:    []Message{},
		ToolOutputs: map[string]any{},
		UpdatedAt:   time.Now().UTC(),
	}
}

// AppendMessage adds m to the conversation log.
func (s *State) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// LastUserMessage returns the content of the most recent user message.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// SetConfidence stores v clamped to [0,1].
func (s *State) SetConfidence(v float64) {
	c := ClampConfidence(v)
	s.ConfidenceScore = &c
}

// SetTriageCode stores code if it is valid and reports whether it was accepted.
func (s *State) SetTriageCode(code string) bool {
	c, ok := ParseTriageCode(code)
	if ok {
		s.TriageCode = c
	}
	return ok
}

// SetToolOutput records the latest output of a tool by name.
func (s *State) SetToolOutput(name string, v any) {
	if s.ToolOutputs == nil {
		s.ToolOutputs = map[string]any{}
	}
	s.ToolOutputs[name] = v
}

// ResetTurn clears per-turn routing, escalation, scoring and error fields
// while keeping history and patient context. Earlier triage codes stay in
// the metadata of the assistant messages that produced them.
func (s *State) ResetTurn() {
	s.NextAgent = ""
	s.Error = ""
	s.TriageCode = ""
	s.ConfidenceScore = nil
	s.RequiresHumanIntervention = false
	s.InterventionReason = ""
	s.ToolOutputs = map[string]any{}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m
		if m.Metadata != nil {
			c.Messages[i].Metadata = CloneMap(m.Metadata)
		}
	}
	c.PatientContext = CloneMap(s.PatientContext)
	c.ToolOutputs = CloneMap(s.ToolOutputs)
	if c.ToolOutputs == nil {
		c.ToolOutputs = map[string]any{}
	}
	if s.ConfidenceScore != nil {
		v := *s.ConfidenceScore
		c.ConfidenceScore = &v
	}
	return &c
}

// ClampConfidence bounds v to [0,1]. NaN maps to DefaultFallbackConfidence.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultFallbackConfidence
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// CloneMap deep copies JSON-shaped maps. Values that are not maps or slices
// are copied by assignment.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// MergeMissing copies keys from src into dst when dst lacks the key or holds nil.
func MergeMissing(dst, src map[string]any) {
	for k, v := range src {
		if cur, ok := dst[k]; ok && cur != nil {
			continue
		}
		if v == nil {
			if _, ok := dst[k]; !ok {
				dst[k] = nil
			}
			continue
		}
		dst[k] = v
	}
}
