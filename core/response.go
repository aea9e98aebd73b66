package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultFallbackConfidence is the confidence attached to responses
// synthesized from raw text when structured formatting fails.
const DefaultFallbackConfidence = 0.7

// Reserved structured response keys shared by every agent shape.
const (
	FieldThinkingProgress = "thinking_progress"
	FieldFinalResponse    = "final_response"
	FieldConfidenceScore  = "confidence_score"
	FieldUIAction         = "ui_action"
)

// UIAction is a tagged directive telling the client to render an interactive
// component such as a booking form.
type UIAction struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Key returns a stable identity used to suppress duplicate emissions.
func (a UIAction) Key() string {
	b, err := json.Marshal(a.Payload)
	if err != nil {
		return a.Type
	}
	return a.Type + ":" + string(b)
}

// Map renders the action as a JSON object.
func (a UIAction) Map() map[string]any {
	m := map[string]any{"type": a.Type}
	if len(a.Payload) > 0 {
		m["payload"] = CloneMap(a.Payload)
	}
	return m
}

// ParseUIAction interprets v as a UI action. Objects need a non-empty "type";
// keys other than "type" and "payload" are folded into the payload.
func ParseUIAction(v any) *UIAction {
	switch t := v.(type) {
	case nil:
		return nil
	case *UIAction:
		if t == nil || t.Type == "" {
			return nil
		}
		c := *t
		return &c
	case UIAction:
		if t.Type == "" {
			return nil
		}
		return &t
	case map[string]any:
		typ, _ := t["type"].(string)
		if strings.TrimSpace(typ) == "" {
			return nil
		}
		a := &UIAction{Type: typ}
		if p, ok := t["payload"].(map[string]any); ok {
			a.Payload = CloneMap(p)
		}
		for k, val := range t {
			if k == "type" || k == "payload" {
				continue
			}
			if a.Payload == nil {
				a.Payload = map[string]any{}
			}
			a.Payload[k] = cloneValue(val)
		}
		return a
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return &UIAction{Type: t}
	default:
		return nil
	}
}

// StructuredResponse is the terminal output of a specialist agent. Fields
// carries the agent specific domain keys.
type StructuredResponse struct {
	ThinkingProgress []string       `json:"thinking_progress,omitempty"`
	FinalResponse    string         `json:"final_response"`
	ConfidenceScore  float64        `json:"confidence_score"`
	Fields           map[string]any `json:"-"`
	UIAction         *UIAction      `json:"ui_action,omitempty"`
	// Fallback is set when the response was synthesized from raw text.
	Fallback bool `json:"-"`
}

// FallbackResponse wraps raw text as a response without domain fields.
func FallbackResponse(text string, confidence float64) *StructuredResponse {
	return &StructuredResponse{
		FinalResponse:   strings.TrimSpace(text),
		ConfidenceScore: ClampConfidence(confidence),
		Fields:          map[string]any{},
		Fallback:        true,
	}
}

// ResponseFromMap normalizes a decoded JSON object into a StructuredResponse.
// A missing or unparsable confidence becomes defaultConfidence; values are
// clamped to [0,1].
func ResponseFromMap(m map[string]any, defaultConfidence float64) *StructuredResponse {
	r := &StructuredResponse{Fields: map[string]any{}, ConfidenceScore: ClampConfidence(defaultConfidence)}
	for k, v := range m {
		switch k {
		case FieldThinkingProgress:
			r.ThinkingProgress = toStrings(v)
		case FieldFinalResponse:
			r.FinalResponse = toString(v)
		case FieldConfidenceScore:
			if f, ok := ToFloat(v); ok {
				r.ConfidenceScore = ClampConfidence(f)
			}
		case FieldUIAction:
			r.UIAction = ParseUIAction(v)
		default:
			r.Fields[k] = cloneValue(v)
		}
	}
	return r
}

// Field returns a domain field.
func (r *StructuredResponse) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// StringField returns a domain field rendered as a string, or "".
func (r *StructuredResponse) StringField(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	return toString(v)
}

// BoolField returns a boolean domain field, or false.
func (r *StructuredResponse) BoolField(name string) bool {
	b, _ := r.Fields[name].(bool)
	return b
}

// Payload returns the client facing object: domain fields plus
// final_response and confidence_score. Thinking progress and the UI action
// are excluded.
func (r *StructuredResponse) Payload() map[string]any {
	out := CloneMap(r.Fields)
	if out == nil {
		out = map[string]any{}
	}
	out[FieldFinalResponse] = r.FinalResponse
	out[FieldConfidenceScore] = r.ConfidenceScore
	return out
}

// Map returns every key of the response including the process trace.
func (r *StructuredResponse) Map() map[string]any {
	out := r.Payload()
	if len(r.ThinkingProgress) > 0 {
		tp := make([]any, len(r.ThinkingProgress))
		for i, s := range r.ThinkingProgress {
			tp[i] = s
		}
		out[FieldThinkingProgress] = tp
	}
	if r.UIAction != nil {
		out[FieldUIAction] = r.UIAction.Map()
	}
	return out
}

// Clone returns a deep copy of r.
func (r *StructuredResponse) Clone() *StructuredResponse {
	if r == nil {
		return nil
	}
	c := *r
	c.ThinkingProgress = append([]string(nil), r.ThinkingProgress...)
	c.Fields = CloneMap(r.Fields)
	if r.UIAction != nil {
		a := UIAction{Type: r.UIAction.Type, Payload: CloneMap(r.UIAction.Payload)}
		c.UIAction = &a
	}
	return &c
}

// ToFloat converts JSON-ish numeric values. NaN and infinities are rejected.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := toString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
