package agent

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from session state, environment, etc.
type Provider interface {
	Instruction(*core.RunContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(*core.RunContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(rc *core.RunContext) (string, error) { return f(rc) }

// Instruction represents either a static template or a dynamic provider.
// Static text is rendered as a text/template against TemplateData.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(*core.RunContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether neither text nor provider is set.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider or rendering
// the template as needed.
func (i Instruction) Resolve(rc *core.RunContext) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(rc)
	}
	return util.RenderTemplate(i.text, TemplateData(rc))
}

// TemplateData exposes the turn to instruction templates:
//
//	.agent .session_id .triage_code .patient_context .patient_json .date
func TemplateData(rc *core.RunContext) map[string]any {
	data := map[string]any{
		"date": time.Now().UTC().Format("2006-01-02"),
	}
	if rc == nil {
		return data
	}

	data["agent"] = string(rc.Agent)
	data["session_id"] = rc.SessionID

	if rc.State != nil {
		if rc.State.TriageCode != "" {
			data["triage_code"] = string(rc.State.TriageCode)
		}
		if len(rc.State.PatientContext) > 0 {
			data["patient_context"] = core.CloneMap(rc.State.PatientContext)
			if b, err := json.Marshal(rc.State.PatientContext); err == nil {
				data["patient_json"] = string(b)
			}
		}
	}

	return data
}
