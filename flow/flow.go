// Package flow implements the specialist agent executor: a generic two-phase
// contract parametrized by an agent.Spec.
//
// Phase 1 calls the model with the agent instruction, the filtered history
// and the whitelisted tools, executing requested tools until the model
// answers with text or the round cap is reached. Phase 2 coerces that text
// into the agent's structured response shape. When formatting fails the
// response is recovered from JSON embedded in the text or synthesized from
// the raw text, so a turn never fails on malformed output.
package flow

import (
	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

// RequestProcessor prepares the phase 1 model request before the first call.
type RequestProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessRequest modifies the request before model execution.
	ProcessRequest(runCtx *core.RunContext, req *model.Request, spec *agent.Spec) error
}
