package flow

import (
	"fmt"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

// InstructionsProcessor resolves the agent instruction into the request.
type InstructionsProcessor struct{}

// NewInstructionsProcessor creates a new instructions processor.
func NewInstructionsProcessor() *InstructionsProcessor { return &InstructionsProcessor{} }

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest sets req.Instructions.
func (p *InstructionsProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, spec *agent.Spec) error {
	instructions, err := spec.Instruction.Resolve(runCtx)
	if err != nil {
		return fmt.Errorf("failed to resolve instruction: %w", err)
	}

	runCtx.LogDebug("flow.instruction.resolved", "length", len(instructions))

	req.Instructions = instructions

	return nil
}

// HistoryProcessor replays the filtered conversation, keeping at most
// MaxMessages of the most recent entries (0 keeps everything).
type HistoryProcessor struct {
	MaxMessages int
}

// NewHistoryProcessor creates a history processor.
func NewHistoryProcessor(maxMessages int) *HistoryProcessor {
	return &HistoryProcessor{MaxMessages: maxMessages}
}

// Name returns the processor's identifier.
func (p *HistoryProcessor) Name() string { return "history" }

// ProcessRequest appends conversation contents to req.
func (p *HistoryProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, _ *agent.Spec) error {
	msgs := FilterMessages(runCtx.State.Messages)

	dropped := len(runCtx.State.Messages) - len(msgs)
	if dropped > 0 {
		runCtx.LogDebug("flow.history.filtered", "dropped", dropped)
	}

	if p.MaxMessages > 0 && len(msgs) > p.MaxMessages {
		msgs = msgs[len(msgs)-p.MaxMessages:]
	}

	for _, m := range msgs {
		if m.Role == core.RoleTool {
			continue
		}
		req.Contents = append(req.Contents, core.ContentFromMessage(m))
	}

	return nil
}
