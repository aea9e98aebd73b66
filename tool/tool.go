// Package tool implements the function / tool calling subsystem that lets
// specialist agents invoke declared capabilities with schema validated
// arguments, per-agent whitelists and consistent error handling. Tool failures
// never abort a turn: the Invoker converts them into text fed back to the model.
package tool

import (
	"fmt"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/internal/util"
)

// Tool defines a declared callable reachable by specialist agents.
//
// Tools receive a ToolContext exposing the patient context and orchestration
// signals (handoff, escalation, UI actions). Implementations must be safe for
// concurrent use across sessions.
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the LLM to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	// This schema is used for parameter validation and LLM function calling.
	Parameters() map[string]any

	// Call executes the tool with arguments decoded from the model request.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Tool error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeExecution    = "EXECUTION_ERROR"
	CodeNotPermitted = "NOT_PERMITTED"
	CodeNotFound     = "NOT_FOUND"
	CodePanic        = "PANIC"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap exposes Details when it is an error.
func (e *ToolError) Unwrap() error {
	err, _ := e.Details.(error)
	return err
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
