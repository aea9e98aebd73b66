package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced to clients.
type ErrorCode string

const (
	CodeModelError            ErrorCode = "MODEL_ERROR"
	CodeToolError             ErrorCode = "TOOL_ERROR"
	CodeStructuredOutputError ErrorCode = "STRUCTURED_OUTPUT_ERROR"
	CodeRoutingError          ErrorCode = "ROUTING_ERROR"
	CodeTimeoutError          ErrorCode = "TIMEOUT_ERROR"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
	CodeCancelled             ErrorCode = "CANCELLED"
)

var (
	// ErrSessionNotFound is returned by checkpoint stores for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrToolNotPermitted is returned when an agent requests a tool outside its whitelist.
	ErrToolNotPermitted = errors.New("tool not permitted")
	// ErrRoundLimitExceeded is returned by RoundLimiter once the cap is passed.
	ErrRoundLimitExceeded = errors.New("round limit exceeded")
)

// Error is a coded failure. Op names the component operation that failed.
type Error struct {
	Code    ErrorCode `json:"code"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// NewError constructs a coded error wrapping err (which may be nil).
func NewError(code ErrorCode, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the ErrorCode carried by err, mapping context errors and
// known sentinels. Unknown errors are INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeoutError
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrToolNotPermitted):
		return CodeToolError
	default:
		return CodeInternalError
	}
}

// AsError converts err into a coded *Error, preserving an existing one.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(CodeOf(err), op, err.Error(), err)
}
