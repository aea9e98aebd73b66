package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/careflow/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by flows.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
	// Temperature overrides the adapter default when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. The final chunk
// carries the tagged Result.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	Result       Result       `json:"-"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the chat-completion capability. Implementations are stateless and
// safe for concurrent use across sessions.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ResultKind tags a Result.
type ResultKind string

const (
	ResultText     ResultKind = "text"
	ResultToolCall ResultKind = "tool_calls"
)

// Result is the tagged outcome of one model invocation: either TextResult or
// ToolCallResult.
type Result interface {
	Kind() ResultKind
}

// TextResult is a plain completion.
type TextResult struct {
	Text string
}

// Kind implements Result.
func (TextResult) Kind() ResultKind { return ResultText }

// ToolCallResult requests tool invocations in the given order. Text holds any
// prose the model produced alongside the calls.
type ToolCallResult struct {
	Text  string
	Calls []ToolCall
}

// Kind implements Result.
func (ToolCallResult) Kind() ResultKind { return ResultToolCall }

// NewResult tags final assistant content. Adapters call it when building the
// final Response.
func NewResult(c core.Content) Result {
	calls := c.FunctionCalls()
	if len(calls) == 0 {
		return TextResult{Text: c.Text()}
	}
	out := ToolCallResult{Text: c.Text(), Calls: make([]ToolCall, 0, len(calls))}
	for _, fc := range calls {
		args := fc.Arguments
		if args == "" {
			args = "{}"
		}
		out.Calls = append(out.Calls, ToolCall{
			ID:       fc.ID,
			Type:     "function",
			Function: ToolCallFunction{Name: fc.Name, Arguments: json.RawMessage(args)},
		})
	}
	return out
}

// Completion is the drained outcome of a Generate call.
type Completion struct {
	Result       Result
	FinishReason string
	Usage        *TokenUsage
}

// ErrNoResult is returned when a model stream ends without a final chunk.
var ErrNoResult = errors.New("model returned no final response")

// Complete drains a Generate call. onToken (optional) receives every partial
// text chunk in order; an error from onToken aborts the call.
func Complete(ctx context.Context, m Model, req Request, onToken func(string) error) (Completion, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	respCh, errCh := m.Generate(ctx, req)

	var (
		final   *Response
		callErr error
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if onToken == nil {
					continue
				}
				if text := resp.Content.Text(); text != "" {
					if err := onToken(text); err != nil {
						return Completion{}, err
					}
				}
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && callErr == nil {
				callErr = err
			}
		}
	}

	if callErr != nil {
		return Completion{}, callErr
	}

	if final == nil {
		return Completion{}, ErrNoResult
	}

	res := final.Result
	if res == nil {
		res = NewResult(final.Content)
	}

	return Completion{Result: res, FinishReason: final.FinishReason, Usage: final.Usage}, nil
}

// ToolCallsContent renders calls as assistant content so the conversation
// replayed to the model keeps the request/response pairing.
func ToolCallsContent(r ToolCallResult) core.Content {
	parts := make([]core.Part, 0, len(r.Calls)+1)
	if r.Text != "" {
		parts = append(parts, core.TextPart{Text: r.Text})
	}
	for _, c := range r.Calls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: string(c.Function.Arguments),
		}})
	}
	return core.Content{Role: core.RoleAssistant, Parts: parts}
}

// DecodeArguments parses tool call arguments into a JSON object. Empty
// arguments decode to an empty map.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
