package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

// Result is the outcome of one tool call as fed back to the model.
type Result struct {
	Call     model.ToolCall
	Value    any
	Output   string
	IsError  bool
	Code     string
	UIAction *core.UIAction
}

// Response renders r as model content.
func (r Result) Response() core.FunctionResponse {
	return core.FunctionResponse{ID: r.Call.ID, Name: r.Call.Function.Name, Response: r.Output, IsError: r.IsError}
}

// ResultsContent renders results as one tool role content preserving order.
func ResultsContent(results []Result) core.Content {
	parts := make([]core.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, core.FunctionResponsePart{FunctionResponse: r.Response()})
	}
	return core.Content{Role: core.RoleTool, Parts: parts}
}

// Invoker executes model requested tool calls against an agent whitelist.
//
// Contract:
//   - Calls run one at a time in the order the model requested them
//   - A name outside the whitelist is rejected before any execution
//   - Errors and panics become textual error results, never hard failures
//   - tool_start / tool_end events bracket every call, including rejected ones
//   - ToolContext actions (handoff, escalation, outputs) are applied to State
type Invoker struct {
	opts InvokerOptions
}

// InvokerOptions configure an Invoker.
type InvokerOptions struct {
	// Timeout bounds a single tool call. Zero disables the per-call bound.
	Timeout time.Duration
}

// DefaultToolTimeout bounds a single tool call unless overridden.
const DefaultToolTimeout = 15 * time.Second

// NewInvoker creates an Invoker.
func NewInvoker(optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{Timeout: DefaultToolTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{opts: opts}
}

// Invoke runs calls for runCtx.Agent restricted to ts. It returns one Result
// per call in request order. Only context cancellation is returned as error;
// in that case the results gathered so far are returned too.
func (inv *Invoker) Invoke(runCtx *core.RunContext, ts *Toolset, calls []model.ToolCall) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	batchStart := time.Now()

	for _, call := range calls {
		if err := runCtx.Err(); err != nil {
			return results, err
		}

		if call.ID == "" {
			call.ID = core.NewID()
		}

		res, err := inv.invokeOne(runCtx, ts, call)
		if err != nil {
			return results, err
		}

		results = append(results, res)
	}

	runCtx.LogDebug("tool.batch.complete", "count", len(calls), "duration_ms", time.Since(batchStart).Milliseconds())

	return results, nil
}

func (inv *Invoker) invokeOne(runCtx *core.RunContext, ts *Toolset, call model.ToolCall) (Result, error) {
	name := call.Function.Name
	res := Result{Call: call}

	args, argErr := model.DecodeArguments(call.Function.Arguments)

	if err := runCtx.EmitEvent(core.NewToolStartEvent(runCtx.TurnID, runCtx.Agent, name, call.ID, args)); err != nil {
		return res, err
	}

	callCtx := runCtx
	if inv.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(runCtx.Context, inv.opts.Timeout)
		defer cancel()
		scoped := *runCtx
		scoped.Context = ctx
		callCtx = &scoped
	}

	toolCtx := core.NewToolContext(callCtx, name, call.ID)
	start := time.Now()

	var (
		value any
		err   error
	)

	impl, permitted := ts.Lookup(name)
	switch {
	case !permitted:
		err = &ToolError{
			Tool:    name,
			Message: fmt.Sprintf("tool %q is not permitted for agent %q", name, runCtx.Agent),
			Code:    CodeNotPermitted,
			Details: core.ErrToolNotPermitted,
		}
		runCtx.LogWarn("tool.call.rejected", "tool", name, "reason", "not_whitelisted")
	case argErr != nil:
		err = &ToolError{Tool: name, Message: argErr.Error(), Code: CodeValidation, Details: argErr}
	default:
		value, err = callSafely(runCtx, impl, toolCtx, args)
	}

	if err != nil {
		res.IsError = true
		res.Code = errorCode(err)
		res.Output = errorText(name, err)
	} else {
		res.Value = value
		res.Output = render(value)
		toolCtx.ApplyActions(runCtx.State)
		runCtx.State.SetToolOutput(name, value)
		res.UIAction = toolCtx.Actions().UIAction
	}

	runCtx.LogInfo("tool.call.executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", res.IsError)

	if err := runCtx.EmitEvent(core.NewToolEndEvent(runCtx.TurnID, runCtx.Agent, name, call.ID, res.Output, res.IsError, res.UIAction)); err != nil {
		return res, err
	}

	return res, nil
}

func callSafely(runCtx *core.RunContext, impl Tool, toolCtx *core.ToolContext, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			runCtx.LogError("tool.call.panic", "tool", impl.Name(), "recover", fmt.Sprint(r), "stack", string(debug.Stack()))
			value = nil
			err = &ToolError{Tool: impl.Name(), Message: fmt.Sprintf("panic: %v", r), Code: CodePanic}
		}
	}()

	return impl.Call(toolCtx, args)
}

func errorCode(err error) string {
	var te *ToolError
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	return CodeExecution
}

func errorText(name string, err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return fmt.Sprintf("Error: tool %s failed [%s]: %s", name, te.Code, te.Message)
	}
	return fmt.Sprintf("Error: tool %s failed [%s]: %s", name, CodeExecution, err.Error())
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return "ok"
	case string:
		return t
	case []byte:
		return string(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
