package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/extract"
	"github.com/hupe1980/careflow/model"
	"github.com/hupe1980/careflow/tool"
)

const (
	// DefaultMaxToolRounds caps model to tool round-trips in phase 1.
	DefaultMaxToolRounds = 5
	// DefaultMaxHistoryMessages replays the whole filtered conversation.
	DefaultMaxHistoryMessages = 0
	// DefaultModelRetries is the number of retries after a failed model call.
	DefaultModelRetries = 1
)

// NodeFormat names the phase 2 node in raw events.
const NodeFormat = "format"

const noAnswerText = "I'm sorry, I could not find an answer to that. Could you rephrase your question?"

// Options configure an Executor.
type Options struct {
	MaxToolRounds      int
	FallbackConfidence float64
	// MaxHistoryMessages keeps only the most recent filtered messages
	// (0 keeps all).
	MaxHistoryMessages int
	ModelRetries       int
	ToolTimeout        time.Duration
	// Processors replace the default instruction and history processors.
	Processors []RequestProcessor
}

// Source tells how the terminal response was obtained.
type Source string

const (
	SourceFormatted Source = "formatted"
	SourceExtracted Source = "extracted"
	SourceFallback  Source = "fallback"
)

// Result is the outcome of one specialist execution.
type Result struct {
	Response  *core.StructuredResponse
	Text      string
	Rounds    int
	ToolCalls int
	Capped    bool
	Source    Source
	Duration  time.Duration
}

// Executor runs the two-phase contract for any agent.Spec. It is stateless
// and safe for concurrent use across sessions.
type Executor struct {
	models     model.Set
	formatter  model.Formatter
	registry   *tool.Registry
	invoker    *tool.Invoker
	processors []RequestProcessor
	opts       Options
}

// NewExecutor creates an executor. registry may be nil when no agent binds tools.
func NewExecutor(models model.Set, formatter model.Formatter, registry *tool.Registry, optFns ...func(o *Options)) *Executor {
	opts := Options{
		MaxToolRounds:      DefaultMaxToolRounds,
		FallbackConfidence: core.DefaultFallbackConfidence,
		MaxHistoryMessages: DefaultMaxHistoryMessages,
		ModelRetries:       DefaultModelRetries,
		ToolTimeout:        tool.DefaultToolTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	processors := opts.Processors
	if processors == nil {
		processors = []RequestProcessor{NewInstructionsProcessor(), NewHistoryProcessor(opts.MaxHistoryMessages)}
	}

	return &Executor{
		models:     models,
		formatter:  formatter,
		registry:   registry,
		invoker:    tool.NewInvoker(func(o *tool.InvokerOptions) { o.Timeout = opts.ToolTimeout }),
		processors: processors,
		opts:       opts,
	}
}

// Run executes spec for the turn in runCtx and applies the response to the
// turn state. Malformed or missing structured output never fails: only
// cancellation, exhausted model retries and configuration errors are returned.
func (e *Executor) Run(runCtx *core.RunContext, spec *agent.Spec) (*Result, error) {
	start := time.Now()

	ts, err := e.toolset(spec)
	if err != nil {
		return nil, core.NewError(core.CodeInternalError, "flow.run", "invalid tool whitelist", err)
	}

	m := e.models.For(spec.Tier)
	if m == nil {
		return nil, core.NewError(core.CodeInternalError, "flow.run", fmt.Sprintf("no model for tier %q", spec.Tier), nil)
	}

	req := model.Request{Stream: true, Temperature: spec.Temperature, Tools: ts.Definitions()}
	for _, p := range e.processors {
		if err := p.ProcessRequest(runCtx, &req, spec); err != nil {
			return nil, core.NewError(core.CodeInternalError, "flow.run", fmt.Sprintf("request processor %s failed", p.Name()), err)
		}
	}

	p1, err := e.toolLoop(runCtx, m, ts, req)
	if err != nil {
		return nil, err
	}

	resp, source, err := e.format(runCtx, spec, p1)
	if err != nil {
		return nil, err
	}

	if resp.UIAction == nil && p1.uiAction != nil {
		a := *p1.uiAction
		resp.UIAction = &a
	}

	e.apply(runCtx, spec, resp)

	res := &Result{
		Response:  resp,
		Text:      p1.text,
		Rounds:    p1.rounds,
		ToolCalls: p1.toolCalls,
		Capped:    p1.capped,
		Source:    source,
		Duration:  time.Since(start),
	}

	runCtx.LogInfo("flow.run.complete",
		"rounds", res.Rounds,
		"tool_calls", res.ToolCalls,
		"capped", res.Capped,
		"source", string(res.Source),
		"duration_ms", res.Duration.Milliseconds(),
	)

	return res, nil
}

func (e *Executor) toolset(spec *agent.Spec) (*tool.Toolset, error) {
	if e.registry == nil {
		if len(spec.Tools) > 0 {
			return nil, fmt.Errorf("agent %q declares tools but no registry is configured", spec.Name)
		}
		return nil, nil
	}
	return e.registry.Toolset(spec.Tools...)
}

type phase1 struct {
	text      string
	rounds    int
	toolCalls int
	capped    bool
	outputs   []tool.Result
	uiAction  *core.UIAction
}

// toolLoop runs phase 1 until the model answers with text or the round cap
// is hit. Tool calls of the capped round are not executed.
func (e *Executor) toolLoop(runCtx *core.RunContext, m model.Model, ts *tool.Toolset, req model.Request) (phase1, error) {
	limiter := core.NewRoundLimiter(e.opts.MaxToolRounds)

	var out phase1

	for {
		comp, err := e.complete(runCtx, m, req)
		if err != nil {
			return out, err
		}

		switch r := comp.Result.(type) {
		case model.TextResult:
			if strings.TrimSpace(r.Text) != "" {
				out.text = r.Text
			}
			if strings.TrimSpace(out.text) == "" && len(out.outputs) > 0 {
				out.text = summarizeToolResults(out.outputs)
			}
			return out, nil

		case model.ToolCallResult:
			if strings.TrimSpace(r.Text) != "" {
				out.text = r.Text
			}

			if err := limiter.Increment(); err != nil {
				out.capped = true
				runCtx.LogWarn("flow.phase1.capped", "max_rounds", limiter.Max(), "pending_calls", len(r.Calls))
				if strings.TrimSpace(out.text) == "" {
					out.text = summarizeToolResults(out.outputs)
				}
				return out, nil
			}
			out.rounds = limiter.Count()

			runCtx.LogDebug("flow.phase1.round", "round", out.rounds, "calls", len(r.Calls))

			results, err := e.invoker.Invoke(runCtx, ts, r.Calls)
			if err != nil {
				return out, err
			}

			out.toolCalls += len(results)
			out.outputs = append(out.outputs, results...)
			for _, res := range results {
				if res.UIAction != nil {
					out.uiAction = res.UIAction
				}
			}

			req.Contents = append(req.Contents, model.ToolCallsContent(r), tool.ResultsContent(results))

		default:
			return out, core.NewError(core.CodeModelError, "flow.phase1", fmt.Sprintf("unexpected result %T", comp.Result), nil)
		}
	}
}

// complete performs one model call streaming tokens as raw events, retrying
// failed calls up to ModelRetries times.
func (e *Executor) complete(runCtx *core.RunContext, m model.Model, req model.Request) (model.Completion, error) {
	onToken := func(tok string) error {
		return runCtx.EmitEvent(core.NewTokenEvent(runCtx.TurnID, runCtx.Agent, tok))
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.ModelRetries; attempt++ {
		if attempt > 0 {
			runCtx.LogWarn("flow.model.retry", "attempt", attempt, "error", lastErr.Error())
		}

		comp, err := model.Complete(runCtx.Context, m, req, onToken)
		if err == nil {
			return comp, nil
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return model.Completion{}, ctxErr
		}
		lastErr = err
	}

	runCtx.LogError("flow.model.failed", "error", lastErr.Error())

	return model.Completion{}, core.NewError(core.CodeModelError, "flow.phase1", "model invocation failed", lastErr)
}

// format runs phase 2. Primary (formatted) values win; values extracted from
// JSON embedded in the phase 1 text only fill absent or null keys.
func (e *Executor) format(runCtx *core.RunContext, spec *agent.Spec, p1 phase1) (*core.StructuredResponse, Source, error) {
	text := p1.text
	if strings.TrimSpace(text) == "" {
		runCtx.LogWarn("flow.phase1.empty")
		return core.FallbackResponse(noAnswerText, e.opts.FallbackConfidence), SourceFallback, nil
	}

	extracted, hasExtracted := extract.Extract(text, extract.WithDiscriminators(spec.Discriminators...))

	if e.formatter == nil {
		resp, source := e.recoverResponse(text, extracted, hasExtracted)
		return resp, source, nil
	}

	if err := runCtx.EmitEvent(core.NewNodeStartEvent(runCtx.TurnID, NodeFormat, runCtx.Agent)); err != nil {
		return nil, "", err
	}

	obj, err := e.formatter.Format(runCtx.Context, model.FormatRequest{
		Instructions: formatInstructions(spec),
		Text:         formatInput(text, p1.outputs),
		Schema:       spec.Schema,
	})
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}

	if emitErr := runCtx.EmitEvent(core.NewNodeEndEvent(runCtx.TurnID, NodeFormat, runCtx.Agent, nil, false)); emitErr != nil {
		return nil, "", emitErr
	}

	if err != nil || obj == nil {
		if err != nil {
			runCtx.LogWarn("flow.format.failed", "error", err.Error(), "extracted", hasExtracted)
		}
		resp, source := e.recoverResponse(text, extracted, hasExtracted)
		return resp, source, nil
	}

	if hasExtracted {
		core.MergeMissing(obj, extracted)
	}

	resp := core.ResponseFromMap(obj, e.opts.FallbackConfidence)
	if strings.TrimSpace(resp.FinalResponse) == "" {
		resp.FinalResponse = prose(text)
	}

	return resp, SourceFormatted, nil
}

func (e *Executor) recoverResponse(text string, extracted map[string]any, ok bool) (*core.StructuredResponse, Source) {
	if !ok {
		return core.FallbackResponse(text, e.opts.FallbackConfidence), SourceFallback
	}

	resp := core.ResponseFromMap(extracted, e.opts.FallbackConfidence)
	if strings.TrimSpace(resp.FinalResponse) == "" {
		resp.FinalResponse = prose(text)
	}
	resp.Fallback = true

	return resp, SourceExtracted
}

// apply records the response on the turn state.
func (e *Executor) apply(runCtx *core.RunContext, spec *agent.Spec, resp *core.StructuredResponse) {
	state := runCtx.State

	if code := resp.StringField("triage_code"); code != "" {
		if state.SetTriageCode(code) {
			resp.Fields["triage_code"] = string(state.TriageCode)
		} else {
			runCtx.LogWarn("flow.triage_code.invalid", "value", code)
			delete(resp.Fields, "triage_code")
		}
	}

	if resp.BoolField("requires_human_intervention") {
		state.RequiresHumanIntervention = true
		if reason := resp.StringField("intervention_reason"); reason != "" && state.InterventionReason == "" {
			state.InterventionReason = reason
		}
	}

	state.SetConfidence(resp.ConfidenceScore)

	if strings.TrimSpace(resp.FinalResponse) != "" {
		msg := core.NewAssistantMessage(spec.Name, resp.FinalResponse)
		msg.Metadata = map[string]any{core.FieldConfidenceScore: resp.ConfidenceScore}
		if resp.Fallback {
			msg.Metadata["fallback"] = true
		}
		if state.TriageCode != "" {
			msg.Metadata["triage_code"] = string(state.TriageCode)
		}
		state.AppendMessage(msg)
	}
}

func formatInstructions(spec *agent.Spec) string {
	return fmt.Sprintf("You structure the answer of the %s agent. Keep the meaning of the answer unchanged. "+
		"Put the patient facing answer in final_response and fill domain fields only from the material.", spec.Name)
}

func formatInput(text string, outputs []tool.Result) string {
	if len(outputs) == 0 {
		return text
	}
	return text + "\n\n" + renderToolResults(outputs)
}

func summarizeToolResults(outputs []tool.Result) string {
	if len(outputs) == 0 {
		return ""
	}
	return "Here is what I found so far.\n\n" + renderToolResults(outputs)
}

func renderToolResults(outputs []tool.Result) string {
	var b strings.Builder
	b.WriteString("Tool results:")
	for _, o := range outputs {
		fmt.Fprintf(&b, "\n- %s: %s", o.Call.Function.Name, o.Output)
	}
	return b.String()
}

func prose(text string) string {
	if p := extract.StripFences(text); p != "" {
		return p
	}
	return strings.TrimSpace(text)
}
