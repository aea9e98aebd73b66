// Package router implements the supervisor that picks the agent for a turn
// and the transition graph that drives the router and specialist executor.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/flow"
	"github.com/hupe1980/careflow/model"
)

const (
	// DefaultMinConfidence is the lowest classifier confidence accepted.
	DefaultMinConfidence = 0.5
	// DefaultRetries is the number of retries after a failed classification call.
	DefaultRetries = 1
	// DefaultTranscriptMessages sends the whole filtered conversation to the
	// classifier.
	DefaultTranscriptMessages = 0
)

// DecisionSource tells which rule produced a Decision.
type DecisionSource string

const (
	SourcePreset     DecisionSource = "preset"
	SourceRule       DecisionSource = "rule"
	SourceClassifier DecisionSource = "classifier"
	SourceDefault    DecisionSource = "default"
	SourceError      DecisionSource = "error"
)

// Decision is the routing outcome for one pass through the router node.
type Decision struct {
	Agent      core.AgentName `json:"agent"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason,omitempty"`
	Source     DecisionSource `json:"source"`
}

// Options configure a Router.
type Options struct {
	// DefaultAgent answers empty, ambiguous and low confidence turns.
	DefaultAgent  core.AgentName
	MinConfidence float64
	Retries       int
	// TranscriptMessages is the number of recent messages classified (0 keeps all).
	TranscriptMessages int
	// Rules run before the classifier; the first match wins.
	Rules []Rule
}

// Router classifies a turn into an agent name. It never returns an
// undefined agent: every path ends in a specialist, human or end.
type Router struct {
	classifier model.Formatter
	catalog    *agent.Catalog
	schema     model.Schema
	opts       Options
}

// New creates a Router classifying with the structured-output capability
// classifier over the agents of catalog.
func New(classifier model.Formatter, catalog *agent.Catalog, optFns ...func(o *Options)) (*Router, error) {
	opts := Options{
		DefaultAgent:       agent.DefaultAgent,
		MinConfidence:      DefaultMinConfidence,
		Retries:            DefaultRetries,
		TranscriptMessages: DefaultTranscriptMessages,
		Rules:              DefaultRules(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if !catalog.Has(opts.DefaultAgent) {
		return nil, fmt.Errorf("default agent %q is not in the catalog", opts.DefaultAgent)
	}
	if opts.MinConfidence < 0 || opts.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence %v outside [0,1]", opts.MinConfidence)
	}

	return &Router{
		classifier: classifier,
		catalog:    catalog,
		schema:     routingSchema(catalog),
		opts:       opts,
	}, nil
}

// DefaultAgent returns the configured general agent.
func (r *Router) DefaultAgent() core.AgentName { return r.opts.DefaultAgent }

// Route decides the next agent. A preset state.NextAgent (handoff or staff
// submission) is consumed first, then empty input falls back to the default
// agent, then deterministic rules run, then the classifier. A failed
// classification sets state.Error and routes to end. Only cancellation is
// returned as an error.
func (r *Router) Route(runCtx *core.RunContext) (Decision, error) {
	state := runCtx.State

	if preset := state.NextAgent; preset != "" {
		state.NextAgent = ""
		if preset.Valid() && (preset == core.AgentHuman || preset == core.AgentEnd || r.catalog.Has(preset)) {
			return r.log(runCtx, Decision{Agent: preset, Confidence: 1, Source: SourcePreset, Reason: "preset next agent"}), nil
		}
		runCtx.LogWarn("router.preset.invalid", "next_agent", string(preset))
	}

	text := strings.TrimSpace(state.LastUserMessage())
	if text == "" {
		return r.log(runCtx, r.fallback("empty message")), nil
	}

	for _, rule := range r.opts.Rules {
		if name, reason, ok := rule.Match(text, state); ok && (name == core.AgentHuman || r.catalog.Has(name)) {
			return r.log(runCtx, Decision{Agent: name, Confidence: 1, Source: SourceRule, Reason: reason}), nil
		}
	}

	if r.classifier == nil {
		return r.log(runCtx, r.fallback("no classifier configured")), nil
	}

	obj, err := r.classify(runCtx)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		runCtx.LogError("router.classify.failed", "error", err.Error())
		state.Error = core.NewError(core.CodeModelError, "router.route", "routing failed", err).Error()
		return r.log(runCtx, Decision{Agent: core.AgentEnd, Source: SourceError, Reason: err.Error()}), nil
	}

	return r.log(runCtx, r.decide(runCtx, obj)), nil
}

func (r *Router) classify(runCtx *core.RunContext) (map[string]any, error) {
	req := model.FormatRequest{
		Instructions: r.instructions(),
		Text:         r.transcript(runCtx.State),
		Schema:       r.schema,
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			runCtx.LogWarn("router.classify.retry", "attempt", attempt, "error", lastErr.Error())
		}
		obj, err := r.classifier.Format(runCtx.Context, req)
		if err == nil {
			return obj, nil
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}

	return nil, lastErr
}

func (r *Router) decide(runCtx *core.RunContext, obj map[string]any) Decision {
	raw, _ := obj["agent"].(string)
	reason, _ := obj["reason"].(string)

	name, ok := core.ParseAgentName(raw)
	if !ok || name == core.AgentEnd || (name != core.AgentHuman && !r.catalog.Has(name)) {
		runCtx.LogWarn("router.ambiguous", "agent", raw, "code", string(core.CodeRoutingError))
		return r.fallback(fmt.Sprintf("unusable classification %q", raw))
	}

	confidence, ok := core.ToFloat(obj["confidence"])
	if !ok {
		runCtx.LogWarn("router.ambiguous", "agent", raw, "reason", "missing confidence", "code", string(core.CodeRoutingError))
		return r.fallback("missing confidence")
	}
	confidence = core.ClampConfidence(confidence)

	if confidence < r.opts.MinConfidence {
		runCtx.LogInfo("router.low_confidence", "agent", raw, "confidence", confidence, "min", r.opts.MinConfidence)
		return r.fallback(fmt.Sprintf("low confidence %.2f for %s", confidence, raw))
	}

	return Decision{Agent: name, Confidence: confidence, Reason: reason, Source: SourceClassifier}
}

func (r *Router) fallback(reason string) Decision {
	return Decision{Agent: r.opts.DefaultAgent, Source: SourceDefault, Reason: reason}
}

func (r *Router) log(runCtx *core.RunContext, d Decision) Decision {
	runCtx.LogInfo("router.decision",
		"agent", string(d.Agent),
		"source", string(d.Source),
		"confidence", d.Confidence,
		"reason", d.Reason,
	)
	return d
}

func (r *Router) instructions() string {
	var b strings.Builder
	b.WriteString("You are the supervisor of a clinic assistant. Pick the agent that should answer the latest patient message.\n\nAgents:\n")
	for _, s := range r.catalog.Specs() {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	fmt.Fprintf(&b, "- %s: the patient explicitly asks for a person or the request cannot be handled automatically\n", core.AgentHuman)
	b.WriteString("\nReturn the agent, your confidence between 0 and 1 and a short reason.")
	return b.String()
}

func (r *Router) transcript(state *core.State) string {
	msgs := flow.FilterMessages(state.Messages)
	if n := r.opts.TranscriptMessages; n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	var b strings.Builder
	for _, m := range msgs {
		if m.Role == core.RoleTool {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Agent, m.Content)
	}

	if len(state.PatientContext) > 0 {
		if pc, err := json.Marshal(state.PatientContext); err == nil {
			fmt.Fprintf(&b, "\npatient_context: %s\n", pc)
		}
	}

	return b.String()
}

// DecisionSchemaName names the structured shape requested from the classifier.
const DecisionSchemaName = "route_decision"

func routingSchema(catalog *agent.Catalog) model.Schema {
	names := make([]any, 0, len(catalog.Names())+1)
	for _, n := range catalog.Names() {
		names = append(names, string(n))
	}
	names = append(names, string(core.AgentHuman))

	return model.Schema{
		Name:        DecisionSchemaName,
		Description: "Agent selection for the latest message",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":      map[string]any{"type": "string", "enum": names, "description": "Agent that should answer"},
				"confidence": map[string]any{"type": "number", "description": "Confidence between 0 and 1"},
				"reason":     map[string]any{"type": "string", "description": "Short justification"},
			},
			"required": []string{"agent", "confidence"},
		},
	}
}
