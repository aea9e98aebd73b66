package router

import (
	"fmt"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/flow"
)

// DefaultMaxHandoffs bounds agent to agent handoffs within one turn.
const DefaultMaxHandoffs = 3

// Node is a state of the turn graph.
type Node string

const (
	NodeStart  Node = "start"
	NodeRouter Node = "router"
	NodeAgent  Node = "agent"
	NodeHuman  Node = "human"
	NodeEnd    Node = "end"
)

// Trigger is the outcome of a node that selects the next transition.
type Trigger string

const (
	TriggerBegin      Trigger = "begin"
	TriggerSpecialist Trigger = "specialist"
	TriggerHuman      Trigger = "human"
	TriggerEnd        Trigger = "end"
	TriggerHandoff    Trigger = "handoff"
	TriggerEscalate   Trigger = "escalate"
	TriggerDone       Trigger = "done"
	TriggerFail       Trigger = "fail"
)

// Transitions is the explicit transition table of the turn graph. The only
// edge back into the router is an explicit handoff.
var Transitions = map[Node]map[Trigger]Node{
	NodeStart: {
		TriggerBegin: NodeRouter,
	},
	NodeRouter: {
		TriggerSpecialist: NodeAgent,
		TriggerHuman:      NodeHuman,
		TriggerEnd:        NodeEnd,
	},
	NodeAgent: {
		TriggerHandoff:  NodeRouter,
		TriggerEscalate: NodeHuman,
		TriggerDone:     NodeEnd,
		TriggerFail:     NodeEnd,
	},
}

// Next returns the node reached from n on t.
func Next(n Node, t Trigger) (Node, error) {
	next, ok := Transitions[n][t]
	if !ok {
		return "", fmt.Errorf("no transition from %s on %s", n, t)
	}
	return next, nil
}

// Terminal reports whether n ends the turn.
func (n Node) Terminal() bool { return n == NodeHuman || n == NodeEnd }

// Executor runs one specialist.
type Executor interface {
	Run(runCtx *core.RunContext, spec *agent.Spec) (*flow.Result, error)
}

// GraphOptions configure a Graph.
type GraphOptions struct {
	MaxHandoffs int
}

// Outcome is the result of one pass through the graph.
type Outcome struct {
	// Agent is the last agent that produced the response.
	Agent    core.AgentName
	Response *core.StructuredResponse
	Terminal Node
	Path     []core.AgentName
	Handoffs int
	// ToolCalls counts tool calls across every specialist of the turn.
	ToolCalls int
}

// Graph drives router and specialists through the transition table.
type Graph struct {
	router   *Router
	executor Executor
	catalog  *agent.Catalog
	opts     GraphOptions
}

// NewGraph creates a Graph.
func NewGraph(router *Router, executor Executor, catalog *agent.Catalog, optFns ...func(o *GraphOptions)) *Graph {
	opts := GraphOptions{MaxHandoffs: DefaultMaxHandoffs}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxHandoffs < 0 {
		opts.MaxHandoffs = 0
	}

	return &Graph{router: router, executor: executor, catalog: catalog, opts: opts}
}

const (
	humanHandoffText = "I'm connecting you with a member of our clinical staff. Please stay with us, someone will reply shortly."
	apologyText      = "I'm sorry, something went wrong while handling your request. Please try again in a moment."
)

// Run executes one turn on runCtx.State. Every completed run yields a
// response; only cancellation and graph errors are returned.
func (g *Graph) Run(runCtx *core.RunContext) (*Outcome, error) {
	state := runCtx.State
	out := &Outcome{}

	node := NodeStart
	trigger := TriggerBegin

	var current core.AgentName

	for {
		next, err := Next(node, trigger)
		if err != nil {
			return nil, core.NewError(core.CodeInternalError, "router.graph", err.Error(), err)
		}

		runCtx.LogDebug("router.graph.transition", "from", string(node), "trigger", string(trigger), "to", string(next))
		node = next

		switch node {
		case NodeRouter:
			if err := runCtx.EmitEvent(core.NewNodeStartEvent(runCtx.TurnID, string(NodeRouter), "")); err != nil {
				return nil, err
			}

			d, err := g.router.Route(runCtx)
			if err != nil {
				return nil, err
			}

			if err := runCtx.EmitEvent(core.NewNodeEndEvent(runCtx.TurnID, string(NodeRouter), d.Agent, nil, false)); err != nil {
				return nil, err
			}

			switch d.Agent {
			case core.AgentHuman:
				trigger = TriggerHuman
			case core.AgentEnd:
				trigger = TriggerEnd
			default:
				current = d.Agent
				trigger = TriggerSpecialist
			}

		case NodeAgent:
			trigger, err = g.runAgent(runCtx, current, out)
			if err != nil {
				return nil, err
			}

		case NodeHuman:
			state.RequiresHumanIntervention = true
			out.Terminal = NodeHuman
			if out.Response == nil {
				resp := core.FallbackResponse(humanHandoffText, 1)
				resp.Fields["requires_human_intervention"] = true
				if state.InterventionReason == "" {
					state.InterventionReason = "patient requested a member of staff"
				}
				resp.Fields["intervention_reason"] = state.InterventionReason
				resp.Fallback = false
				state.AppendMessage(core.NewAssistantMessage(core.AgentHuman, humanHandoffText))
				out.Agent = core.AgentHuman
				out.Response = resp
				if err := runCtx.EmitEvent(core.NewNodeEndEvent(runCtx.TurnID, string(NodeHuman), core.AgentHuman, resp, true)); err != nil {
					return nil, err
				}
			}
			return out, nil

		case NodeEnd:
			out.Terminal = NodeEnd
			if out.Response == nil {
				code := core.CodeRoutingError
				if state.Error != "" {
					code = core.CodeModelError
				}
				resp := errorResponse(code)
				out.Agent = core.AgentEnd
				out.Response = resp
				if err := runCtx.EmitEvent(core.NewNodeEndEvent(runCtx.TurnID, string(NodeEnd), core.AgentEnd, resp, true)); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	}
}

// runAgent executes current and picks the trigger leaving the agent node.
func (g *Graph) runAgent(runCtx *core.RunContext, current core.AgentName, out *Outcome) (Trigger, error) {
	state := runCtx.State

	spec, err := g.catalog.Get(current)
	if err != nil {
		return "", core.NewError(core.CodeInternalError, "router.graph", err.Error(), err)
	}

	state.CurrentAgent = current
	out.Path = append(out.Path, current)

	rc := runCtx.WithAgent(current)
	if err := rc.EmitEvent(core.NewNodeStartEvent(rc.TurnID, string(current), current)); err != nil {
		return "", err
	}

	res, err := g.executor.Run(rc, spec)

	var (
		trigger Trigger
		resp    *core.StructuredResponse
	)

	switch {
	case err != nil:
		if ctxErr := rc.Err(); ctxErr != nil {
			return "", ctxErr
		}
		code := core.CodeOf(err)
		rc.LogError("router.agent.failed", "error", err.Error(), "code", string(code))
		state.Error = err.Error()
		resp = errorResponse(code)
		trigger = TriggerFail

	default:
		resp = res.Response
		out.ToolCalls += res.ToolCalls
		trigger = g.afterAgent(rc, current, out)
	}

	out.Agent = current
	out.Response = resp

	final := trigger != TriggerHandoff
	if err := rc.EmitEvent(core.NewNodeEndEvent(rc.TurnID, string(current), current, resp, final)); err != nil {
		return "", err
	}

	return trigger, nil
}

func (g *Graph) afterAgent(rc *core.RunContext, current core.AgentName, out *Outcome) Trigger {
	state := rc.State

	if state.RequiresHumanIntervention {
		rc.LogInfo("router.graph.escalate", "reason", state.InterventionReason)
		state.NextAgent = ""
		return TriggerEscalate
	}

	next := state.NextAgent
	if next == "" {
		return TriggerDone
	}

	switch {
	case next == current:
		rc.LogWarn("router.graph.handoff.self", "next_agent", string(next))
	case out.Handoffs >= g.opts.MaxHandoffs:
		rc.LogWarn("router.graph.handoff.capped", "next_agent", string(next), "max_handoffs", g.opts.MaxHandoffs)
	case next == core.AgentHuman:
		state.NextAgent = ""
		state.RequiresHumanIntervention = true
		return TriggerEscalate
	case next.IsSpecialist() && g.catalog.Has(next):
		out.Handoffs++
		rc.LogInfo("router.graph.handoff", "next_agent", string(next), "handoffs", out.Handoffs)
		return TriggerHandoff
	default:
		rc.LogWarn("router.graph.handoff.invalid", "next_agent", string(next))
	}

	state.NextAgent = ""

	return TriggerDone
}

func errorResponse(code core.ErrorCode) *core.StructuredResponse {
	resp := core.FallbackResponse(apologyText, 0)
	resp.Fields["error_code"] = string(code)
	return resp
}
