// Package careflow wires the clinic agents into a ready to use turn engine.
// Most applications:
//  1. build a model.Set (or a config.Config) for their provider
//  2. create a CareFlow via New or NewFromConfig
//  3. run turns with Stream (event stream) or Invoke (final payload)
//
// Every collaborator has an in-memory default so the façade works for local
// development and tests without external services.
package careflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/careflow/agent"
	"github.com/hupe1980/careflow/checkpoint"
	"github.com/hupe1980/careflow/config"
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/engine"
	"github.com/hupe1980/careflow/flow"
	"github.com/hupe1980/careflow/logging"
	"github.com/hupe1980/careflow/model"
	modelanthropic "github.com/hupe1980/careflow/model/anthropic"
	modelopenai "github.com/hupe1980/careflow/model/openai"
	"github.com/hupe1980/careflow/router"
	"github.com/hupe1980/careflow/stream"
	"github.com/hupe1980/careflow/tool"
	"github.com/hupe1980/careflow/tool/clinic"
)

// Options configure a CareFlow instance.
type Options struct {
	// Models serves the specialists by tier. Required.
	Models model.Set
	// Formatter is the structured-output capability shared by the router and
	// the executors. Defaults to a SchemaFormatter over the fast tier.
	Formatter model.Formatter

	// Services back the clinic tools. Defaults to the in-memory demo services.
	Services *clinic.Services
	// Catalog defaults to agent.DefaultCatalog.
	Catalog *agent.Catalog
	// Overrides are applied on top of Catalog.
	Overrides agent.Overrides
	// Store defaults to an in-memory checkpoint store.
	Store checkpoint.Store

	DefaultAgent        core.AgentName
	RouterMinConfidence float64
	FallbackConfidence  float64
	MaxToolRounds       int
	MaxHandoffs         int

	Timeout           time.Duration
	KeepaliveInterval time.Duration

	EngineConfig engine.Config
	Hooks        []engine.Hook

	Logger logging.Logger
}

// CareFlow aggregates the engine and the collaborators it was built from.
type CareFlow struct {
	engine   *engine.Engine
	store    checkpoint.Store
	services clinic.Services
	catalog  *agent.Catalog
	registry *tool.Registry
}

// New creates a CareFlow. Any unset collaborator is initialized with its
// in-memory default.
func New(optFns ...func(o *Options)) (*CareFlow, error) {
	opts := Options{
		DefaultAgent:        agent.DefaultAgent,
		RouterMinConfidence: router.DefaultMinConfidence,
		FallbackConfidence:  core.DefaultFallbackConfidence,
		MaxToolRounds:       flow.DefaultMaxToolRounds,
		MaxHandoffs:         router.DefaultMaxHandoffs,
		Timeout:             stream.DefaultTimeout,
		KeepaliveInterval:   stream.DefaultKeepaliveInterval,
		EngineConfig:        engine.DefaultConfig,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := opts.Models.Validate(); err != nil {
		return nil, err
	}

	logger := logging.OrNoOp(opts.Logger)

	formatter := opts.Formatter
	if formatter == nil {
		formatter = model.NewSchemaFormatter(opts.Models.For(model.TierFast))
	}

	var services clinic.Services
	if opts.Services != nil {
		services = *opts.Services
	} else {
		demo, err := clinic.NewDemoServices()
		if err != nil {
			return nil, fmt.Errorf("demo services: %w", err)
		}
		services = demo
	}

	clinicTools, err := clinic.NewTools(services)
	if err != nil {
		return nil, err
	}
	registry, err := tool.NewRegistry(append(clinicTools, tool.NewTransferToAgentTool(), tool.NewEscalateToHumanTool())...)
	if err != nil {
		return nil, err
	}

	catalog := opts.Catalog
	if catalog == nil {
		catalog = agent.DefaultCatalog()
	}
	if len(opts.Overrides) > 0 {
		if catalog, err = catalog.Apply(opts.Overrides, registry.Names()); err != nil {
			return nil, err
		}
	}

	r, err := router.New(formatter, catalog, func(o *router.Options) {
		o.DefaultAgent = opts.DefaultAgent
		o.MinConfidence = opts.RouterMinConfidence
	})
	if err != nil {
		return nil, err
	}

	executor := flow.NewExecutor(opts.Models, formatter, registry, func(o *flow.Options) {
		o.MaxToolRounds = opts.MaxToolRounds
		o.FallbackConfidence = opts.FallbackConfidence
	})

	graph := router.NewGraph(r, executor, catalog, func(o *router.GraphOptions) {
		o.MaxHandoffs = opts.MaxHandoffs
	})

	store := opts.Store
	if store == nil {
		store = checkpoint.NewInMemoryStore()
	}

	translator := stream.NewTranslator(func(o *stream.Options) {
		o.Timeout = opts.Timeout
		o.KeepaliveInterval = opts.KeepaliveInterval
		o.Logger = logger
	})

	eng := engine.New(graph, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = store
		o.Translator = translator
		o.Hooks = opts.Hooks
		o.Logger = logger
	})

	return &CareFlow{
		engine:   eng,
		store:    store,
		services: services,
		catalog:  catalog,
		registry: registry,
	}, nil
}

// NewFromConfig builds models, checkpoint store and agent overrides from cfg
// and then calls New. optFns run after the configuration was applied.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*CareFlow, error) {
	models, err := NewModelSet(cfg.Model)
	if err != nil {
		return nil, err
	}

	var overrides agent.Overrides
	if cfg.AgentsFile != "" {
		if overrides, err = agent.LoadOverrides(cfg.AgentsFile); err != nil {
			return nil, err
		}
	}

	store, err := NewStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	engineCfg := engine.DefaultConfig
	engineCfg.MaxConcurrentTurns = cfg.Turn.MaxConcurrentTurns

	cf, err := New(append([]func(o *Options){func(o *Options) {
		o.Models = models
		if cfg.IsMock() {
			o.Formatter = NewEchoFormatter(cfg.Turn.DefaultAgent)
		}
		o.Overrides = overrides
		o.Store = store
		o.DefaultAgent = cfg.Turn.DefaultAgent
		o.RouterMinConfidence = cfg.Turn.RouterMinConfidence
		o.FallbackConfidence = cfg.Turn.FallbackConfidence
		o.MaxToolRounds = cfg.Turn.MaxToolRounds
		o.MaxHandoffs = cfg.Turn.MaxHandoffs
		o.Timeout = cfg.Turn.Timeout
		o.KeepaliveInterval = cfg.Turn.KeepaliveInterval
		o.EngineConfig = engineCfg
	}}, optFns...)...)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	return cf, nil
}

// NewModelSet builds one model per tier for the configured provider. Tiers
// without an explicit model id use the provider default.
func NewModelSet(cfg config.ModelConfig) (model.Set, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		build := func(id string) model.Model {
			return modelopenai.NewModel(cfg.OpenAIAPIKey, func(o *modelopenai.Options) {
				if id != "" {
					o.Model = id
				}
			})
		}
		return model.Set{Fast: build(cfg.Fast), Standard: build(cfg.Standard), Reasoning: build(cfg.Reasoning)}, nil
	case config.ProviderAnthropic:
		build := func(id string) model.Model {
			return modelanthropic.NewModel(func(o *modelanthropic.Options) {
				o.APIKey = cfg.AnthropicAPIKey
				if id != "" {
					o.Model = anthropic.Model(id)
				}
			})
		}
		return model.Set{Fast: build(cfg.Fast), Standard: build(cfg.Standard), Reasoning: build(cfg.Reasoning)}, nil
	case config.ProviderMock:
		return model.NewUniformSet(model.NewMockModel("mock", config.ProviderMock)), nil
	default:
		return model.Set{}, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// NewEchoFormatter returns a formatter for the mock provider. Routing always
// selects name and specialist answers are passed through unchanged.
func NewEchoFormatter(name core.AgentName) model.Formatter {
	f := model.NewMockFormatter()
	f.Func = func(req model.FormatRequest) (map[string]any, error) {
		if req.Schema.Name == router.DecisionSchemaName {
			return map[string]any{"agent": string(name), "confidence": 1.0, "reason": "mock provider"}, nil
		}
		return map[string]any{"final_response": req.Text}, nil
	}
	return f
}

// NewStore opens the configured checkpoint store.
func NewStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return checkpoint.NewInMemoryStore(), nil
	case config.DriverSQLite:
		s, err := checkpoint.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}

// Stream runs one turn and returns its client event stream.
func (c *CareFlow) Stream(ctx context.Context, turn engine.Turn) (<-chan stream.Event, error) {
	return c.engine.Stream(ctx, turn)
}

// Invoke runs one turn and returns the result_json payload.
func (c *CareFlow) Invoke(ctx context.Context, turn engine.Turn) (map[string]any, error) {
	return c.engine.Invoke(ctx, turn)
}

// Session returns the checkpointed state of sessionID.
func (c *CareFlow) Session(ctx context.Context, sessionID string) (*core.State, error) {
	return c.engine.Session(ctx, sessionID)
}

// DeleteSession removes the checkpoint of sessionID.
func (c *CareFlow) DeleteSession(ctx context.Context, sessionID string) error {
	return c.engine.DeleteSession(ctx, sessionID)
}

// Prune removes sessions idle for longer than ttl.
func (c *CareFlow) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	return c.engine.Prune(ctx, ttl)
}

// Engine exposes the underlying engine.
func (c *CareFlow) Engine() *engine.Engine { return c.engine }

// Services returns the clinic collaborators backing the tools.
func (c *CareFlow) Services() clinic.Services { return c.services }

// Catalog returns the effective agent catalog.
func (c *CareFlow) Catalog() *agent.Catalog { return c.catalog }

// Tools returns the registered tool names.
func (c *CareFlow) Tools() []string { return c.registry.Names() }

// Close stops running turns and closes the checkpoint store.
func (c *CareFlow) Close() error {
	c.engine.StopAll()
	return c.store.Close()
}
