package agent

import (
	"errors"
	"fmt"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

// Spec parametrizes the generic two-phase executor for one specialist.
type Spec struct {
	Name        core.AgentName
	Description string
	Instruction Instruction
	// Tools is the whitelist of tool names. Empty means no tools are bound.
	Tools []string
	Tier  model.Tier
	// Temperature overrides the model default when non-nil.
	Temperature *float64
	// Schema is the target structured response shape for phase 2.
	Schema model.Schema
	// Discriminators name high-value fields that make an embedded JSON block
	// the preferred base during fallback extraction.
	Discriminators []string
}

// Validate checks the spec is executable.
func (s *Spec) Validate() error {
	if !s.Name.IsSpecialist() {
		return fmt.Errorf("agent %q is not a specialist", s.Name)
	}
	if s.Instruction.IsZero() {
		return fmt.Errorf("agent %q: instruction is required", s.Name)
	}
	if s.Schema.Parameters == nil {
		return fmt.Errorf("agent %q: schema is required", s.Name)
	}
	if _, err := model.ParseTier(string(s.Tier)); err != nil {
		return fmt.Errorf("agent %q: %w", s.Name, err)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("agent %q: temperature must be within [0,2]", s.Name)
	}
	return nil
}

// Clone returns a copy safe to modify.
func (s *Spec) Clone() *Spec {
	c := *s
	c.Tools = append([]string(nil), s.Tools...)
	c.Discriminators = append([]string(nil), s.Discriminators...)
	if s.Temperature != nil {
		t := *s.Temperature
		c.Temperature = &t
	}
	c.Schema.Parameters = core.CloneMap(s.Schema.Parameters)
	return &c
}

// ErrUnknownAgent is returned for names missing from a Catalog.
var ErrUnknownAgent = errors.New("unknown agent")

// Catalog holds the specialist specs in declaration order.
type Catalog struct {
	order []core.AgentName
	specs map[core.AgentName]*Spec
}

// NewCatalog builds a catalog. Duplicate or invalid specs are rejected.
func NewCatalog(specs ...*Spec) (*Catalog, error) {
	c := &Catalog{specs: map[core.AgentName]*Spec{}}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.specs[s.Name]; dup {
			return nil, fmt.Errorf("agent %q declared twice", s.Name)
		}
		c.specs[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	return c, nil
}

// Get returns the spec for name.
func (c *Catalog) Get(name core.AgentName) (*Spec, error) {
	s, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return s, nil
}

// Has reports whether name is declared.
func (c *Catalog) Has(name core.AgentName) bool {
	_, ok := c.specs[name]
	return ok
}

// Names returns the declared agents in order.
func (c *Catalog) Names() []core.AgentName {
	return append([]core.AgentName(nil), c.order...)
}

// Specs returns the declared specs in order.
func (c *Catalog) Specs() []*Spec {
	out := make([]*Spec, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.specs[n])
	}
	return out
}

// ToolNames returns every tool referenced by any spec, deduplicated.
func (c *Catalog) ToolNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range c.Specs() {
		for _, t := range s.Tools {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
