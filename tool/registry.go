package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/careflow/model"
)

// Registry holds every declared tool of the process keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry pre-populated with tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	if err := r.Register(tools...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds tools. Duplicate names are rejected.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t == nil || t.Name() == "" {
			return fmt.Errorf("tool without name")
		}
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("tool %q already registered", t.Name())
		}
		r.tools[t.Name()] = t
	}

	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Toolset builds the whitelist for one agent. Every name must be registered.
func (r *Registry) Toolset(names ...string) (*Toolset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := &Toolset{index: map[string]Tool{}}
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		if _, dup := ts.index[n]; dup {
			continue
		}
		ts.index[n] = t
		ts.order = append(ts.order, t)
	}

	return ts, nil
}

// Toolset is an agent's immutable tool whitelist. The zero value and nil
// permit nothing.
type Toolset struct {
	order []Tool
	index map[string]Tool
}

// Allowed reports whether name is whitelisted.
func (ts *Toolset) Allowed(name string) bool {
	if ts == nil {
		return false
	}
	_, ok := ts.index[name]
	return ok
}

// Lookup returns the whitelisted tool for name.
func (ts *Toolset) Lookup(name string) (Tool, bool) {
	if ts == nil {
		return nil, false
	}
	t, ok := ts.index[name]
	return t, ok
}

// Len returns the number of whitelisted tools.
func (ts *Toolset) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.order)
}

// Names returns the whitelisted names in declaration order.
func (ts *Toolset) Names() []string {
	if ts == nil {
		return nil
	}
	names := make([]string, len(ts.order))
	for i, t := range ts.order {
		names[i] = t.Name()
	}
	return names
}

// Definitions renders the whitelist as model tool definitions.
func (ts *Toolset) Definitions() []model.ToolDefinition {
	if ts.Len() == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(ts.order))
	for _, t := range ts.order {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
