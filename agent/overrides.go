package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

// ErrInvalidOverrides is returned for malformed override files.
var ErrInvalidOverrides = errors.New("invalid agent overrides")

// Override adjusts one specialist. Zero fields keep the built-in value.
//
//	pharmacist:
//	  tier: reasoning
//	  temperature: 0
//	  tools: [check_drug_interactions, lookup_patient]
//	  discriminators: [drug_interactions]
//	  instruction: |
//	    You are the clinic pharmacist ...
type Override struct {
	Instruction    string   `yaml:"instruction,omitempty"`
	Description    string   `yaml:"description,omitempty"`
	Tools          []string `yaml:"tools,omitempty"`
	Tier           string   `yaml:"tier,omitempty"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
	Discriminators []string `yaml:"discriminators,omitempty"`
}

// Overrides maps agent names to their adjustments.
type Overrides map[string]Override

// LoadOverrides reads a YAML overrides file.
func LoadOverrides(path string) (Overrides, error) {
	path = filepath.Clean(path)

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return ParseOverrides(b)
}

// ParseOverrides decodes YAML overrides.
func ParseOverrides(b []byte) (Overrides, error) {
	var ov Overrides
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverrides, err)
	}
	return ov, nil
}

// Apply returns a new catalog with ov applied. Unknown agents, unknown
// tools (when knownTools is non-nil) and invalid tiers are rejected.
func (c *Catalog) Apply(ov Overrides, knownTools []string) (*Catalog, error) {
	known := map[string]bool{}
	for _, t := range knownTools {
		known[t] = true
	}

	names := make([]string, 0, len(ov))
	for n := range ov {
		names = append(names, n)
	}
	sort.Strings(names)

	specs := make(map[core.AgentName]*Spec, len(c.order))
	for _, n := range c.order {
		specs[n] = c.specs[n].Clone()
	}

	for _, raw := range names {
		o := ov[raw]

		name, ok := core.ParseAgentName(raw)
		if !ok || specs[name] == nil {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidOverrides, raw)
		}
		s := specs[name]

		if o.Instruction != "" {
			s.Instruction = NewInstructionFromText(o.Instruction)
		}
		if o.Description != "" {
			s.Description = o.Description
		}
		if o.Tools != nil {
			for _, t := range o.Tools {
				if knownTools != nil && !known[t] {
					return nil, fmt.Errorf("%w: agent %q references unknown tool %q", ErrInvalidOverrides, raw, t)
				}
			}
			s.Tools = append([]string(nil), o.Tools...)
		}
		if o.Tier != "" {
			tier, err := model.ParseTier(o.Tier)
			if err != nil {
				return nil, fmt.Errorf("%w: agent %q: %v", ErrInvalidOverrides, raw, err)
			}
			s.Tier = tier
		}
		if o.Temperature != nil {
			t := *o.Temperature
			s.Temperature = &t
		}
		if o.Discriminators != nil {
			s.Discriminators = append([]string(nil), o.Discriminators...)
		}
	}

	out := make([]*Spec, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, specs[n])
	}

	return NewCatalog(out...)
}
