package model

import (
	"errors"
	"fmt"
	"strings"
)

// Tier selects a model class by cost and capability.
type Tier string

const (
	TierFast      Tier = "fast"
	TierStandard  Tier = "standard"
	TierReasoning Tier = "reasoning"
)

// ParseTier parses a tier name. Empty input yields TierStandard.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierStandard:
		return TierStandard, nil
	case TierFast:
		return TierFast, nil
	case TierReasoning:
		return TierReasoning, nil
	default:
		return "", fmt.Errorf("unknown model tier %q", s)
	}
}

// Set holds one Model per tier. It is built once at process start and
// injected into the router and executors.
type Set struct {
	Fast      Model
	Standard  Model
	Reasoning Model
}

// NewUniformSet uses m for every tier.
func NewUniformSet(m Model) Set {
	return Set{Fast: m, Standard: m, Reasoning: m}
}

// For returns the model for t, falling back to Standard and then Fast when
// a tier is not configured.
func (s Set) For(t Tier) Model {
	switch t {
	case TierFast:
		if s.Fast != nil {
			return s.Fast
		}
	case TierReasoning:
		if s.Reasoning != nil {
			return s.Reasoning
		}
	}
	if s.Standard != nil {
		return s.Standard
	}
	return s.Fast
}

// Validate reports an error when no tier is configured.
func (s Set) Validate() error {
	if s.Fast == nil && s.Standard == nil && s.Reasoning == nil {
		return errors.New("model set is empty")
	}
	return nil
}
