package router

import (
	"strings"

	"github.com/hupe1980/careflow/core"
)

// Rule is a deterministic routing override evaluated before the classifier.
type Rule interface {
	Match(text string, state *core.State) (core.AgentName, string, bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(text string, state *core.State) (core.AgentName, string, bool)

// Match implements Rule.
func (f RuleFunc) Match(text string, state *core.State) (core.AgentName, string, bool) {
	return f(text, state)
}

// KeywordRule routes to Agent when the message contains any keyword,
// compared case-insensitively.
type KeywordRule struct {
	Name     string
	Agent    core.AgentName
	Keywords []string
}

// Match implements Rule.
func (k KeywordRule) Match(text string, _ *core.State) (core.AgentName, string, bool) {
	normalized := normalize(text)
	for _, kw := range k.Keywords {
		if strings.Contains(normalized, normalize(kw)) {
			return k.Agent, k.Name + ": " + kw, true
		}
	}
	return "", "", false
}

// EmergencyKeywords force triage regardless of the classifier.
var EmergencyKeywords = []string{
	"chest pain",
	"shortness of breath",
	"can't breathe",
	"cannot breathe",
	"not breathing",
	"difficulty breathing",
	"unconscious",
	"passed out",
	"severe bleeding",
	"heart attack",
	"stroke",
	"seizure",
	"overdose",
	"anaphylaxis",
	"suicidal",
	"kill myself",
}

// HumanRequestKeywords route straight to a member of staff.
var HumanRequestKeywords = []string{
	"speak to a human",
	"talk to a human",
	"real person",
	"human operator",
	"speak to a person",
}

// DefaultRules returns the emergency and human request rules.
func DefaultRules() []Rule {
	return []Rule{
		KeywordRule{Name: "emergency", Agent: core.AgentTriage, Keywords: EmergencyKeywords},
		KeywordRule{Name: "human_request", Agent: core.AgentHuman, Keywords: HumanRequestKeywords},
	}
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}
