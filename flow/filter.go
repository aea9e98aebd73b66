package flow

import (
	"strings"

	"github.com/hupe1980/careflow/core"
)

// MinAssistantLength is the shortest assistant message replayed to models.
const MinAssistantLength = 10

// IsStaleArtifact reports whether m is a prior structured output rather than
// conversational content: an assistant message starting with a code fence or
// a JSON brace, or shorter than MinAssistantLength.
func IsStaleArtifact(m core.Message) bool {
	if m.Role != core.RoleAssistant {
		return false
	}
	content := strings.TrimSpace(m.Content)
	if len([]rune(content)) < MinAssistantLength {
		return true
	}
	return strings.HasPrefix(content, "```") || strings.HasPrefix(content, "{")
}

// FilterMessages returns the messages worth replaying to a model. User and
// system messages are always kept. The input is not modified and filtering
// a filtered history is a no-op.
func FilterMessages(msgs []core.Message) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if IsStaleArtifact(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}
