package policy

import (
	"context"
	"strings"

	"github.com/bt-bridge/callbridge/agent"
)

// RulesPolicy is the dependency-free keyword policy. It exists so the
// pipeline runs without any language-model credentials configured.
type RulesPolicy struct{}

var _ Policy = (*RulesPolicy)(nil)

func NewRulesPolicy() *RulesPolicy {
	return &RulesPolicy{}
}

func (p *RulesPolicy) Reply(_ context.Context, utterance string, _ []Turn, _ agent.Config) (string, error) {
	lower := strings.ToLower(utterance)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return "Hello! How can I assist you today?", nil
	case strings.Contains(lower, "help") || strings.Contains(lower, "assist"):
		return "I'm here to help you with any questions or concerns you might have.", nil
	case strings.Contains(lower, "bye") || strings.Contains(lower, "goodbye"):
		return "Thank you for calling. Goodbye!", nil
	default:
		return "I understand. Let me help you with that. Could you provide more details?", nil
	}
}
