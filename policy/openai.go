package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultChatModel = "gpt-4o-mini"

// OpenAIPolicy generates replies with a chat-completions model. The agent
// config's prompt becomes the system message; the recent history window is
// replayed as alternating user/assistant messages.
type OpenAIPolicy struct {
	client openai.Client
	model  string
}

var _ Policy = (*OpenAIPolicy)(nil)

func NewOpenAIPolicy(apiKey, model string, opts ...option.RequestOption) (*OpenAIPolicy, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if model == "" {
		model = defaultChatModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIPolicy{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *OpenAIPolicy) Reply(ctx context.Context, utterance string, history []Turn, cfg agent.Config) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, historyWindow+2)
	if cfg.Prompt != "" {
		msgs = append(msgs, openai.SystemMessage(cfg.Prompt))
	}

	window := tail(history)
	for _, turn := range window {
		switch turn.Speaker {
		case SpeakerAgent:
			msgs = append(msgs, openai.AssistantMessage(turn.Text))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Text))
		}
	}
	// A history snapshot always ends with the utterance being answered;
	// only replay it explicitly if the caller passed a bare utterance.
	if len(window) == 0 || window[len(window)-1].Text != utterance {
		msgs = append(msgs, openai.UserMessage(utterance))
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
