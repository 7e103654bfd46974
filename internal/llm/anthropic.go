package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/pkg/anthropic"
)

const defaultMaxTokens = 4096

// AnthropicAdapter calls the Anthropic Messages API. System messages become
// system blocks; the first one is marked as a prompt-cache breakpoint since
// extraction specs reuse it across projects.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter wraps an Anthropic client.
func NewAnthropicAdapter(client anthropic.Client) *AnthropicAdapter {
	return &AnthropicAdapter{client: client}
}

// Chat implements Adapter.
func (a *AnthropicAdapter) Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	req := anthropic.MessageRequest{
		Model:       modelID,
		MaxTokens:   int64(maxTokens),
		Temperature: &temperature,
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			req.System = append(req.System, anthropic.SystemBlock{Text: m.Content, Cache: len(req.System) == 0})
		default:
			req.Messages = append(req.Messages, anthropic.Message{Role: m.Role, Content: m.Content})
		}
	}
	if len(req.Messages) == 0 {
		return "", eris.New("llm: anthropic: no user message")
	}

	resp, err := a.client.CreateMessage(ctx, req)
	if err != nil {
		return "", classify(err, anthropic.StatusCode(err), "llm: anthropic chat")
	}
	resp.Usage.LogUsage(modelID)

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", eris.Errorf("llm: anthropic returned no text (stop_reason=%s)", resp.StopReason)
	}
	return text, nil
}
