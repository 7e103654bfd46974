// Package llm adapts chat-completion providers to one narrow interface.
package llm

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/pkg/anthropic"
)

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Adapter sends a conversation to a model and returns the raw text reply.
type Adapter interface {
	Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error)
}

// NewAdapter builds the configured provider wrapped with rate limiting and
// transient-error retries.
func NewAdapter(cfg config.LLMConfig, retry resilience.RetryConfig) (Adapter, error) {
	var base Adapter
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("llm: anthropic key is required")
		}
		base = NewAnthropicAdapter(anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL))
	case "openai":
		if cfg.OpenAI.Key == "" {
			return nil, eris.New("llm: openai key is required")
		}
		base = NewOpenAIAdapter(cfg.OpenAI.Key, cfg.OpenAI.BaseURL)
	default:
		return nil, eris.Errorf("llm: unsupported provider %q", cfg.Provider)
	}

	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", cfg.Provider)
	}
	var adapter Adapter = NewRetrying(base, retry)
	if cfg.RateLimitRPS > 0 {
		adapter = NewRateLimited(adapter, rate.Limit(cfg.RateLimitRPS), 1)
	}
	return adapter, nil
}

// classify marks provider errors with retryable HTTP statuses as transient.
func classify(err error, status int, msg string) error {
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(eris.Wrap(err, msg), status)
	}
	return eris.Wrap(err, msg)
}
