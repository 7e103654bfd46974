package llm

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter calls any OpenAI-compatible chat completion endpoint.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter creates an adapter. An empty baseURL uses api.openai.com.
func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}
}

// Chat implements Adapter.
func (a *OpenAIAdapter) Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	}
	// A zero temperature is dropped by omitempty and the server default applies.
	if temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err, openAIStatus(err), "llm: openai chat")
	}
	if len(resp.Choices) == 0 {
		return "", eris.New("llm: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
