package llm

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/evidence-cli/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error) {
	args := m.Called(ctx, messages, modelID, temperature, maxTokens)
	return args.String(0), args.Error(1)
}
