package extract

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/llm"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Chat(ctx context.Context, messages []llm.Message, modelID string, temperature float64, maxTokens int) (string, error) {
	args := m.Called(ctx, messages, modelID, temperature, maxTokens)
	return args.String(0), args.Error(1)
}

// stubAdapter answers with a fixed reply, recording prompts.
type stubAdapter struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	prompts []string
}

func (s *stubAdapter) Chat(_ context.Context, messages []llm.Message, _ string, _ float64, _ int) (string, error) {
	prompt := messages[len(messages)-1].Content
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.reply(prompt)
}

func (s *stubAdapter) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func fixed(reply string) *stubAdapter {
	return &stubAdapter{reply: func(string) (string, error) { return reply, nil }}
}

// fakeRetriever serves canned chunks per query text, optionally delaying
// some queries to shuffle completion order.
type fakeRetriever struct {
	chunks map[string][]model.RetrievedChunk
	delay  map[string]time.Duration
	err    map[string]error
	mode   cutover.Mode
}

func (f *fakeRetriever) Retrieve(ctx context.Context, _ *cutover.Config, q retrieval.Query) ([]model.RetrievedChunk, retrieval.Observation, error) {
	if d := f.delay[q.Text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, retrieval.Observation{}, ctx.Err()
		}
	}
	obs := retrieval.Observation{ResolvedMode: f.mode, ProviderUsed: retrieval.ProviderNew}
	if err := f.err[q.Text]; err != nil {
		return nil, obs, err
	}
	out := f.chunks[q.Text]
	if len(out) > q.TopK {
		out = out[:q.TopK]
	}
	obs.ResultsCount = len(out)
	return out, obs, nil
}

func chunk(id string, score float64, text string) model.RetrievedChunk {
	return model.RetrievedChunk{ChunkID: id, Score: score, Text: text, Metadata: model.ChunkMetadata{DocType: "tender"}}
}
