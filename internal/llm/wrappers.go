package llm

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-cli/internal/resilience"
)

// RateLimited throttles calls to the wrapped adapter.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of rps and burst.
func NewRateLimited(next Adapter, rps rate.Limit, burst int) *RateLimited {
	return &RateLimited{next: next, limiter: rate.NewLimiter(rps, burst)}
}

// Chat implements Adapter.
func (r *RateLimited) Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "llm: rate limit wait")
	}
	return r.next.Chat(ctx, messages, modelID, temperature, maxTokens)
}

// Retrying retries transient adapter failures.
type Retrying struct {
	next Adapter
	cfg  resilience.RetryConfig
}

// NewRetrying wraps next with cfg.
func NewRetrying(next Adapter, cfg resilience.RetryConfig) *Retrying {
	return &Retrying{next: next, cfg: cfg}
}

// Chat implements Adapter.
func (r *Retrying) Chat(ctx context.Context, messages []Message, modelID string, temperature float64, maxTokens int) (string, error) {
	return resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (string, error) {
		return r.next.Chat(ctx, messages, modelID, temperature, maxTokens)
	})
}
