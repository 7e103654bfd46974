package retrieval

import (
	"context"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

// Resilient retries transient provider failures and, when a breaker is
// set, fails fast while the provider is known to be down.
type Resilient struct {
	inner   Provider
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewResilient wraps p. breaker may be nil.
func NewResilient(p Provider, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) *Resilient {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("retrieval", p.Name())
	}
	return &Resilient{inner: p, retry: retry, breaker: breaker}
}

// Name implements Provider.
func (r *Resilient) Name() string { return r.inner.Name() }

// Retrieve implements Provider.
func (r *Resilient) Retrieve(ctx context.Context, q Query) ([]model.RetrievedChunk, error) {
	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]model.RetrievedChunk, error) {
		if r.breaker == nil {
			return r.inner.Retrieve(ctx, q)
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]model.RetrievedChunk, error) {
			return r.inner.Retrieve(ctx, q)
		})
	})
}
