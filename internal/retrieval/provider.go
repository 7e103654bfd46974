// Package retrieval fetches evidence chunks through interchangeable legacy
// and new search providers, dispatching on the project's cutover mode.
package retrieval

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Values reported in Observation.ProviderUsed.
const (
	ProviderLegacy         = "legacy"
	ProviderNew            = "new"
	ProviderLegacyFallback = "legacy_fallback"
)

// Query is one retrieval request.
type Query struct {
	Text      string   `json:"query"`
	ProjectID string   `json:"project_id"`
	DocTypes  []string `json:"doc_types,omitempty"`
	TopK      int      `json:"top_k"`
}

// Provider searches one index.
type Provider interface {
	Name() string
	Retrieve(ctx context.Context, q Query) ([]model.RetrievedChunk, error)
}

// ProviderError is a provider-level failure (timeout, connection, index
// error). It is distinct from an empty result.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("retrieval: %s provider %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(p Provider, err error) error {
	return &ProviderError{Provider: p.Name(), Op: "retrieve", Err: err}
}

// ErrUnavailable is returned by a provider that is not configured.
var ErrUnavailable = eris.New("retrieval: provider not configured")

// Unavailable stands in for a provider the process has no backend for.
// Every call fails with ErrUnavailable, so NEW_ONLY surfaces a provider
// error and PREFER_NEW falls back.
type Unavailable struct {
	ProviderName string
}

// Name implements Provider.
func (u Unavailable) Name() string { return u.ProviderName }

// Retrieve implements Provider.
func (u Unavailable) Retrieve(context.Context, Query) ([]model.RetrievedChunk, error) {
	return nil, ErrUnavailable
}
