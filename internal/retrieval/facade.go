package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/shadow"
)

// ShadowKind is the shadow diff kind for retrieval comparisons.
const ShadowKind = "retrieval"

// DiffLogger records legacy-vs-new divergence. Implementations must not
// block or fail the caller.
type DiffLogger interface {
	Log(kind, entityID, projectID string, oldResult, newResult any, summary map[string]any)
}

// FacadeOptions bounds the shadow path.
type FacadeOptions struct {
	// ShadowTimeout caps each shadow call. Default 5s.
	ShadowTimeout time.Duration
	// MaxShadowInFlight caps concurrent shadow calls; excess calls are
	// skipped, not queued. Default 8.
	MaxShadowInFlight int
}

// Stats counts facade events since start.
type Stats struct {
	Fallbacks     int64 `json:"fallbacks"`
	ShadowRuns    int64 `json:"shadow_runs"`
	ShadowSkipped int64 `json:"shadow_skipped"`
}

// Facade dispatches retrieval between the legacy and new providers.
type Facade struct {
	legacy Provider
	next   Provider
	diffs  DiffLogger

	gate      *shadow.Gate
	fallbacks atomic.Int64
}

// NewFacade creates a facade. diffs may be nil, in which case shadow
// results are computed and discarded.
func NewFacade(legacy, next Provider, diffs DiffLogger, opts FacadeOptions) *Facade {
	return &Facade{
		legacy: legacy,
		next:   next,
		diffs:  diffs,
		gate:   shadow.NewGate(opts.MaxShadowInFlight, opts.ShadowTimeout),
	}
}

// Legacy returns the legacy provider.
func (f *Facade) Legacy() Provider { return f.legacy }

// Retrieve resolves the retrieval mode for q.ProjectID from cfg and runs
// the matching strategy. The returned slice is never nil on success.
func (f *Facade) Retrieve(ctx context.Context, cfg *cutover.Config, q Query) ([]model.RetrievedChunk, Observation, error) {
	mode := cfg.Resolve(cutover.CapabilityRetrieval, q.ProjectID)
	start := time.Now()

	if q.TopK <= 0 {
		return nil, Observation{ResolvedMode: mode}, eris.Errorf("retrieval: top_k must be positive, got %d", q.TopK)
	}

	var (
		chunks []model.RetrievedChunk
		used   string
		err    error
	)
	switch mode {
	case cutover.ModeNewOnly:
		used = ProviderNew
		chunks, err = f.call(ctx, f.next, q)
	case cutover.ModePreferNew:
		chunks, used, err = f.preferNew(ctx, q)
	case cutover.ModeShadow:
		used = ProviderLegacy
		chunks, err = f.shadowed(ctx, q)
	default:
		used = ProviderLegacy
		chunks, err = f.call(ctx, f.legacy, q)
	}

	obs := observe(mode, used, start, chunks)
	obs.Fallback = used == ProviderLegacyFallback
	if err != nil {
		zap.L().Warn("retrieval: failed",
			zap.String("project_id", q.ProjectID),
			zap.String("mode", string(mode)),
			zap.String("provider", used),
			zap.Int64("latency_ms", obs.LatencyMS),
			zap.Error(err),
		)
		return nil, obs, err
	}

	zap.L().Debug("retrieval: done",
		zap.String("project_id", q.ProjectID),
		zap.String("mode", string(mode)),
		zap.String("provider", used),
		zap.Int("results", obs.ResultsCount),
		zap.Int64("latency_ms", obs.LatencyMS),
	)
	return chunks, obs, nil
}

// Stats returns event counters.
func (f *Facade) Stats() Stats {
	return Stats{
		Fallbacks:     f.fallbacks.Load(),
		ShadowRuns:    f.gate.Runs(),
		ShadowSkipped: f.gate.Skipped(),
	}
}

// Wait blocks until in-flight shadow calls finish.
func (f *Facade) Wait() {
	f.gate.Wait()
}

// call runs one provider and normalizes its output.
func (f *Facade) call(ctx context.Context, p Provider, q Query) ([]model.RetrievedChunk, error) {
	chunks, err := p.Retrieve(ctx, q)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, providerError(p, err)
	}
	if chunks == nil {
		chunks = []model.RetrievedChunk{}
	}
	return chunks, nil
}

func (f *Facade) preferNew(ctx context.Context, q Query) ([]model.RetrievedChunk, string, error) {
	chunks, err := f.call(ctx, f.next, q)
	if err == nil {
		return chunks, ProviderNew, nil
	}
	if ctx.Err() != nil {
		return nil, ProviderNew, err
	}

	f.fallbacks.Add(1)
	FallbackEvent{
		Capability: cutover.CapabilityRetrieval,
		ProjectID:  q.ProjectID,
		Provider:   f.next.Name(),
		Err:        err,
	}.Log()

	chunks, err = f.call(ctx, f.legacy, q)
	return chunks, ProviderLegacyFallback, err
}

type legacyOutcome struct {
	chunks []model.RetrievedChunk
	err    error
}

// shadowed returns legacy's result. The new provider runs concurrently in
// a detached goroutine with its own deadline; when all shadow slots are
// busy the comparison is skipped.
func (f *Facade) shadowed(ctx context.Context, q Query) ([]model.RetrievedChunk, error) {
	done := make(chan legacyOutcome, 1)

	started := f.gate.Go(ctx, func(sctx context.Context) {
		f.runShadow(sctx, q, done)
	})
	if !started {
		zap.L().Debug("retrieval: shadow skipped, at capacity", zap.String("project_id", q.ProjectID))
	}

	chunks, err := f.call(ctx, f.legacy, q)
	done <- legacyOutcome{chunks: chunks, err: err}
	return chunks, err
}

func (f *Facade) runShadow(ctx context.Context, q Query, legacyDone <-chan legacyOutcome) {
	start := time.Now()
	newChunks, newErr := f.call(ctx, f.next, q)
	newLatency := time.Since(start).Milliseconds()

	old := <-legacyDone

	summary := DiffChunks(old.chunks, newChunks).Summary()
	summary["new_latency_ms"] = newLatency
	if newErr != nil {
		summary["new_error"] = newErr.Error()
	}
	if old.err != nil {
		summary["old_error"] = old.err.Error()
	}

	if f.diffs != nil {
		f.diffs.Log(ShadowKind, q.Text, q.ProjectID,
			model.ChunkIDs(old.chunks), model.ChunkIDs(newChunks), summary)
	}
}
