package extract

import (
	"context"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/llm"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/shadow"
)

// ShadowKind is the shadow diff kind for extraction comparisons.
const ShadowKind = "extract"

// ProviderRetriever pins retrieval to a single provider regardless of the
// retrieval cutover mode. The legacy extraction pipeline reads through it.
type ProviderRetriever struct {
	Provider retrieval.Provider
}

// Retrieve implements Retriever.
func (p ProviderRetriever) Retrieve(ctx context.Context, _ *cutover.Config, q retrieval.Query) ([]model.RetrievedChunk, retrieval.Observation, error) {
	chunks, err := p.Provider.Retrieve(ctx, q)
	obs := retrieval.Observation{
		ResolvedMode: cutover.ModeOld,
		ProviderUsed: retrieval.ProviderLegacy,
		ResultsCount: len(chunks),
	}
	if err != nil {
		return nil, obs, &retrieval.ProviderError{Provider: p.Provider.Name(), Op: "retrieve", Err: err}
	}
	if chunks == nil {
		chunks = []model.RetrievedChunk{}
	}
	return chunks, obs, nil
}

// NewLegacyEngine builds the pre-migration extraction pipeline: the same
// steps, but always reading the legacy index.
func NewLegacyEngine(legacy retrieval.Provider, adapter llm.Adapter, opts EngineOptions) *Engine {
	return NewEngine(ProviderRetriever{Provider: legacy}, adapter, opts)
}

// Dispatcher chooses between the legacy and new extraction pipelines by
// the project's "extract" cutover mode.
type Dispatcher struct {
	legacy    Extractor
	next      Extractor
	diffs     retrieval.DiffLogger
	gate      *shadow.Gate
	fallbacks atomic.Int64
}

// NewDispatcher creates a dispatcher. diffs may be nil.
func NewDispatcher(legacy, next Extractor, diffs retrieval.DiffLogger, gate *shadow.Gate) *Dispatcher {
	if gate == nil {
		gate = shadow.NewGate(0, 0)
	}
	return &Dispatcher{legacy: legacy, next: next, diffs: diffs, gate: gate}
}

// Fallbacks returns how many PREFER_NEW runs were served by legacy.
func (d *Dispatcher) Fallbacks() int64 { return d.fallbacks.Load() }

// Wait blocks until in-flight shadow extractions finish.
func (d *Dispatcher) Wait() { d.gate.Wait() }

// Run implements Extractor.
func (d *Dispatcher) Run(ctx context.Context, cfg *cutover.Config, spec *Spec, projectID, modelID string, stage *StageContext) (*model.ExtractionResult, error) {
	switch cfg.Resolve(cutover.CapabilityExtract, projectID) {
	case cutover.ModeNewOnly:
		return d.next.Run(ctx, cfg, spec, projectID, modelID, stage)

	case cutover.ModePreferNew:
		res, err := d.next.Run(ctx, cfg, spec, projectID, modelID, stage)
		if err == nil || ctx.Err() != nil {
			return res, err
		}
		d.fallbacks.Add(1)
		retrieval.FallbackEvent{
			Capability: cutover.CapabilityExtract,
			ProjectID:  projectID,
			Provider:   "extract.new",
			Err:        err,
		}.Log()
		return d.legacy.Run(ctx, cfg, spec, projectID, modelID, stage)

	case cutover.ModeShadow:
		type outcome struct {
			res *model.ExtractionResult
			err error
		}
		done := make(chan outcome, 1)
		d.gate.Go(ctx, func(sctx context.Context) {
			newRes, newErr := d.next.Run(sctx, cfg, spec, projectID, modelID, stage)
			old := <-done
			summary := DiffData(dataOf(old.res), dataOf(newRes))
			if newErr != nil {
				summary["new_error"] = newErr.Error()
			}
			if old.err != nil {
				summary["old_error"] = old.err.Error()
			}
			if d.diffs != nil {
				d.diffs.Log(ShadowKind, spec.Name, projectID, dataOf(old.res), dataOf(newRes), summary)
			}
		})
		res, err := d.legacy.Run(ctx, cfg, spec, projectID, modelID, stage)
		done <- outcome{res: res, err: err}
		return res, err

	default:
		return d.legacy.Run(ctx, cfg, spec, projectID, modelID, stage)
	}
}

func dataOf(res *model.ExtractionResult) map[string]any {
	if res == nil {
		return nil
	}
	return res.Data
}

// DiffData compares two extracted objects by key set and value equality.
func DiffData(old, next map[string]any) map[string]any {
	var onlyOld, onlyNew, changed, equal []string
	for k, ov := range old {
		nv, ok := next[k]
		switch {
		case !ok:
			onlyOld = append(onlyOld, k)
		case reflect.DeepEqual(ov, nv):
			equal = append(equal, k)
		default:
			changed = append(changed, k)
		}
	}
	for k := range next {
		if _, ok := old[k]; !ok {
			onlyNew = append(onlyNew, k)
		}
	}
	for _, s := range [][]string{onlyOld, onlyNew, changed, equal} {
		sort.Strings(s)
	}

	union := len(onlyOld) + len(onlyNew) + len(changed) + len(equal)
	ratio := 1.0
	if union > 0 {
		ratio = float64(len(equal)) / float64(union)
	}
	return map[string]any{
		"only_old_keys": nonNil(onlyOld),
		"only_new_keys": nonNil(onlyNew),
		"changed_keys":  nonNil(changed),
		"equal_keys":    len(equal),
		"match_ratio":   ratio,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
