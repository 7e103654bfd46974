package extract

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

type fakeExtractor struct {
	mu    sync.Mutex
	data  map[string]any
	err   error
	calls int
}

func (f *fakeExtractor) Run(context.Context, *cutover.Config, *Spec, string, string, *StageContext) (*model.ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.ExtractionResult{Data: f.data, EvidenceChunkIDs: []string{}}, nil
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedDiff struct {
	kind, entity, project string
	summary               map[string]any
}

type diffRecorder struct {
	mu    sync.Mutex
	diffs []recordedDiff
}

func (d *diffRecorder) Log(kind, entityID, projectID string, _, _ any, summary map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diffs = append(d.diffs, recordedDiff{kind, entityID, projectID, summary})
}

func extractMode(m cutover.Mode) *cutover.Config {
	return cutover.NewConfig(map[cutover.Capability]cutover.Mode{
		cutover.CapabilityExtract: m,
		// Retrieval mode must not influence extract dispatch.
		cutover.CapabilityRetrieval: cutover.ModeNewOnly,
	}, nil)
}

func TestDispatcher_Old(t *testing.T) {
	legacy := &fakeExtractor{data: map[string]any{"v": "old"}}
	next := &fakeExtractor{data: map[string]any{"v": "new"}}
	d := NewDispatcher(legacy, next, nil, nil)

	res, err := d.Run(context.Background(), extractMode(cutover.ModeOld), tenderSpec(), "p1", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "old", res.Data["v"])
	assert.Equal(t, 0, next.Calls())
}

func TestDispatcher_NewOnlyPropagates(t *testing.T) {
	legacy := &fakeExtractor{data: map[string]any{"v": "old"}}
	next := &fakeExtractor{err: &SchemaError{Violations: nil}}
	d := NewDispatcher(legacy, next, nil, nil)

	_, err := d.Run(context.Background(), extractMode(cutover.ModeNewOnly), tenderSpec(), "p1", "m", nil)
	var se *SchemaError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 0, legacy.Calls())
}

func TestDispatcher_PreferNewFallsBack(t *testing.T) {
	legacy := &fakeExtractor{data: map[string]any{"v": "old"}}
	next := &fakeExtractor{err: errors.New("parse")}
	d := NewDispatcher(legacy, next, nil, nil)

	res, err := d.Run(context.Background(), extractMode(cutover.ModePreferNew), tenderSpec(), "p1", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "old", res.Data["v"])
	assert.Equal(t, int64(1), d.Fallbacks())
}

func TestDispatcher_ShadowReturnsLegacyAndDiffs(t *testing.T) {
	defer goleak.VerifyNone(t)

	legacy := &fakeExtractor{data: map[string]any{"a": "1", "b": "2", "c": "3"}}
	next := &fakeExtractor{data: map[string]any{"a": "1", "b": "changed", "d": "4"}}
	rec := &diffRecorder{}
	d := NewDispatcher(legacy, next, rec, nil)

	res, err := d.Run(context.Background(), extractMode(cutover.ModeShadow), tenderSpec(), "p1", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, legacy.data, res.Data)
	d.Wait()

	require.Len(t, rec.diffs, 1)
	got := rec.diffs[0]
	assert.Equal(t, ShadowKind, got.kind)
	assert.Equal(t, "tender_basics", got.entity)
	assert.Equal(t, []string{"c"}, got.summary["only_old_keys"])
	assert.Equal(t, []string{"d"}, got.summary["only_new_keys"])
	assert.Equal(t, []string{"b"}, got.summary["changed_keys"])
	assert.Equal(t, 1, got.summary["equal_keys"])
	assert.InDelta(t, 0.25, got.summary["match_ratio"], 1e-9)
}

func TestDispatcher_ShadowNewFailureInvisible(t *testing.T) {
	defer goleak.VerifyNone(t)

	legacy := &fakeExtractor{data: map[string]any{"a": "1"}}
	next := &fakeExtractor{err: errors.New("boom")}
	rec := &diffRecorder{}
	d := NewDispatcher(legacy, next, rec, nil)

	res, err := d.Run(context.Background(), extractMode(cutover.ModeShadow), tenderSpec(), "p1", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Data["a"])
	d.Wait()
	require.Len(t, rec.diffs, 1)
	assert.Equal(t, "boom", rec.diffs[0].summary["new_error"])
}

func TestDiffData_Identical(t *testing.T) {
	s := DiffData(map[string]any{"a": []any{"x"}}, map[string]any{"a": []any{"x"}})
	assert.Equal(t, 1.0, s["match_ratio"])
	assert.Equal(t, []string{}, s["changed_keys"])
	assert.Equal(t, 1.0, DiffData(nil, nil)["match_ratio"])
}

func TestProviderRetriever_PinsLegacy(t *testing.T) {
	p := &stubProvider{chunks: nil}
	chunks, obs, err := ProviderRetriever{Provider: p}.Retrieve(context.Background(), extractMode(cutover.ModeNewOnly), retrieval.Query{Text: "x", TopK: 1})
	require.NoError(t, err)
	assert.NotNil(t, chunks)
	assert.Equal(t, cutover.ModeOld, obs.ResolvedMode)
	assert.Equal(t, retrieval.ProviderLegacy, obs.ProviderUsed)

	p.err = errors.New("locked")
	_, _, err = ProviderRetriever{Provider: p}.Retrieve(context.Background(), nil, retrieval.Query{Text: "x", TopK: 1})
	var pe *retrieval.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "legacy", pe.Provider)
}

type stubProvider struct {
	chunks []model.RetrievedChunk
	err    error
}

func (s *stubProvider) Name() string { return "legacy" }

func (s *stubProvider) Retrieve(context.Context, retrieval.Query) ([]model.RetrievedChunk, error) {
	return s.chunks, s.err
}
