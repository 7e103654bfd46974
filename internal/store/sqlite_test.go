package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunKindExtract, "p1", json.RawMessage(`{"spec":"tender"}`))
	require.NoError(t, err)

	claimed, err := st.ClaimNextRun(ctx, "w1", ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, run.ID, claimed.ID)
	assert.Equal(t, model.RunStatusRunning, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.JSONEq(t, `{"spec":"tender"}`, string(claimed.Request))
	assert.False(t, claimed.CreatedAt.IsZero())

	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, "w1", 50))
	assert.ErrorIs(t, st.UpdateRunProgress(ctx, run.ID, "w2", 60), ErrNotOwner)

	require.NoError(t, st.CompleteRun(ctx, run.ID, "w1", json.RawMessage(`{"data":{"tenderer":"ACME"}}`)))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"data":{"tenderer":"ACME"}}`, string(got.Result))

	// Terminal runs refuse every further transition.
	assert.ErrorIs(t, st.FailRun(ctx, run.ID, "w1", &model.RunError{ErrorType: "X"}), ErrTerminal)
	assert.ErrorIs(t, st.UpdateRunProgress(ctx, run.ID, "w1", 10), ErrTerminal)
	assert.ErrorIs(t, st.CompleteRun(ctx, run.ID, "w1", nil), ErrTerminal)

	empty, err := st.ClaimNextRun(ctx, "w1", ClaimFilter{})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestSQLite_FailRunStoresPayload(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunKindExtract, "p1", nil)
	require.NoError(t, err)
	_, err = st.ClaimNextRun(ctx, "w1", ClaimFilter{})
	require.NoError(t, err)

	require.NoError(t, st.FailRun(ctx, run.ID, "w1", &model.RunError{
		ErrorType:        model.ErrorTypeExtractionSchema,
		Message:          "schema validation failed",
		Category:         model.ErrorCategoryPermanent,
		ValidationErrors: []string{"deadline: required"},
		RawOutputSnippet: `{"tenderer":"ACME"}`,
	}))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, []string{"deadline: required"}, got.Error.ValidationErrors)
	assert.Equal(t, `{"tenderer":"ACME"}`, got.Error.RawOutputSnippet)
	assert.Empty(t, got.Result)
	assert.JSONEq(t, `{}`, string(got.Request))
}

func TestSQLite_ClaimIsFIFO(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		r, err := st.CreateRun(ctx, model.RunKindReview, fmt.Sprintf("p%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	for _, want := range ids {
		r, err := st.ClaimNextRun(ctx, "w", ClaimFilter{})
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, want, r.ID)
	}
}

func TestSQLite_ConcurrentClaimsAreExclusive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const runs = 20
	for range runs {
		_, err := st.CreateRun(ctx, model.RunKindExtract, "p1", nil)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", w)
			for {
				r, err := st.ClaimNextRun(ctx, worker, ClaimFilter{})
				if err != nil || r == nil {
					return
				}
				mu.Lock()
				_, dup := claimed[r.ID]
				claimed[r.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "run %s claimed twice", r.ID)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, claimed, runs)
}

func TestSQLite_RequeueStaleRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunKindExtract, "p1", nil)
	require.NoError(t, err)
	_, err = st.ClaimNextRun(ctx, "dead-worker", ClaimFilter{})
	require.NoError(t, err)

	n, err := st.RequeueStaleRuns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.RequeueStaleRuns(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := st.ClaimNextRun(ctx, "w2", ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, run.ID, r.ID)
	assert.Equal(t, "w2", r.WorkerID)
}

func TestSQLite_ClaimNextRunFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	extract, err := st.CreateRun(ctx, model.RunKindExtract, "p1", nil)
	require.NoError(t, err)
	review1, err := st.CreateRun(ctx, model.RunKindReview, "p1", nil)
	require.NoError(t, err)
	review2, err := st.CreateRun(ctx, model.RunKindReview, "p2", nil)
	require.NoError(t, err)

	reviewsOnly := ClaimFilter{Kinds: []model.RunKind{model.RunKindReview}}

	r, err := st.ClaimNextRun(ctx, "w1", ClaimFilter{Kinds: reviewsOnly.Kinds, RunID: review2.ID})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, review2.ID, r.ID)

	r, err = st.ClaimNextRun(ctx, "w1", reviewsOnly)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, review1.ID, r.ID)

	r, err = st.ClaimNextRun(ctx, "w1", reviewsOnly)
	require.NoError(t, err)
	assert.Nil(t, r, "extract run must not be claimed by a review-only worker")

	r, err = st.ClaimNextRun(ctx, "w1", ClaimFilter{RunID: review1.ID})
	require.NoError(t, err)
	assert.Nil(t, r, "running run is not claimable")

	left, err := st.GetRun(ctx, extract.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, left.Status)

	r, err = st.ClaimNextRun(ctx, "w2", ClaimFilter{Kinds: []model.RunKind{model.RunKindReview, model.RunKindExtract}})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, extract.ID, r.ID)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateRun(ctx, model.RunKindExtract, "p1", nil)
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, model.RunKindReview, "p1", nil)
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, model.RunKindExtract, "p2", nil)
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	p1, err := st.ListRuns(ctx, RunFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, p1, 2)

	reviews, err := st.ListRuns(ctx, RunFilter{Kind: model.RunKindReview})
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "p1", reviews[0].ProjectID)

	limited, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Extraction results ---

func TestSQLite_LatestExtractions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	save := func(spec, stage, tenderer string, at time.Time) {
		require.NoError(t, st.SaveExtraction(ctx, &model.ExtractionRecord{
			ProjectID: "p1", RunID: "run", SpecName: spec, Stage: stage, CreatedAt: at,
			Result: model.ExtractionResult{Data: map[string]any{"tenderer": tenderer}, EvidenceChunkIDs: []string{"c1"}},
		}))
	}
	save("tender", "", "old", base)
	save("tender", "", "new", base.Add(time.Minute))
	save("tender", "dates", "staged", base)
	save("contract", "", "other", base)

	got, err := st.GetLatestExtractions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	byKey := map[string]string{}
	for _, rec := range got {
		byKey[rec.SpecName+"/"+rec.Stage] = rec.Result.Data["tenderer"].(string)
	}
	assert.Equal(t, map[string]string{"tender/": "new", "tender/dates": "staged", "contract/": "other"}, byKey)

	none, err := st.GetLatestExtractions(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Findings ---

func findingsFor(version string, ids ...string) []model.Finding {
	out := make([]model.Finding, len(ids))
	for i, id := range ids {
		out[i] = model.Finding{RuleSetVersion: version, RuleID: id, Result: model.FindingPass, EvidenceChunkIDs: []string{"c-" + id}}
	}
	return out
}

func TestSQLite_ReplaceFindings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceFindings(ctx, "p1", findingsFor("v1", "R1", "R2", "R3")))
	require.NoError(t, st.ReplaceFindings(ctx, "p2", findingsFor("v1", "X")))
	require.NoError(t, st.ReplaceFindings(ctx, "p1", findingsFor("v2", "B", "A")))

	got, err := st.ListFindings(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].RuleID, "insertion order is preserved")
	assert.Equal(t, "v2", got[0].RuleSetVersion)
	assert.Equal(t, []string{"c-B"}, got[0].EvidenceChunkIDs)

	other, err := st.ListFindings(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

// A failure injected at the third of five inserts leaves the previous
// findings untouched.
func TestSQLite_ReplaceFindings_ThirdInsertFailsRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceFindings(ctx, "p1", findingsFor("v1", "OLD1", "OLD2")))

	_, err := st.DB().ExecContext(ctx, `
		CREATE TRIGGER fail_third_finding BEFORE INSERT ON findings
		WHEN NEW.position = 2
		BEGIN
			SELECT RAISE(ABORT, 'injected failure');
		END;`)
	require.NoError(t, err)

	err = st.ReplaceFindings(ctx, "p1", findingsFor("v2", "R1", "R2", "R3", "R4", "R5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert finding 3 (R3)")

	got, err := st.ListFindings(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "OLD1", got[0].RuleID)
	assert.Equal(t, "OLD2", got[1].RuleID)
	assert.Equal(t, "v1", got[0].RuleSetVersion)
}

// --- Shadow diffs ---

func TestSQLite_ShadowDiffsAreAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, kind := range []string{"retrieval", "extract", "retrieval"} {
		require.NoError(t, st.AppendShadowDiff(ctx, &model.ShadowDiffRecord{
			Kind:        kind,
			EntityID:    fmt.Sprintf("e%d", i),
			ProjectID:   "p1",
			OldResult:   json.RawMessage(`["a"]`),
			DiffSummary: map[string]any{"jaccard": 0.5},
		}))
	}

	got, err := st.ListShadowDiffs(ctx, ShadowDiffFilter{Kind: "retrieval"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].EntityID, "newest first")
	assert.JSONEq(t, `["a"]`, string(got[0].OldResult))
	assert.Nil(t, got[0].NewResult)
	assert.InDelta(t, 0.5, got[0].DiffSummary["jaccard"], 1e-9)

	limited, err := st.ListShadowDiffs(ctx, ShadowDiffFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = st.DB().ExecContext(ctx, `UPDATE shadow_diffs SET kind = 'x'`)
	assert.Error(t, err)
	_, err = st.DB().ExecContext(ctx, `DELETE FROM shadow_diffs`)
	assert.Error(t, err)

	all, err := st.ListShadowDiffs(ctx, ShadowDiffFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// --- Rule sets ---

func TestSQLite_RuleSetsAreImmutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rs := &model.RuleSet{Version: "v1", Rules: []model.RuleDefinition{
		{RuleID: "R1", Type: model.RuleTypeExists, Query: "tenderer", Rigid: true},
	}}
	require.NoError(t, st.SaveRuleSet(ctx, rs))
	require.NoError(t, st.SaveRuleSet(ctx, &model.RuleSet{Version: "v1", Rules: rs.Rules}), "identical re-save is a no-op")

	changed := &model.RuleSet{Version: "v1", Rules: []model.RuleDefinition{
		{RuleID: "R1", Type: model.RuleTypeExists, Query: "bidder"},
	}}
	err := st.SaveRuleSet(ctx, changed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuleSetExists))

	got, err := st.GetRuleSet(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, rs.Rules, got.Rules)

	require.NoError(t, st.SaveRuleSet(ctx, &model.RuleSet{Version: "v2", Rules: rs.Rules}))
	versions, err := st.ListRuleSetVersions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2"}, versions)

	_, err = st.GetRuleSet(ctx, "v9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimeScanner(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	for _, in := range []any{want, want.String(), want.Format(time.RFC3339Nano), []byte(want.Format("2006-01-02 15:04:05.999999999-07:00"))} {
		var got time.Time
		require.NoError(t, sqlTime(&got).Scan(in), "%v", in)
		assert.True(t, want.Equal(got), "%v", in)
	}

	var zero time.Time
	require.NoError(t, sqlTime(&zero).Scan(nil))
	assert.True(t, zero.IsZero())
	assert.Error(t, sqlTime(&zero).Scan("yesterday"))
	assert.Error(t, sqlTime(&zero).Scan(42))
}
