package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/export"
	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/monitoring"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/store"
)

type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]*model.Run
	submitted []any
	cancelled []string
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: make(map[string]*model.Run)} }

func (f *fakeRuns) Submit(_ context.Context, kind model.RunKind, projectID string, req any) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(req)
	run := &model.Run{ID: "run-" + string(kind), ProjectID: projectID, Kind: kind, Status: model.RunStatusPending, Request: raw}
	f.runs[run.ID] = run
	f.submitted = append(f.submitted, req)
	return run, nil
}

func (f *fakeRuns) Get(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "run %s", runID)
	}
	return run, nil
}

func (f *fakeRuns) Cancel(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
}

type fakeReader struct {
	runs     []model.Run
	findings []model.Finding
	diffs    []model.ShadowDiffRecord
	ruleSets map[string]*model.RuleSet
	pingErr  error
	lastDiff store.ShadowDiffFilter
	lastRuns store.RunFilter
}

func (f *fakeReader) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.lastRuns = filter
	return f.runs, nil
}

func (f *fakeReader) ListFindings(context.Context, string) ([]model.Finding, error) {
	return f.findings, nil
}

func (f *fakeReader) ListShadowDiffs(_ context.Context, filter store.ShadowDiffFilter) ([]model.ShadowDiffRecord, error) {
	f.lastDiff = filter
	return f.diffs, nil
}

func (f *fakeReader) GetRuleSet(_ context.Context, version string) (*model.RuleSet, error) {
	rs, ok := f.ruleSets[version]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "rule set %s", version)
	}
	return rs, nil
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

type plans map[string]bool

func (p plans) Plan(name string) (*extract.Plan, error) {
	if !p[name] {
		return nil, eris.Errorf("unknown spec %q", name)
	}
	return &extract.Plan{Name: name}, nil
}

type fakeRetriever struct {
	err error
	got retrieval.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, cfg *cutover.Config, q retrieval.Query) ([]model.RetrievedChunk, retrieval.Observation, error) {
	f.got = q
	mode := cfg.Resolve(cutover.CapabilityRetrieval, q.ProjectID)
	if f.err != nil {
		return nil, retrieval.Observation{ResolvedMode: mode, ProviderUsed: "new", LatencyMS: 12}, f.err
	}
	return []model.RetrievedChunk{}, retrieval.Observation{ResolvedMode: mode, ProviderUsed: "new", TopIDs: []string{}}, nil
}

type fixture struct {
	runs      *fakeRuns
	reader    *fakeReader
	retriever *fakeRetriever
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := cutover.NewConfig(
		map[cutover.Capability]cutover.Mode{cutover.CapabilityRetrieval: cutover.ModeShadow},
		map[cutover.Capability]map[cutover.Mode][]string{
			cutover.CapabilityRetrieval: {cutover.ModeNewOnly: {"p-new"}},
		},
	)
	f := &fixture{
		runs:      newFakeRuns(),
		reader:    &fakeReader{ruleSets: map[string]*model.RuleSet{"v1": {Version: "v1"}}},
		retriever: &fakeRetriever{},
	}
	f.handler = NewRouter(Deps{
		Runs:      f.runs,
		Store:     f.reader,
		Cutover:   cutover.NewWatcher(cfg),
		Retriever: f.retriever,
		Plans:     plans{"tender": true},
		Metrics:   monitoring.NewCollector(f.reader),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	f.reader.pingErr = eris.New("down")
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitExtraction(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"accepted", `{"spec":"tender","model_id":"m1"}`, http.StatusAccepted},
		{"missing spec", `{"model_id":"m1"}`, http.StatusBadRequest},
		{"unknown spec", `{"spec":"nope"}`, http.StatusBadRequest},
		{"malformed", `{"spec":`, http.StatusBadRequest},
		{"unknown field", `{"spec":"tender","extra":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/projects/p1/extractions", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusAccepted {
				resp := decode[submitResponse](t, rec)
				assert.Equal(t, "run-extract", resp.RunID)
				assert.Equal(t, model.RunStatusPending, resp.Status)
				require.Len(t, f.runs.submitted, 1)
				assert.Equal(t, "p1", f.runs.runs["run-extract"].ProjectID)
			} else {
				assert.Empty(t, f.runs.submitted)
			}
		})
	}
}

func TestSubmitReview(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/projects/p1/reviews", `{"rule_set_version":"v1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-review", decode[submitResponse](t, rec).RunID)

	rec = f.do(t, http.MethodPost, "/projects/p1/reviews", `{"rule_set_version":"v9"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown rule set")

	rec = f.do(t, http.MethodPost, "/projects/p1/reviews", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_HidesSnippet(t *testing.T) {
	f := newFixture(t)
	f.runs.runs["r1"] = &model.Run{
		ID:     "r1",
		Status: model.RunStatusFailed,
		Error: &model.RunError{
			ErrorType:        model.ErrorTypeExtractionParse,
			Message:          "model output is not a JSON object",
			RawOutputSnippet: "secret raw output",
		},
	}

	rec := f.do(t, http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[model.RunView](t, rec)
	assert.Equal(t, model.RunStatusFailed, view.Status)
	assert.Equal(t, model.ErrorTypeExtractionParse, view.ErrorType)
	assert.NotContains(t, rec.Body.String(), "secret raw output")

	rec = f.do(t, http.MethodGet, "/debug/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "secret raw output")

	rec = f.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	f.runs.runs["r1"] = &model.Run{ID: "r1", Status: model.RunStatusRunning}
	f.runs.runs["r2"] = &model.Run{ID: "r2", Status: model.RunStatusSuccess}

	rec := f.do(t, http.MethodPost, "/runs/r1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"r1"}, f.runs.cancelled)

	rec = f.do(t, http.MethodPost, "/runs/r2/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	f.reader.runs = []model.Run{{ID: "r1", Status: model.RunStatusSuccess, Error: &model.RunError{RawOutputSnippet: "hidden"}}}

	rec := f.do(t, http.MethodGet, "/runs?project_id=p1&kind=review&status=success&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.RunView](t, rec), 1)
	assert.NotContains(t, rec.Body.String(), "hidden")
	assert.Equal(t, store.RunFilter{ProjectID: "p1", Kind: model.RunKindReview, Status: model.RunStatusSuccess, Limit: 5}, f.reader.lastRuns)

	rec = f.do(t, http.MethodGet, "/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveCutover(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/debug/cutover?capability=retrieval&project_id=p-new", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"capability":"retrieval","project_id":"p-new","mode":"new_only"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/debug/cutover?capability=retrieval&project_id=other", "")
	assert.Equal(t, cutover.ModeShadow, decode[cutoverResponse](t, rec).Mode)

	rec = f.do(t, http.MethodGet, "/debug/cutover?capability=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugRetrieve(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/debug/retrieve", `{"project_id":"p-new","query":"deadline"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	obs := decode[retrieval.Observation](t, rec)
	assert.Equal(t, cutover.ModeNewOnly, obs.ResolvedMode)
	assert.Equal(t, "new", obs.ProviderUsed)
	assert.Equal(t, 0, obs.ResultsCount)
	assert.Equal(t, 10, f.retriever.got.TopK)

	rec = f.do(t, http.MethodPost, "/debug/retrieve", `{"project_id":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.retriever.err = &retrieval.ProviderError{Provider: "hybrid", Op: "retrieve", Err: eris.New("offline")}
	rec = f.do(t, http.MethodPost, "/debug/retrieve", `{"project_id":"p-new","query":"deadline"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	failed := decode[map[string]any](t, rec)
	assert.Contains(t, failed["error"], "offline")
	assert.Equal(t, "new_only", failed["resolved_mode"])
	assert.Equal(t, "new", failed["provider_used"])
	assert.Equal(t, 12.0, failed["latency_ms"])

	f.retriever.err = eris.New("planner bug")
	rec = f.do(t, http.MethodPost, "/debug/retrieve", `{"project_id":"p1","query":"deadline"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	failed = decode[map[string]any](t, rec)
	assert.Equal(t, "internal error", failed["error"])
	assert.Equal(t, "shadow", failed["resolved_mode"])
}

func TestListFindings(t *testing.T) {
	f := newFixture(t)
	f.reader.findings = []model.Finding{
		{RuleID: "R1", Dimension: "qualification", Result: model.FindingPass, EvidenceChunkIDs: []string{"c1"}, CreatedAt: time.Now()},
	}

	rec := f.do(t, http.MethodGet, "/projects/p1/findings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	findings := decode[[]model.Finding](t, rec)
	require.Len(t, findings, 1)
	assert.Equal(t, "R1", findings[0].RuleID)

	rec = f.do(t, http.MethodGet, "/projects/p1/findings?format=xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/vnd.openxmlformats"))
	wb, err := xlsx.OpenBinary(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Contains(t, wb.Sheet, export.FindingsSheet)
}

func TestListShadowDiffs(t *testing.T) {
	f := newFixture(t)
	f.reader.diffs = []model.ShadowDiffRecord{{ID: "d1", Kind: "retrieval", DiffSummary: map[string]any{"jaccard": 0.5}}}

	rec := f.do(t, http.MethodGet, "/debug/shadow-diffs?kind=retrieval&limit=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.ShadowDiffRecord](t, rec), 1)
	assert.Equal(t, store.ShadowDiffFilter{Kind: "retrieval", Limit: 7}, f.reader.lastDiff)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/debug/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[monitoring.MetricsSnapshot](t, rec)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Contains(t, snap.Shadow, "retrieval")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/runs/r1", nil)
	req.Header.Set("Origin", "https://review.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
