package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			ProjectID: "tender-2025-041",
			Kind:      model.RunKindExtract,
			Status:    model.RunStatusSuccess,
			Progress:  100,
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			ProjectID: "tender-2025-042",
			Kind:      model.RunKindReview,
			Status:    model.RunStatusFailed,
			Error:     &model.RunError{ErrorType: model.ErrorTypeRetrievalProvider, Message: "index down"},
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "PROJECT")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "tender-2025-041")
	assert.Contains(t, output, "extract")
	assert.Contains(t, output, "100%")
	assert.Contains(t, output, "RetrievalProviderError")
	assert.Contains(t, output, "2025-06-15 10:30")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	runs := []model.Run{
		{ID: "1", Status: model.RunStatusSuccess, CreatedAt: now, UpdatedAt: now.Add(10 * time.Second)},
		{ID: "2", Status: model.RunStatusSuccess, CreatedAt: now, UpdatedAt: now.Add(20 * time.Second)},
		{ID: "3", Status: model.RunStatusFailed, CreatedAt: now, Error: &model.RunError{
			ErrorType: model.ErrorTypeExtractionSchema, Category: model.ErrorCategoryPermanent,
		}},
		{ID: "4", Status: model.RunStatusFailed, CreatedAt: now, Error: &model.RunError{
			ErrorType: model.ErrorTypeRetrievalProvider, Category: model.ErrorCategoryTransient,
		}},
		{ID: "5", Status: model.RunStatusRunning, CreatedAt: now},
		{ID: "6", Status: model.RunStatusSuccess, CreatedAt: now.Add(-48 * time.Hour)},
	}

	s := computeRunStats(runs, now.Add(-time.Hour))
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Success)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Transient)
	assert.Equal(t, 1, s.Permanent)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 1, s.ByType[model.ErrorTypeExtractionSchema])
	assert.InDelta(t, 15.0, s.AvgDurSecs, 0.001)

	all := computeRunStats(runs, time.Time{})
	assert.Equal(t, 6, all.Total)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "ExtractionSchemaError")
	assert.Contains(t, buf.String(), "Avg duration:")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestRunFailure(t *testing.T) {
	err := runFailure(&model.Run{ID: "r1", Error: &model.RunError{ErrorType: "ExtractionParseError", Message: "not json"}})
	assert.ErrorContains(t, err, "run r1 failed: ExtractionParseError: not json")
	assert.ErrorContains(t, runFailure(&model.Run{ID: "r2"}), "run r2 failed")
}

func TestPrintRunHidesSnippet(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRun(&buf, &model.Run{
		ID:     "r1",
		Status: model.RunStatusFailed,
		Error:  &model.RunError{ErrorType: "ExtractionParseError", RawOutputSnippet: "raw model text"},
	}))
	assert.Contains(t, buf.String(), `"run_id": "r1"`)
	assert.NotContains(t, buf.String(), "raw model text")
}

func TestFormatModes(t *testing.T) {
	c := cutover.NewConfig(
		map[cutover.Capability]cutover.Mode{cutover.CapabilityRetrieval: cutover.ModeShadow},
		map[cutover.Capability]map[cutover.Mode][]string{
			cutover.CapabilityRules: {cutover.ModeNewOnly: {"p9"}},
		},
	)

	var global, project bytes.Buffer
	formatModes(&global, c, "")
	formatModes(&project, c, "p9")

	assert.Regexp(t, `retrieval\s+shadow`, global.String())
	assert.Regexp(t, `rules\s+old`, global.String())
	assert.Regexp(t, `rules\s+new_only`, project.String())
}

func TestFormatShadowDiffs(t *testing.T) {
	var buf bytes.Buffer
	formatShadowDiffs(&buf, []model.ShadowDiffRecord{{
		ID:        "d1234567-aaaa",
		Kind:      "retrieval",
		ProjectID: "p1",
		EntityID:  "bid bond",
		DiffSummary: map[string]any{
			"jaccard":  0.5,
			"only_new": []any{"c3", "c4"},
			"count":    map[string]any{"old": 2, "new": 3},
		},
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "d1234567")
	assert.Contains(t, out, "count={2} jaccard=0.5 only_new=[2]")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("a \n b\tc", 10))
	assert.Equal(t, "abcdefg...", preview(strings.Repeat("abcdefghij", 3), 10))
	assert.Equal(t, "投标保证...", preview("投标保证金为人民币五万元整", 7))
}

func TestReadChunks(t *testing.T) {
	in := `{"chunk_id":"c1","project_id":"p1","doc_type":"tender","page_no":3,"text":"bid bond"}

{"chunk_id":"c2","project_id":"p1","text":"deadline","embedding":[0.1,0.2]}
`
	chunks, err := readChunks(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	require.NotNil(t, chunks[0].PageNo)
	assert.Equal(t, 3, *chunks[0].PageNo)
	assert.Equal(t, []float32{0.1, 0.2}, chunks[1].Embedding)

	_, err = readChunks(strings.NewReader(`{"chunk_id":"c1"}`))
	assert.ErrorContains(t, err, "line 1")

	_, err = readChunks(strings.NewReader("{not json"))
	assert.Error(t, err)
}
