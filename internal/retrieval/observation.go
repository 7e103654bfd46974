package retrieval

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
)

const maxTopIDs = 10

// Observation reports what a retrieval call actually did.
type Observation struct {
	ResolvedMode cutover.Mode `json:"resolved_mode"`
	ProviderUsed string       `json:"provider_used"`
	LatencyMS    int64        `json:"latency_ms"`
	ResultsCount int          `json:"results_count"`
	Fallback     bool         `json:"fallback,omitempty"`
	TopIDs       []string     `json:"top_ids"`
}

func observe(mode cutover.Mode, used string, start time.Time, chunks []model.RetrievedChunk) Observation {
	ids := model.ChunkIDs(chunks)
	if len(ids) > maxTopIDs {
		ids = ids[:maxTopIDs]
	}
	return Observation{
		ResolvedMode: mode,
		ProviderUsed: used,
		LatencyMS:    time.Since(start).Milliseconds(),
		ResultsCount: len(chunks),
		TopIDs:       ids,
	}
}

// FallbackEvent records that PREFER_NEW served a request from legacy. It
// is an observability record, not an error.
type FallbackEvent struct {
	Capability cutover.Capability
	ProjectID  string
	Provider   string
	Err        error
}

// Log emits the event as a structured warning.
func (e FallbackEvent) Log() {
	zap.L().Warn("cutover_fallback",
		zap.String("capability", string(e.Capability)),
		zap.String("project_id", e.ProjectID),
		zap.String("provider", e.Provider),
		zap.Error(e.Err),
	)
}

// ChunkDiff compares legacy and new result sets by chunk id.
type ChunkDiff struct {
	OldCount int      `json:"old_count"`
	NewCount int      `json:"new_count"`
	Overlap  int      `json:"overlap"`
	OnlyOld  []string `json:"only_old"`
	OnlyNew  []string `json:"only_new"`
	Jaccard  float64  `json:"jaccard"`
}

// DiffChunks computes the id-level difference between two result sets.
func DiffChunks(legacy, candidate []model.RetrievedChunk) ChunkDiff {
	oldSet := make(map[string]bool, len(legacy))
	for _, c := range legacy {
		oldSet[c.ChunkID] = true
	}
	newSet := make(map[string]bool, len(candidate))
	for _, c := range candidate {
		newSet[c.ChunkID] = true
	}

	d := ChunkDiff{OldCount: len(legacy), NewCount: len(candidate), OnlyOld: []string{}, OnlyNew: []string{}}
	for id := range oldSet {
		if newSet[id] {
			d.Overlap++
		} else {
			d.OnlyOld = append(d.OnlyOld, id)
		}
	}
	for id := range newSet {
		if !oldSet[id] {
			d.OnlyNew = append(d.OnlyNew, id)
		}
	}
	sort.Strings(d.OnlyOld)
	sort.Strings(d.OnlyNew)

	union := len(oldSet) + len(newSet) - d.Overlap
	if union == 0 {
		d.Jaccard = 1
	} else {
		d.Jaccard = float64(d.Overlap) / float64(union)
	}
	return d
}

// Summary flattens the diff for a shadow record.
func (d ChunkDiff) Summary() map[string]any {
	return map[string]any{
		"old_count": d.OldCount,
		"new_count": d.NewCount,
		"overlap":   d.Overlap,
		"only_old":  d.OnlyOld,
		"only_new":  d.OnlyNew,
		"jaccard":   d.Jaccard,
	}
}
