package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
)

const (
	runPageSize   = 1000
	maxRunPages   = 10
	diffSampleCap = 500
)

// ShadowKinds are the diff kinds summarized in a snapshot.
var ShadowKinds = []string{"retrieval", "extract", "rules"}

// overlapKeys are the diff summary keys that carry an agreement ratio,
// in lookup order.
var overlapKeys = []string{"jaccard", "match_ratio"}

// ShadowStats summarizes recent shadow diffs of one kind.
type ShadowStats struct {
	Count      int     `json:"count"`
	AvgOverlap float64 `json:"avg_overlap"`
	Errors     int     `json:"errors"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal      int            `json:"runs_total"`
	RunsSucceeded  int            `json:"runs_succeeded"`
	RunsFailed     int            `json:"runs_failed"`
	RunsPending    int            `json:"runs_pending"`
	RunsRunning    int            `json:"runs_running"`
	RunFailRate    float64        `json:"run_fail_rate"`
	FailuresByType map[string]int `json:"failures_by_type"`

	// Shadow divergence over the most recent diffs per kind.
	Shadow map[string]ShadowStats `json:"shadow"`

	// In-process counters: fallbacks, skipped shadow calls, dropped diffs.
	Counters map[string]int64 `json:"counters"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListShadowDiffs(ctx context.Context, filter store.ShadowDiffFilter) ([]model.ShadowDiffRecord, error)
}

// Collector gathers metrics from the store and registered counters.
type Collector struct {
	source Source

	mu       sync.RWMutex
	counters map[string]func() int64
}

// NewCollector creates a new metrics collector.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, counters: make(map[string]func() int64)}
}

// Track registers a named in-process counter read at every collection.
func (c *Collector) Track(name string, read func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = read
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		FailuresByType: make(map[string]int),
		Shadow:         make(map[string]ShadowStats, len(ShadowKinds)),
		Counters:       make(map[string]int64),
		LookbackHours:  lookbackHours,
		CollectedAt:    time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	if err := c.collectRuns(ctx, snap, cutoff); err != nil {
		return nil, err
	}

	for _, kind := range ShadowKinds {
		diffs, err := c.source.ListShadowDiffs(ctx, store.ShadowDiffFilter{Kind: kind, Limit: diffSampleCap})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list %s shadow diffs", kind)
		}
		snap.Shadow[kind] = summarizeDiffs(diffs, cutoff)
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Counters[name] = c.counters[name]()
	}
	c.mu.RUnlock()

	return snap, nil
}

// collectRuns pages through runs newest first until it passes cutoff.
func (c *Collector) collectRuns(ctx context.Context, snap *MetricsSnapshot, cutoff time.Time) error {
	for page := 0; page < maxRunPages; page++ {
		runs, err := c.source.ListRuns(ctx, store.RunFilter{Limit: runPageSize, Offset: page * runPageSize})
		if err != nil {
			return eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range runs {
			if r.CreatedAt.Before(cutoff) {
				finishRates(snap)
				return nil
			}
			snap.RunsTotal++
			switch r.Status {
			case model.RunStatusSuccess:
				snap.RunsSucceeded++
			case model.RunStatusFailed:
				snap.RunsFailed++
				if r.Error != nil {
					snap.FailuresByType[r.Error.ErrorType]++
				}
			case model.RunStatusPending:
				snap.RunsPending++
			case model.RunStatusRunning:
				snap.RunsRunning++
			}
		}
		if len(runs) < runPageSize {
			break
		}
	}
	finishRates(snap)
	return nil
}

func finishRates(snap *MetricsSnapshot) {
	if finished := snap.RunsSucceeded + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
}

func summarizeDiffs(diffs []model.ShadowDiffRecord, cutoff time.Time) ShadowStats {
	var (
		st    ShadowStats
		total float64
	)
	for _, d := range diffs {
		if d.CreatedAt.Before(cutoff) {
			continue
		}
		if _, ok := d.DiffSummary["new_error"]; ok {
			st.Errors++
		}
		ratio, ok := overlap(d.DiffSummary)
		if !ok {
			continue
		}
		st.Count++
		total += ratio
	}
	if st.Count > 0 {
		st.AvgOverlap = total / float64(st.Count)
	}
	return st
}

func overlap(summary map[string]any) (float64, bool) {
	for _, key := range overlapKeys {
		switch v := summary[key].(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}
