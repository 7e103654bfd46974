// Package store persists runs, extraction results, findings, shadow diffs
// and rule sets in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrNotFound      = eris.New("store: not found")
	ErrTerminal      = eris.New("store: run is terminal")
	ErrNotOwner      = eris.New("store: run is owned by another worker")
	ErrRuleSetExists = eris.New("store: rule set version already saved with different content")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ProjectID string          `json:"project_id,omitempty"`
	Kind      model.RunKind   `json:"kind,omitempty"`
	Status    model.RunStatus `json:"status,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// ClaimFilter restricts which pending run a worker may claim. Kinds limits
// the claim to run kinds the worker can execute; empty means any kind.
// RunID, when set, claims only that run.
type ClaimFilter struct {
	Kinds []model.RunKind
	RunID string
}

func (f ClaimFilter) kindStrings() []string {
	out := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		out[i] = string(k)
	}
	return out
}

// ShadowDiffFilter specifies criteria for listing shadow diffs.
type ShadowDiffFilter struct {
	Kind      string `json:"kind,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Store defines the persistence interface.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, kind model.RunKind, projectID string, request json.RawMessage) (*model.Run, error)
	ClaimNextRun(ctx context.Context, workerID string, filter ClaimFilter) (*model.Run, error)
	UpdateRunProgress(ctx context.Context, runID, workerID string, progress int) error
	CompleteRun(ctx context.Context, runID, workerID string, result json.RawMessage) error
	FailRun(ctx context.Context, runID, workerID string, runErr *model.RunError) error
	RequeueStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Extraction results
	SaveExtraction(ctx context.Context, rec *model.ExtractionRecord) error
	GetLatestExtractions(ctx context.Context, projectID string) ([]model.ExtractionRecord, error)

	// Findings
	ReplaceFindings(ctx context.Context, projectID string, findings []model.Finding) error
	ListFindings(ctx context.Context, projectID string) ([]model.Finding, error)

	// Shadow diffs (append-only)
	AppendShadowDiff(ctx context.Context, rec *model.ShadowDiffRecord) error
	ListShadowDiffs(ctx context.Context, filter ShadowDiffFilter) ([]model.ShadowDiffRecord, error)

	// Rule sets (immutable per version)
	SaveRuleSet(ctx context.Context, rs *model.RuleSet) error
	GetRuleSet(ctx context.Context, version string) (*model.RuleSet, error)
	ListRuleSetVersions(ctx context.Context) ([]string, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

// writeDenied explains why a guarded run update matched no row.
func writeDenied(r *model.Run, workerID string) error {
	switch {
	case r.Status.Terminal():
		return eris.Wrapf(ErrTerminal, "run %s is %s", r.ID, r.Status)
	case r.Status != model.RunStatusRunning:
		return eris.Wrapf(ErrNotOwner, "run %s is %s, not claimed", r.ID, r.Status)
	case r.WorkerID != workerID:
		return eris.Wrapf(ErrNotOwner, "run %s owned by %q", r.ID, r.WorkerID)
	}
	return eris.Errorf("store: run %s update matched no row", r.ID)
}

func clampProgress(p int) int {
	return max(0, min(100, p))
}

// rulesEqual compares rule content independent of creation time.
func rulesEqual(a, b *model.RuleSet) (bool, error) {
	ja, err := json.Marshal(a.Rules)
	if err != nil {
		return false, eris.Wrap(err, "store: marshal rules")
	}
	jb, err := json.Marshal(b.Rules)
	if err != nil {
		return false, eris.Wrap(err, "store: marshal rules")
	}
	return string(ja) == string(jb), nil
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
