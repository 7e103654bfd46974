package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

// scriptedExtractor returns per-stage outcomes and records the stage
// context each call saw.
type scriptedExtractor struct {
	results map[string][]func() (*model.ExtractionResult, error)
	seen    map[string]*StageContext
	calls   map[string]int
}

func newScripted() *scriptedExtractor {
	return &scriptedExtractor{
		results: map[string][]func() (*model.ExtractionResult, error){},
		seen:    map[string]*StageContext{},
		calls:   map[string]int{},
	}
}

func (s *scriptedExtractor) on(stage string, fns ...func() (*model.ExtractionResult, error)) {
	s.results[stage] = fns
}

func (s *scriptedExtractor) Run(_ context.Context, _ *cutover.Config, _ *Spec, _, _ string, sc *StageContext) (*model.ExtractionResult, error) {
	s.seen[sc.Name] = sc
	n := s.calls[sc.Name]
	s.calls[sc.Name]++
	fns := s.results[sc.Name]
	if n >= len(fns) {
		n = len(fns) - 1
	}
	return fns[n]()
}

func ok(data map[string]any) func() (*model.ExtractionResult, error) {
	return func() (*model.ExtractionResult, error) {
		return &model.ExtractionResult{Data: data, EvidenceChunkIDs: []string{}}, nil
	}
}

func fail(err error) func() (*model.ExtractionResult, error) {
	return func() (*model.ExtractionResult, error) { return nil, err }
}

func threeStagePlan() *Plan {
	stage := func(name string) Stage {
		s := tenderSpec()
		s.Name = name
		return Stage{Name: name, Spec: s}
	}
	return &Plan{Name: "review", Stages: []Stage{stage("scope"), stage("dates"), stage("risks")}}
}

var fastRetry = resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func TestRunPlan_PassesPriorOutputs(t *testing.T) {
	x := newScripted()
	x.on("scope", ok(map[string]any{"lots": float64(2)}))
	x.on("dates", ok(map[string]any{"deadline": "2025-03-01"}))
	x.on("risks", ok(map[string]any{"count": float64(0)}))

	var persisted []string
	var progress []int
	got, err := RunPlan(context.Background(), x, nil, threeStagePlan(), "p1", "m", PlanOptions{
		Retry: fastRetry,
		Persist: func(_ context.Context, stage string, _ *model.ExtractionResult) error {
			persisted = append(persisted, stage)
			return nil
		},
		Progress: func(done, _ int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"scope", "dates", "risks"}, persisted)
	assert.Equal(t, []int{1, 2, 3}, progress)

	assert.Empty(t, x.seen["scope"].Prior)
	assert.Equal(t, float64(2), x.seen["dates"].Prior["scope"]["lots"])
	assert.Len(t, x.seen["risks"].Prior, 2)
	assert.Equal(t, 2, x.seen["risks"].Index)
}

func TestRunPlan_PriorIsACopy(t *testing.T) {
	x := newScripted()
	scope := map[string]any{"lots": float64(2)}
	x.on("scope", ok(scope))
	x.on("dates", ok(map[string]any{}))
	x.on("risks", ok(map[string]any{}))

	_, err := RunPlan(context.Background(), x, nil, threeStagePlan(), "p1", "m", PlanOptions{Retry: fastRetry})
	require.NoError(t, err)

	x.seen["dates"].Prior["scope"]["lots"] = float64(99)
	assert.Equal(t, float64(2), x.seen["risks"].Prior["scope"]["lots"])
	assert.Equal(t, float64(2), scope["lots"])
}

func TestRunPlan_FailedStageKeepsEarlierStages(t *testing.T) {
	x := newScripted()
	x.on("scope", ok(map[string]any{"a": "1"}))
	x.on("dates", ok(map[string]any{"b": "2"}))
	x.on("risks", fail(&SchemaError{Violations: nil, Snippet: "{}"}))

	var persisted []string
	got, err := RunPlan(context.Background(), x, nil, threeStagePlan(), "p1", "m", PlanOptions{
		Attempts: 3,
		Retry:    fastRetry,
		Persist: func(_ context.Context, stage string, _ *model.ExtractionResult) error {
			persisted = append(persisted, stage)
			return nil
		},
	})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "risks", stageErr.Stage)
	var se *SchemaError
	assert.ErrorAs(t, err, &se)

	assert.Len(t, got, 2)
	assert.Equal(t, []string{"scope", "dates"}, persisted)
	assert.Equal(t, 1, x.calls["risks"], "schema errors are not retried")
}

func TestRunPlan_ParseErrorsRetried(t *testing.T) {
	x := newScripted()
	x.on("scope", fail(&ParseError{Err: errors.New("bad")}), ok(map[string]any{"a": "1"}))
	x.on("dates", ok(map[string]any{}))
	x.on("risks", ok(map[string]any{}))

	got, err := RunPlan(context.Background(), x, nil, threeStagePlan(), "p1", "m", PlanOptions{Attempts: 2, Retry: fastRetry})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, x.calls["scope"])
}

func TestRunPlan_CancelledBetweenStages(t *testing.T) {
	x := newScripted()
	x.on("scope", ok(map[string]any{"a": "1"}))
	x.on("dates", ok(map[string]any{"b": "2"}))
	x.on("risks", ok(map[string]any{}))

	var cancelled atomic.Bool
	got, err := RunPlan(context.Background(), x, nil, threeStagePlan(), "p1", "m", PlanOptions{
		Retry: fastRetry,
		Persist: func(_ context.Context, stage string, _ *model.ExtractionResult) error {
			if stage == "dates" {
				cancelled.Store(true)
			}
			return nil
		},
		Cancelled: cancelled.Load,
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, x.calls["risks"])
}

func TestRunPlan_PersistErrorFails(t *testing.T) {
	x := newScripted()
	x.on("scope", ok(map[string]any{}))

	got, err := RunPlan(context.Background(), x, nil, SingleStage(func() *Spec { s := tenderSpec(); s.Name = "scope"; return s }()), "p1", "m", PlanOptions{
		Retry: fastRetry,
		Persist: func(context.Context, string, *model.ExtractionResult) error {
			return errors.New("db down")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist")
	assert.Empty(t, got)
}

func TestPlanValidate(t *testing.T) {
	assert.Error(t, (&Plan{Name: "x"}).Validate())

	p := threeStagePlan()
	p.Stages[1].Name = "scope"
	assert.ErrorContains(t, p.Validate(), "repeats stage")

	p = threeStagePlan()
	p.Stages[2].Spec.TopKTotal = 0
	assert.Error(t, p.Validate())
}
