package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

// ErrCancelled is returned when a plan stops at a stage boundary because
// its run was cancelled.
var ErrCancelled = eris.New("extract: run cancelled")

// Stage is one step of a multi-stage plan.
type Stage struct {
	Name string
	Spec *Spec
	Vars map[string]string
}

// Plan is an ordered list of stages for one logical extraction. Later
// stages see earlier stages' validated data through StageContext.Prior.
type Plan struct {
	Name   string
	Stages []Stage
}

// SingleStage wraps spec as a one-stage plan.
func SingleStage(spec *Spec) *Plan {
	return &Plan{Name: spec.Name, Stages: []Stage{{Name: spec.Name, Spec: spec}}}
}

// Validate checks every stage spec and that stage names are unique.
func (p *Plan) Validate() error {
	if p == nil || len(p.Stages) == 0 {
		return eris.New("extract: plan has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return eris.Errorf("extract: plan %q has an unnamed stage", p.Name)
		}
		if seen[s.Name] {
			return eris.Errorf("extract: plan %q repeats stage %q", p.Name, s.Name)
		}
		seen[s.Name] = true
		if err := s.Spec.Validate(); err != nil {
			return eris.Wrapf(err, "extract: plan %q stage %q", p.Name, s.Name)
		}
	}
	return nil
}

// StageResult is a completed, validated stage.
type StageResult struct {
	Stage  string                  `json:"stage"`
	Result *model.ExtractionResult `json:"result"`
}

// StageError reports which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("extract: stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PlanOptions controls RunPlan.
type PlanOptions struct {
	// Attempts per stage. Parse errors and transient failures are retried;
	// schema errors are not.
	Attempts int
	Retry    resilience.RetryConfig
	// Persist is called as soon as a stage validates. A persist error
	// fails the plan.
	Persist func(ctx context.Context, stage string, res *model.ExtractionResult) error
	// Cancelled is checked between stages, never during one.
	Cancelled func() bool
	// Progress reports completed stages.
	Progress func(done, total int)
}

// RunPlan runs the stages in order. On failure or cancellation it returns
// the stages completed so far together with the error; those stages have
// already been persisted.
func RunPlan(ctx context.Context, x Extractor, cfg *cutover.Config, plan *Plan, projectID, modelID string, opts PlanOptions) ([]StageResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	retry := opts.Retry
	if opts.Attempts > 0 {
		retry.MaxAttempts = opts.Attempts
	}
	retry.ShouldRetry = retryableStageError
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("extract", plan.Name)
	}

	prior := make(map[string]map[string]any, len(plan.Stages))
	done := make([]StageResult, 0, len(plan.Stages))

	for i, stage := range plan.Stages {
		if i > 0 && opts.Cancelled != nil && opts.Cancelled() {
			zap.L().Info("extract: plan cancelled between stages",
				zap.String("plan", plan.Name),
				zap.String("next_stage", stage.Name),
				zap.Int("completed", len(done)),
			)
			return done, ErrCancelled
		}

		sc := &StageContext{Name: stage.Name, Index: i, Prior: copyPrior(prior), Vars: stage.Vars}
		res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ExtractionResult, error) {
			return x.Run(ctx, cfg, stage.Spec, projectID, modelID, sc)
		})
		if err != nil {
			return done, &StageError{Stage: stage.Name, Err: err}
		}

		if opts.Persist != nil {
			if err := opts.Persist(ctx, stage.Name, res); err != nil {
				return done, &StageError{Stage: stage.Name, Err: eris.Wrap(err, "persist")}
			}
		}
		prior[stage.Name] = res.Data
		done = append(done, StageResult{Stage: stage.Name, Result: res})
		if opts.Progress != nil {
			opts.Progress(len(done), len(plan.Stages))
		}
	}
	return done, nil
}

func retryableStageError(err error) bool {
	var se *SchemaError
	if errors.As(err, &se) {
		return false
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return true
	}
	return resilience.IsTransient(err)
}

func copyPrior(prior map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(prior))
	for k, v := range prior {
		out[k] = cloneData(v)
	}
	return out
}
