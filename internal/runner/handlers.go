package runner

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/rules"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ConfigSource yields the cutover config in force. cutover.Watcher
// implements it.
type ConfigSource interface {
	Current() *cutover.Config
}

// PlanSource resolves an extraction spec name to a runnable plan.
type PlanSource interface {
	Plan(name string) (*extract.Plan, error)
}

// ExtractionStore persists and reads validated extraction results.
type ExtractionStore interface {
	SaveExtraction(ctx context.Context, rec *model.ExtractionRecord) error
	GetLatestExtractions(ctx context.Context, projectID string) ([]model.ExtractionRecord, error)
}

// ExtractRequest is the request document of an extract run.
type ExtractRequest struct {
	Spec    string `json:"spec" validate:"required"`
	ModelID string `json:"model_id,omitempty"`
}

// ReviewRequest is the request document of a review run.
type ReviewRequest struct {
	RuleSetVersion string `json:"rule_set_version" validate:"required"`
}

// ValidateRequest checks a request document before it is queued.
func ValidateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return eris.Wrap(err, "runner: invalid request")
	}
	return nil
}

func decodeRequest(run *model.Run, into any) error {
	if err := json.Unmarshal(run.Request, into); err != nil {
		return eris.Wrapf(err, "runner: decode %s request for run %s", run.Kind, run.ID)
	}
	return ValidateRequest(into)
}

// ExtractHandler runs an extraction plan and persists every validated
// stage as soon as it completes.
type ExtractHandler struct {
	Extractor    extract.Extractor
	Plans        PlanSource
	Store        ExtractionStore
	Cutover      ConfigSource
	DefaultModel string
	Options      extract.PlanOptions
}

type extractResult struct {
	Spec   string                  `json:"spec"`
	Model  string                  `json:"model"`
	Stages []extract.StageResult   `json:"stages,omitempty"`
	Result *model.ExtractionResult `json:"result,omitempty"`
}

// Handle implements Handler.
func (h *ExtractHandler) Handle(ctx context.Context, run *model.Run) (json.RawMessage, error) {
	var req ExtractRequest
	if err := decodeRequest(run, &req); err != nil {
		return nil, err
	}
	plan, err := h.Plans.Plan(req.Spec)
	if err != nil {
		return nil, eris.Wrapf(err, "runner: resolve spec %q", req.Spec)
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = h.DefaultModel
	}

	opts := h.Options
	opts.Persist = func(ctx context.Context, stage string, res *model.ExtractionResult) error {
		return h.Store.SaveExtraction(ctx, &model.ExtractionRecord{
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			SpecName:  plan.Name,
			Stage:     stage,
			Result:    *res,
		})
	}
	opts.Cancelled = func() bool { return Cancelled(ctx) }
	opts.Progress = func(done, total int) {
		if total > 0 && done < total {
			ReportProgress(ctx, done*100/total)
		}
	}

	stages, err := extract.RunPlan(ctx, h.Extractor, h.Cutover.Current(), plan, run.ProjectID, modelID, opts)
	if err != nil {
		return nil, err
	}

	out := extractResult{Spec: plan.Name, Model: modelID}
	if len(stages) == 1 {
		out.Result = stages[0].Result
	} else {
		out.Stages = stages
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "runner: marshal extraction result")
	}
	return raw, nil
}

// ReviewHandler evaluates a rule set against a project and replaces its
// findings.
type ReviewHandler struct {
	Rules       *rules.Service
	Extractions ExtractionStore
	Cutover     ConfigSource
}

type reviewResult struct {
	RuleSetVersion string                      `json:"rule_set_version"`
	Findings       int                         `json:"findings"`
	Summary        map[model.FindingResult]int `json:"summary"`
}

// Handle implements Handler.
func (h *ReviewHandler) Handle(ctx context.Context, run *model.Run) (json.RawMessage, error) {
	var req ReviewRequest
	if err := decodeRequest(run, &req); err != nil {
		return nil, err
	}
	prior, err := PriorFor(ctx, h.Extractions, run.ProjectID)
	if err != nil {
		return nil, err
	}
	ReportProgress(ctx, 10)

	findings, err := h.Rules.EvaluateAndStore(ctx, h.Cutover.Current(), req.RuleSetVersion, run.ProjectID, prior)
	if err != nil {
		return nil, err
	}

	out := reviewResult{
		RuleSetVersion: req.RuleSetVersion,
		Findings:       len(findings),
		Summary:        make(map[model.FindingResult]int),
	}
	for _, f := range findings {
		out.Summary[f.Result]++
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "runner: marshal review result")
	}
	return raw, nil
}

// PriorFor collects a project's latest validated extraction data keyed by
// stage name, falling back to the spec name for single-stage records.
func PriorFor(ctx context.Context, s ExtractionStore, projectID string) (rules.Prior, error) {
	recs, err := s.GetLatestExtractions(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "runner: load extractions for %s", projectID)
	}
	prior := make(rules.Prior, len(recs))
	for _, rec := range recs {
		key := rec.Stage
		if key == "" {
			key = rec.SpecName
		}
		prior[key] = rec.Result.Data
		if _, ok := prior[rec.SpecName]; !ok {
			prior[rec.SpecName] = rec.Result.Data
		}
	}
	return prior, nil
}
