package rules

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/shadow"
)

// ShadowKind is the shadow diff kind for rule evaluation comparisons.
const ShadowKind = "rules"

// RuleSetSource looks up a stored rule set by version.
type RuleSetSource interface {
	GetRuleSet(ctx context.Context, version string) (*model.RuleSet, error)
}

// FindingWriter replaces a project's findings in one transaction.
type FindingWriter interface {
	ReplaceFindings(ctx context.Context, projectID string, findings []model.Finding) error
}

// Service evaluates stored rule sets, choosing the legacy or new evaluator
// by the project's "rules" cutover mode.
type Service struct {
	legacy   Evaluator
	next     Evaluator
	rulesets RuleSetSource
	findings FindingWriter
	diffs    retrieval.DiffLogger
	gate     *shadow.Gate

	fallbacks atomic.Int64
}

// NewService creates a service. diffs and gate may be nil.
func NewService(legacy, next Evaluator, rulesets RuleSetSource, findings FindingWriter, diffs retrieval.DiffLogger, gate *shadow.Gate) *Service {
	if gate == nil {
		gate = shadow.NewGate(0, 0)
	}
	return &Service{
		legacy:   legacy,
		next:     next,
		rulesets: rulesets,
		findings: findings,
		diffs:    diffs,
		gate:     gate,
	}
}

// Fallbacks returns how many PREFER_NEW evaluations were served by legacy.
func (s *Service) Fallbacks() int64 { return s.fallbacks.Load() }

// Wait blocks until in-flight shadow evaluations finish.
func (s *Service) Wait() { s.gate.Wait() }

// Evaluate loads rule set version and evaluates it for projectID.
func (s *Service) Evaluate(ctx context.Context, cfg *cutover.Config, version, projectID string, prior Prior) ([]model.Finding, error) {
	rs, err := s.rulesets.GetRuleSet(ctx, version)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: load rule set %s", version)
	}
	return s.EvaluateSet(ctx, cfg, rs, projectID, prior)
}

// EvaluateSet evaluates an already loaded rule set.
func (s *Service) EvaluateSet(ctx context.Context, cfg *cutover.Config, rs *model.RuleSet, projectID string, prior Prior) ([]model.Finding, error) {
	mode := cfg.Resolve(cutover.CapabilityRules, projectID)
	log := zap.L().With(
		zap.String("project_id", projectID),
		zap.String("rule_set_version", rs.Version),
		zap.String("mode", string(mode)),
	)

	switch mode {
	case cutover.ModeNewOnly:
		return s.next.Evaluate(ctx, cfg, rs, projectID, prior)

	case cutover.ModePreferNew:
		findings, err := s.next.Evaluate(ctx, cfg, rs, projectID, prior)
		if err == nil || ctx.Err() != nil {
			return findings, err
		}
		s.fallbacks.Add(1)
		retrieval.FallbackEvent{
			Capability: cutover.CapabilityRules,
			ProjectID:  projectID,
			Provider:   "rules.new",
			Err:        err,
		}.Log()
		return s.legacy.Evaluate(ctx, cfg, rs, projectID, prior)

	case cutover.ModeShadow:
		type outcome struct {
			findings []model.Finding
			err      error
		}
		done := make(chan outcome, 1)
		started := s.gate.Go(ctx, func(sctx context.Context) {
			newFindings, newErr := s.next.Evaluate(sctx, cfg, rs, projectID, prior)
			old := <-done
			summary := DiffFindings(old.findings, newFindings)
			if newErr != nil {
				summary["new_error"] = newErr.Error()
			}
			if old.err != nil {
				summary["old_error"] = old.err.Error()
			}
			if s.diffs != nil {
				s.diffs.Log(ShadowKind, rs.Version, projectID, old.findings, newFindings, summary)
			}
		})
		if !started {
			log.Debug("rules: shadow evaluation skipped")
		}
		findings, err := s.legacy.Evaluate(ctx, cfg, rs, projectID, prior)
		done <- outcome{findings: findings, err: err}
		return findings, err

	default:
		return s.legacy.Evaluate(ctx, cfg, rs, projectID, prior)
	}
}

// EvaluateAndStore evaluates version and atomically replaces the project's
// stored findings with the result.
func (s *Service) EvaluateAndStore(ctx context.Context, cfg *cutover.Config, version, projectID string, prior Prior) ([]model.Finding, error) {
	findings, err := s.Evaluate(ctx, cfg, version, projectID, prior)
	if err != nil {
		return nil, err
	}
	if err := s.findings.ReplaceFindings(ctx, projectID, findings); err != nil {
		return nil, eris.Wrapf(err, "rules: store findings for %s", projectID)
	}
	zap.L().Info("rules: findings stored",
		zap.String("project_id", projectID),
		zap.String("rule_set_version", version),
		zap.Int("findings", len(findings)),
	)
	return findings, nil
}

// DiffFindings compares two evaluations by count, result distribution and
// per-rule result.
func DiffFindings(old, next []model.Finding) map[string]any {
	oldBy := make(map[string]model.FindingResult, len(old))
	for _, f := range old {
		oldBy[f.RuleID] = f.Result
	}

	changed := []string{}
	seen := make(map[string]bool, len(next))
	for _, f := range next {
		seen[f.RuleID] = true
		if r, ok := oldBy[f.RuleID]; !ok || r != f.Result {
			changed = append(changed, f.RuleID)
		}
	}
	for id := range oldBy {
		if !seen[id] {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)

	total := len(oldBy)
	for id := range seen {
		if _, ok := oldBy[id]; !ok {
			total++
		}
	}
	ratio := 1.0
	if total > 0 {
		ratio = float64(total-len(changed)) / float64(total)
	}

	return map[string]any{
		"old_count":        len(old),
		"new_count":        len(next),
		"old_distribution": distribution(old),
		"new_distribution": distribution(next),
		"changed_rules":    changed,
		"match_ratio":      ratio,
	}
}

func distribution(findings []model.Finding) map[string]int {
	d := map[string]int{
		string(model.FindingPass): 0,
		string(model.FindingRisk): 0,
		string(model.FindingFail): 0,
	}
	for _, f := range findings {
		d[string(f.Result)]++
	}
	return d
}
