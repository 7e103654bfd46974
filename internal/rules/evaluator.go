package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

// Evaluator checks a rule set for one project.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg *cutover.Config, rs *model.RuleSet, projectID string, prior Prior) ([]model.Finding, error)
}

// Options tunes an evaluator. Zero values take defaults.
type Options struct {
	// TopK is the retrieval depth for exists rules without their own. Default 8.
	TopK int
	// Concurrency caps parallel exists retrievals. Default 4.
	Concurrency int
	// Threshold applies to exists rules that set none. Default 0.
	Threshold float64
	// Parser reads date_compare values. Default DefaultDateParser.
	Parser DateParser
	// Comparators resolves date_compare comparators. Default DefaultComparators.
	Comparators *Comparators
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 8
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Parser == nil {
		o.Parser = DefaultDateParser()
	}
	if o.Comparators == nil {
		o.Comparators = DefaultComparators()
	}
	return o
}

// matcher picks the evidence chunks that satisfy an exists rule.
type matcher func(r model.RuleDefinition, chunks []model.RetrievedChunk) (evidence []string, remark string)

type evaluator struct {
	retriever extract.Retriever
	match     matcher
	opts      Options
}

// NewEvaluator evaluates exists rules through retriever, normally the
// retrieval facade. A rule passes when any chunk scores strictly above its
// threshold (default 0).
func NewEvaluator(retriever extract.Retriever, opts Options) Evaluator {
	return &evaluator{retriever: retriever, match: scoreMatch, opts: opts.withDefaults()}
}

// LegacyEvaluator reads the legacy index directly and passes exists rules
// when a hit contains the query text, ignoring scores.
func LegacyEvaluator(legacy retrieval.Provider, opts Options) Evaluator {
	return &evaluator{
		retriever: extract.ProviderRetriever{Provider: legacy},
		match:     keywordMatch,
		opts:      opts.withDefaults(),
	}
}

func scoreMatch(r model.RuleDefinition, chunks []model.RetrievedChunk) ([]string, string) {
	threshold := 0.0
	if r.Threshold != nil {
		threshold = *r.Threshold
	}
	var ids []string
	for _, c := range chunks {
		if c.Score > threshold {
			ids = append(ids, c.ChunkID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Sprintf("no chunk for %q scored above %.2f", r.Query, threshold)
	}
	return ids, fmt.Sprintf("%d chunk(s) for %q scored above %.2f", len(ids), r.Query, threshold)
}

func keywordMatch(r model.RuleDefinition, chunks []model.RetrievedChunk) ([]string, string) {
	needle := strings.ToLower(strings.TrimSpace(r.Query))
	var ids []string
	for _, c := range chunks {
		if strings.Contains(strings.ToLower(c.Text), needle) {
			ids = append(ids, c.ChunkID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Sprintf("keyword %q not found", r.Query)
	}
	return ids, fmt.Sprintf("keyword %q found in %d chunk(s)", r.Query, len(ids))
}

// Evaluate implements Evaluator. Findings follow rule order. Any retrieval
// failure fails the whole evaluation.
func (e *evaluator) Evaluate(ctx context.Context, cfg *cutover.Config, rs *model.RuleSet, projectID string, prior Prior) ([]model.Finding, error) {
	if rs == nil {
		return nil, eris.New("rules: nil rule set")
	}
	now := time.Now().UTC()
	findings := make([]model.Finding, len(rs.Rules))

	var remote []int
	for i, r := range rs.Rules {
		findings[i] = model.Finding{
			ID:               uuid.NewString(),
			ProjectID:        projectID,
			RuleSetVersion:   rs.Version,
			RuleID:           r.RuleID,
			Dimension:        r.Dimension,
			EvidenceChunkIDs: []string{},
			CreatedAt:        now,
		}
		switch r.Type {
		case model.RuleTypeExists:
			remote = append(remote, i)
		case model.RuleTypeMissingField:
			findings[i] = missingField(r, findings[i], prior)
		case model.RuleTypeDateCompare:
			f, err := e.dateCompare(r, findings[i], prior)
			if err != nil {
				return nil, err
			}
			findings[i] = f
		default:
			return nil, eris.Errorf("rules: rule %s: unknown type %q", r.RuleID, r.Type)
		}
	}

	// Each goroutine owns one slot of findings.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, i := range remote {
		g.Go(func() error {
			f, err := e.exists(gctx, cfg, rs.Rules[i], findings[i])
			if err != nil {
				return err
			}
			findings[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return findings, nil
}

func (e *evaluator) exists(ctx context.Context, cfg *cutover.Config, r model.RuleDefinition, f model.Finding) (model.Finding, error) {
	topK := r.TopK
	if topK <= 0 {
		topK = e.opts.TopK
	}
	if r.Threshold == nil && e.opts.Threshold != 0 {
		th := e.opts.Threshold
		r.Threshold = &th
	}
	chunks, _, err := e.retriever.Retrieve(ctx, cfg, retrieval.Query{
		Text:      r.Query,
		ProjectID: f.ProjectID,
		DocTypes:  r.DocTypes,
		TopK:      topK,
	})
	if err != nil {
		return f, eris.Wrapf(err, "rules: rule %s", r.RuleID)
	}

	ids, remark := e.match(r, chunks)
	f.Remark = remark
	if len(ids) == 0 {
		f.Result = r.FailOrRisk()
		return f, nil
	}
	f.Result = model.FindingPass
	f.EvidenceChunkIDs = ids
	return f, nil
}

func missingField(r model.RuleDefinition, f model.Finding, prior Prior) model.Finding {
	if _, ok := prior.Lookup(r.FieldRef); ok {
		f.Result = model.FindingPass
		f.Remark = fmt.Sprintf("field %s present", r.FieldRef)
		return f
	}
	f.Result = r.FailOrRisk()
	f.Remark = fmt.Sprintf("field %s missing or empty", r.FieldRef)
	return f
}

func (e *evaluator) dateCompare(r model.RuleDefinition, f model.Finding, prior Prior) (model.Finding, error) {
	cmp, ok := e.opts.Comparators.Get(r.Comparator)
	if !ok {
		return f, eris.Errorf("rules: rule %s: unknown comparator %q", r.RuleID, r.Comparator)
	}

	a, errA := e.date(prior, r.FieldRef)
	b, errB := e.date(prior, r.FieldRefB)
	if errA != nil || errB != nil {
		f.Result = r.FailOrRisk()
		f.Remark = joinErrs(errA, errB)
		return f, nil
	}

	if cmp(a, b) {
		f.Result = model.FindingPass
		f.Remark = fmt.Sprintf("%s %s %s holds", r.FieldRef, r.Comparator, r.FieldRefB)
		return f, nil
	}
	f.Result = r.FailOrRisk()
	f.Remark = fmt.Sprintf("%s (%s) is not %s %s (%s)",
		r.FieldRef, a.Format(time.DateOnly), r.Comparator, r.FieldRefB, b.Format(time.DateOnly))
	return f, nil
}

func (e *evaluator) date(prior Prior, ref string) (time.Time, error) {
	res, ok := prior.Lookup(ref)
	if !ok {
		return time.Time{}, eris.Errorf("field %s missing", ref)
	}
	t, err := e.opts.Parser.Parse(res.String())
	if err != nil {
		return time.Time{}, eris.Errorf("field %s: unparsable date %q", ref, res.String())
	}
	return t, nil
}

func joinErrs(errs ...error) string {
	var parts []string
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
