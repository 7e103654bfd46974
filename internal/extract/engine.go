package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/jsonrepair"
	"github.com/sells-group/evidence-cli/internal/llm"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

const defaultSystemPrompt = "You extract structured data from tender and contract documents. " +
	"Use only the evidence inside <chunk> tags. Return a single valid JSON object. " +
	"List the ids of the chunks you relied on under the evidence key."

// Retriever is the retrieval dependency of the engine; *retrieval.Facade
// implements it.
type Retriever interface {
	Retrieve(ctx context.Context, cfg *cutover.Config, q retrieval.Query) ([]model.RetrievedChunk, retrieval.Observation, error)
}

// Extractor runs one extraction. Engine and Dispatcher implement it.
type Extractor interface {
	Run(ctx context.Context, cfg *cutover.Config, spec *Spec, projectID, modelID string, stage *StageContext) (*model.ExtractionResult, error)
}

// EngineOptions tunes an Engine.
type EngineOptions struct {
	MaxConcurrentQueries int
	SnippetLimit         int
	DefaultMaxTokens     int
}

// OptionsFromSettings converts config units.
func OptionsFromSettings(ec config.ExtractConfig, lc config.LLMConfig) EngineOptions {
	return EngineOptions{
		MaxConcurrentQueries: ec.MaxConcurrentQueries,
		SnippetLimit:         ec.SnippetLimit,
		DefaultMaxTokens:     lc.MaxTokens,
	}
}

// Engine is the retrieve, generate, validate pipeline.
type Engine struct {
	retriever Retriever
	llm       llm.Adapter
	opts      EngineOptions
}

// NewEngine creates an engine.
func NewEngine(r Retriever, adapter llm.Adapter, opts EngineOptions) *Engine {
	if opts.MaxConcurrentQueries <= 0 {
		opts.MaxConcurrentQueries = 4
	}
	if opts.SnippetLimit <= 0 {
		opts.SnippetLimit = DefaultSnippetLimit
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 4096
	}
	return &Engine{retriever: r, llm: adapter, opts: opts}
}

type queryOutcome struct {
	chunks []model.RetrievedChunk
	obs    retrieval.Observation
	took   time.Duration
}

// Run executes spec for projectID. Retrieval, parse and schema failures are
// returned as errors; nothing is substituted for a failed step.
func (e *Engine) Run(ctx context.Context, cfg *cutover.Config, spec *Spec, projectID, modelID string, stage *StageContext) (*model.ExtractionResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("spec", spec.Name),
		zap.String("project_id", projectID),
	)
	if stage != nil {
		log = log.With(zap.String("stage", stage.Name))
	}

	outcomes, err := e.retrieveAll(ctx, cfg, spec, projectID)
	if err != nil {
		return nil, err
	}

	perQuery := make([][]model.RetrievedChunk, len(outcomes))
	trace := model.RetrievalTrace{
		Queries: make([]model.QueryTrace, len(outcomes)),
		Model:   modelID,
	}
	for i, o := range outcomes {
		perQuery[i] = o.chunks
		trace.Queries[i] = model.QueryTrace{
			Name:         spec.Queries[i].Name,
			Count:        len(o.chunks),
			ChunkIDs:     model.ChunkIDs(o.chunks),
			ProviderUsed: o.obs.ProviderUsed,
			LatencyMS:    o.took.Milliseconds(),
		}
	}
	trace.ResolvedMode, trace.ProviderUsed = summarizeProviders(outcomes)
	if stage != nil {
		trace.Stage = stage.Name
	}

	merged := MergeChunks(perQuery, spec.TopKTotal)
	trace.MergedIDs = model.ChunkIDs(merged)

	prompt := RenderPrompt(spec.PromptTemplate, promptVars(spec, projectID, BuildContext(merged), stage))
	system := spec.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.opts.DefaultMaxTokens
	}

	raw, err := e.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: prompt},
	}, modelID, 0, maxTokens)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s: llm call", spec.Name)
	}

	data, err := jsonrepair.Parse(raw)
	if err != nil {
		log.Warn("extract: unparsable model output", zap.Int("raw_len", len(raw)), zap.Error(err))
		return nil, &ParseError{Snippet: Snippet(raw, e.opts.SnippetLimit), Err: err}
	}

	if spec.Schema != nil {
		if violations := spec.Schema.Validate(data); len(violations) > 0 {
			log.Warn("extract: schema violations", zap.Int("violations", len(violations)))
			return nil, &SchemaError{Violations: violations, Snippet: Snippet(raw, e.opts.SnippetLimit)}
		}
	}

	evidence := filterEvidence(data[spec.evidenceKey()], merged, log)

	log.Info("extract: done",
		zap.Int("queries", len(spec.Queries)),
		zap.Int("merged", len(merged)),
		zap.Int("evidence", len(evidence)),
		zap.String("provider", trace.ProviderUsed),
	)
	return &model.ExtractionResult{
		Data:             data,
		EvidenceChunkIDs: evidence,
		RetrievalTrace:   trace,
	}, nil
}

// retrieveAll issues every query concurrently. Results are stored by query
// index so completion order never affects the merge.
func (e *Engine) retrieveAll(ctx context.Context, cfg *cutover.Config, spec *Spec, projectID string) ([]queryOutcome, error) {
	outcomes := make([]queryOutcome, len(spec.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrentQueries)

	for i, nq := range spec.Queries {
		docTypes := nq.DocTypes
		if len(docTypes) == 0 {
			docTypes = spec.DocTypes
		}
		q := retrieval.Query{
			Text:      nq.Query,
			ProjectID: projectID,
			DocTypes:  docTypes,
			TopK:      spec.TopKPerQuery,
		}
		g.Go(func() error {
			start := time.Now()
			chunks, obs, err := e.retriever.Retrieve(gctx, cfg, q)
			if err != nil {
				return eris.Wrapf(err, "extract: query %q", nq.Name)
			}
			outcomes[i] = queryOutcome{chunks: chunks, obs: obs, took: time.Since(start)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// summarizeProviders reports the resolved mode and the distinct providers
// that served the queries, in query order.
func summarizeProviders(outcomes []queryOutcome) (string, string) {
	var mode string
	var used []string
	seen := make(map[string]bool)
	for _, o := range outcomes {
		if mode == "" {
			mode = string(o.obs.ResolvedMode)
		}
		if p := o.obs.ProviderUsed; p != "" && !seen[p] {
			seen[p] = true
			used = append(used, p)
		}
	}
	return mode, strings.Join(used, ",")
}

// filterEvidence keeps cited ids that were actually retrieved, in citation
// order without duplicates.
func filterEvidence(claimed any, retrieved []model.RetrievedChunk, log *zap.Logger) []string {
	known := make(map[string]bool, len(retrieved))
	for _, c := range retrieved {
		known[c.ChunkID] = true
	}

	var ids []string
	switch v := claimed.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
	case string:
		ids = []string{v}
	}

	out := []string{}
	seen := make(map[string]bool, len(ids))
	var dropped []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !known[id] {
			dropped = append(dropped, id)
			continue
		}
		out = append(out, id)
	}
	if len(dropped) > 0 {
		log.Warn("extract: dropping evidence ids not in retrieved set", zap.Strings("chunk_ids", dropped))
	}
	return out
}
