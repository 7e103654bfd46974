package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/llm"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/monitoring"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/retrieval/hybrid"
	"github.com/sells-group/evidence-cli/internal/retrieval/legacy"
	"github.com/sells-group/evidence-cli/internal/rules"
	"github.com/sells-group/evidence-cli/internal/runner"
	"github.com/sells-group/evidence-cli/internal/schema"
	"github.com/sells-group/evidence-cli/internal/shadow"
	"github.com/sells-group/evidence-cli/internal/specs"
	"github.com/sells-group/evidence-cli/internal/store"
)

// appEnv holds the store, providers, engines and tracker shared by the
// serve, extract, review and retrieve commands.
type appEnv struct {
	Store    store.Store
	Cutover  *cutover.Watcher
	Legacy   *legacy.Provider
	Hybrid   *hybrid.Provider // nil without a Postgres DSN
	Facade   *retrieval.Facade
	Shadow   *shadow.Logger
	Gate     *shadow.Gate
	Extract  *extract.Dispatcher // nil unless the LLM is wired
	Catalog  *specs.Catalog      // nil unless the LLM is wired
	Rules    *rules.Service
	Tracker  *runner.Tracker
	ownsPool db.Pool
}

// envOptions selects the optional parts of the environment.
type envOptions struct {
	// Mode is passed to config.Validate.
	Mode string
	// LLM wires the extraction engines and the spec catalog.
	LLM bool
}

// initStore opens the configured store. Callers migrate and close it.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "evidence.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCutover builds the watcher from the loaded settings and logs any
// project listed under two modes.
func initCutover() (*cutover.Watcher, error) {
	c, err := cutover.FromSettings(cfg.Cutover)
	if err != nil {
		return nil, eris.Wrap(err, "cutover settings")
	}
	for _, conflict := range c.Conflicts() {
		zap.L().Warn("cutover: conflicting override", zap.String("conflict", conflict.String()))
	}
	return cutover.NewWatcher(c), nil
}

// initHybrid opens the hybrid provider. It shares the store's pool when
// both point at the same Postgres database. The returned pool, when
// non-nil, is owned by the caller.
func initHybrid(ctx context.Context, st store.Store) (*hybrid.Provider, db.Pool, error) {
	dsn := cfg.HybridDSN()
	if dsn == "" {
		zap.L().Info("hybrid retrieval disabled, no postgres dsn configured")
		return nil, nil, nil
	}

	var embed hybrid.Embedder
	if cfg.LLM.OpenAI.Key != "" {
		embed = hybrid.NewOpenAIEmbedder(cfg.LLM.OpenAI.Key, cfg.LLM.OpenAI.BaseURL, cfg.Hybrid.EmbeddingModel)
	} else {
		zap.L().Info("no embedding key, hybrid retrieval ranks full-text only")
	}
	opts := hybrid.OptionsFromSettings(cfg.Hybrid)

	if ps, ok := st.(*store.PostgresStore); ok && dsn == cfg.Store.DatabaseURL {
		return hybrid.New(ps.Pool(), embed, opts), nil, nil
	}
	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns})
	if err != nil {
		return nil, nil, eris.Wrap(err, "hybrid pool")
	}
	return hybrid.New(pool, embed, opts), pool, nil
}

// initEnv wires every component. Callers should defer env.Close.
func initEnv(ctx context.Context, o envOptions) (env *appEnv, err error) {
	if err := cfg.Validate(o.Mode); err != nil {
		return nil, err
	}

	env = &appEnv{}
	defer func() {
		if err != nil {
			env.Close(context.Background())
			env = nil
		}
	}()

	if env.Store, err = openStore(ctx); err != nil {
		return env, err
	}
	if env.Cutover, err = initCutover(); err != nil {
		return env, err
	}
	if env.Legacy, err = legacy.Open(ctx, cfg.LegacyIndex.Path); err != nil {
		return env, err
	}
	if env.Hybrid, env.ownsPool, err = initHybrid(ctx, env.Store); err != nil {
		return env, err
	}

	retry := resilience.RetryFromSettings(cfg.Retry)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitFromSettings(cfg.Circuit))
	shadowTimeout := time.Duration(cfg.Shadow.TimeoutSecs) * time.Second

	legacyP := retrieval.NewResilient(env.Legacy, retry, nil)
	var nextP retrieval.Provider = retrieval.Unavailable{ProviderName: hybrid.Name}
	if env.Hybrid != nil {
		nextP = retrieval.NewResilient(env.Hybrid, retry, breaker)
	}

	env.Shadow = shadow.NewLogger(env.Store, shadow.Options{
		BufferSize:   cfg.Shadow.BufferSize,
		WriteTimeout: time.Duration(cfg.Shadow.WriteTimeoutSecs) * time.Second,
	})
	env.Facade = retrieval.NewFacade(legacyP, nextP, env.Shadow, retrieval.FacadeOptions{
		ShadowTimeout:     shadowTimeout,
		MaxShadowInFlight: cfg.Shadow.MaxInFlight,
	})
	env.Gate = shadow.NewGate(cfg.Shadow.MaxInFlight, shadowTimeout)

	ruleOpts := rules.Options{TopK: cfg.Rules.ExistsTopK, Threshold: cfg.Rules.ExistsThreshold}
	env.Rules = rules.NewService(
		rules.LegacyEvaluator(legacyP, ruleOpts),
		rules.NewEvaluator(env.Facade, ruleOpts),
		env.Store, env.Store, env.Shadow, env.Gate,
	)

	env.Tracker = runner.New(env.Store, runner.Options{
		Workers:      cfg.Runner.MaxWorkers,
		PollInterval: time.Duration(cfg.Runner.PollIntervalSecs) * time.Second,
		SnippetLimit: cfg.Extract.SnippetLimit,
	})
	env.Tracker.Register(model.RunKindReview, &runner.ReviewHandler{
		Rules:       env.Rules,
		Extractions: env.Store,
		Cutover:     env.Cutover,
	})

	if !o.LLM {
		return env, nil
	}

	adapter, err := llm.NewAdapter(cfg.LLM, retry)
	if err != nil {
		return env, err
	}
	engineOpts := extract.OptionsFromSettings(cfg.Extract, cfg.LLM)
	env.Extract = extract.NewDispatcher(
		extract.NewLegacyEngine(legacyP, adapter, engineOpts),
		extract.NewEngine(env.Facade, adapter, engineOpts),
		env.Shadow, env.Gate,
	)

	env.Catalog, err = specs.LoadFile(cfg.Extract.SpecsPath, schema.NewRegistry(), specs.Defaults{
		TopKPerQuery: cfg.Extract.TopKPerQuery,
		TopKTotal:    cfg.Extract.TopKTotal,
		MaxTokens:    cfg.LLM.MaxTokens,
		EvidenceKey:  cfg.Extract.EvidenceKey,
	})
	if err != nil {
		return env, err
	}
	zap.L().Info("spec catalog loaded",
		zap.String("path", cfg.Extract.SpecsPath),
		zap.Strings("specs", env.Catalog.Names()),
	)

	env.Tracker.Register(model.RunKindExtract, &runner.ExtractHandler{
		Extractor:    env.Extract,
		Plans:        env.Catalog,
		Store:        env.Store,
		Cutover:      env.Cutover,
		DefaultModel: cfg.LLM.DefaultModel,
		Options: extract.PlanOptions{
			Attempts: cfg.Extract.StageAttempts,
			Retry:    retry,
		},
	})
	return env, nil
}

// track registers the in-process counters with the metrics collector.
func (e *appEnv) track(c *monitoring.Collector) {
	c.Track("retrieval_fallbacks", func() int64 { return e.Facade.Stats().Fallbacks })
	c.Track("retrieval_shadow_runs", func() int64 { return e.Facade.Stats().ShadowRuns })
	c.Track("retrieval_shadow_skipped", func() int64 { return e.Facade.Stats().ShadowSkipped })
	c.Track("rules_fallbacks", e.Rules.Fallbacks)
	c.Track("shadow_skipped", e.Gate.Skipped)
	c.Track("shadow_diffs_written", e.Shadow.Written)
	c.Track(monitoring.DroppedCounter, e.Shadow.Dropped)
	c.Track("cutover_reloads", e.Cutover.Reloads)
	if e.Extract != nil {
		c.Track("extract_fallbacks", e.Extract.Fallbacks)
	}
}

// Close waits for detached shadow work, drains the diff logger and
// releases connections. Safe on a partially built env.
func (e *appEnv) Close(ctx context.Context) {
	if e.Facade != nil {
		e.Facade.Wait()
	}
	if e.Gate != nil {
		e.Gate.Wait()
	}
	if e.Shadow != nil {
		if err := e.Shadow.Close(ctx); err != nil {
			zap.L().Warn("shadow logger close", zap.Error(err))
		}
	}
	if e.Legacy != nil {
		_ = e.Legacy.Close()
	}
	if e.ownsPool != nil {
		e.ownsPool.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}
