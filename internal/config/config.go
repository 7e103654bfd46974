package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Capabilities lists every independently migratable subsystem. Each gets a
// default cutover mode so environment overrides resolve through viper.
var Capabilities = []string{"retrieval", "ingest", "extract", "review", "rules"}

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	LegacyIndex LegacyIndexConfig `yaml:"legacy_index" mapstructure:"legacy_index"`
	Hybrid      HybridConfig      `yaml:"hybrid" mapstructure:"hybrid"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Rules       RulesConfig       `yaml:"rules" mapstructure:"rules"`
	Cutover     CutoverConfig     `yaml:"cutover" mapstructure:"cutover"`
	Shadow      ShadowConfig      `yaml:"shadow" mapstructure:"shadow"`
	Runner      RunnerConfig      `yaml:"runner" mapstructure:"runner"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LegacyIndexConfig points at the prior keyword index (SQLite FTS5).
type LegacyIndexConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// HybridConfig configures the vector + full-text provider.
type HybridConfig struct {
	DatabaseURL    string  `yaml:"database_url" mapstructure:"database_url"`
	TextWeight     float64 `yaml:"text_weight" mapstructure:"text_weight"`
	VectorWeight   float64 `yaml:"vector_weight" mapstructure:"vector_weight"`
	RRFK           int     `yaml:"rrf_k" mapstructure:"rrf_k"`
	CandidatePool  int     `yaml:"candidate_pool" mapstructure:"candidate_pool"`
	EmbeddingModel string  `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// LLMConfig selects and configures the LLM adapter.
type LLMConfig struct {
	Provider     string          `yaml:"provider" mapstructure:"provider"`
	DefaultModel string          `yaml:"default_model" mapstructure:"default_model"`
	MaxTokens    int             `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimitRPS float64         `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	Anthropic    AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI       OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds OpenAI-compatible API settings. It also backs the
// embedding client used by the hybrid provider.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractConfig configures the extraction engine.
type ExtractConfig struct {
	TopKPerQuery         int    `yaml:"topk_per_query" mapstructure:"topk_per_query"`
	TopKTotal            int    `yaml:"topk_total" mapstructure:"topk_total"`
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries" mapstructure:"max_concurrent_queries"`
	StageAttempts        int    `yaml:"stage_attempts" mapstructure:"stage_attempts"`
	SnippetLimit         int    `yaml:"snippet_limit" mapstructure:"snippet_limit"`
	EvidenceKey          string `yaml:"evidence_key" mapstructure:"evidence_key"`
	SpecsPath            string `yaml:"specs_path" mapstructure:"specs_path"`
}

// RulesConfig configures the rules evaluator.
type RulesConfig struct {
	Path            string  `yaml:"path" mapstructure:"path"`
	ExistsThreshold float64 `yaml:"exists_threshold" mapstructure:"exists_threshold"`
	ExistsTopK      int     `yaml:"exists_top_k" mapstructure:"exists_top_k"`
}

// CutoverConfig holds the global mode per capability and per-project
// overrides (capability -> mode -> project ids).
type CutoverConfig struct {
	Modes     map[string]string              `yaml:"modes" mapstructure:"modes"`
	Overrides map[string]map[string][]string `yaml:"overrides" mapstructure:"overrides"`
}

// ShadowConfig bounds the shadow path.
type ShadowConfig struct {
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxInFlight      int `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	BufferSize       int `yaml:"buffer_size" mapstructure:"buffer_size"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// RunnerConfig configures the run worker pool.
type RunnerConfig struct {
	MaxWorkers       int `yaml:"max_workers" mapstructure:"max_workers"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// NotionConfig holds Notion API credentials for the rule registry.
type NotionConfig struct {
	Token        string  `yaml:"token" mapstructure:"token"`
	RuleDB       string  `yaml:"rule_db" mapstructure:"rule_db"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	Retries      int     `yaml:"retries" mapstructure:"retries"`
}

// RetryConfig mirrors resilience.RetryConfig in config units.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the breaker around the new retrieval provider.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig sets alert thresholds.
type MonitoringConfig struct {
	LookbackHours     int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MaxFailRate       float64 `yaml:"max_fail_rate" mapstructure:"max_fail_rate"`
	MinShadowOverlap  float64 `yaml:"min_shadow_overlap" mapstructure:"min_shadow_overlap"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg, _, err := LoadWithViper()
	return cfg, err
}

// LoadWithViper is Load but also returns the viper instance so callers can
// watch the config file for changes.
func LoadWithViper() (*Config, *viper.Viper, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, eris.Wrap(err, "config: read file")
		}
	}

	cfg, err := Unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Unmarshal decodes the current state of v into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("legacy_index.path", "legacy_index.db")
	v.SetDefault("hybrid.text_weight", 1.0)
	v.SetDefault("hybrid.vector_weight", 1.0)
	v.SetDefault("hybrid.rrf_k", 60)
	v.SetDefault("hybrid.candidate_pool", 50)
	v.SetDefault("hybrid.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.default_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.rate_limit_rps", 5)
	v.SetDefault("extract.topk_per_query", 8)
	v.SetDefault("extract.topk_total", 24)
	v.SetDefault("extract.max_concurrent_queries", 4)
	v.SetDefault("extract.stage_attempts", 2)
	v.SetDefault("extract.snippet_limit", 500)
	v.SetDefault("extract.evidence_key", "evidence_chunk_ids")
	v.SetDefault("extract.specs_path", "specs.yaml")
	v.SetDefault("rules.path", "rules")
	v.SetDefault("rules.exists_threshold", 0.0)
	v.SetDefault("rules.exists_top_k", 5)
	for _, c := range Capabilities {
		v.SetDefault("cutover.modes."+c, "old")
	}
	v.SetDefault("shadow.timeout_secs", 5)
	v.SetDefault("shadow.max_in_flight", 8)
	v.SetDefault("shadow.buffer_size", 256)
	v.SetDefault("shadow.write_timeout_secs", 2)
	v.SetDefault("runner.max_workers", 4)
	v.SetDefault("runner.poll_interval_secs", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("notion.rate_limit_rps", 3)
	v.SetDefault("notion.retries", 3)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.max_fail_rate", 0.2)
	v.SetDefault("monitoring.min_shadow_overlap", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the settings a command needs are present. mode is
// one of "serve", "extract", "review" or "" (no extra checks).
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url (EVIDENCE_STORE_DATABASE_URL)")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	switch mode {
	case "", "serve", "extract", "review":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "serve" && c.Server.Port <= 0 {
		missing = append(missing, "server.port must be > 0")
	}
	if c.Runner.MaxWorkers < 1 || c.Runner.MaxWorkers > 64 {
		missing = append(missing, "runner.max_workers must be between 1 and 64")
	}
	if c.Extract.TopKPerQuery <= 0 || c.Extract.TopKTotal <= 0 {
		missing = append(missing, "extract.topk_per_query and extract.topk_total must be > 0")
	}

	needsLLM := mode == "serve" || mode == "extract"
	if needsLLM {
		switch c.LLM.Provider {
		case "anthropic":
			if c.LLM.Anthropic.Key == "" {
				missing = append(missing, "llm.anthropic.key (EVIDENCE_LLM_ANTHROPIC_KEY)")
			}
		case "openai":
			if c.LLM.OpenAI.Key == "" {
				missing = append(missing, "llm.openai.key (EVIDENCE_LLM_OPENAI_KEY)")
			}
		default:
			return eris.Errorf("config: unsupported llm provider %q", c.LLM.Provider)
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: invalid settings for %q: %s", mode, strings.Join(missing, "; "))
	}
	return nil
}

// HybridDSN returns the database used by the hybrid provider, falling back
// to the main store when it is Postgres.
func (c *Config) HybridDSN() string {
	if c.Hybrid.DatabaseURL != "" {
		return c.Hybrid.DatabaseURL
	}
	if c.Store.Driver == "postgres" {
		return c.Store.DatabaseURL
	}
	return ""
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
