package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Runner.MaxWorkers)
	assert.Equal(t, 8, cfg.Extract.TopKPerQuery)
	assert.Equal(t, 24, cfg.Extract.TopKTotal)
	assert.Equal(t, 500, cfg.Extract.SnippetLimit)
	assert.Equal(t, "evidence_chunk_ids", cfg.Extract.EvidenceKey)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 60, cfg.Hybrid.RRFK)
	assert.Equal(t, 5, cfg.Shadow.TimeoutSecs)
	assert.InDelta(t, 3.0, cfg.Notion.RateLimitRPS, 0.001)
	assert.Equal(t, 3, cfg.Notion.Retries)
	for _, c := range Capabilities {
		assert.Equal(t, "old", cfg.Cutover.Modes[c], c)
	}
	assert.Empty(t, cfg.Cutover.Overrides)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
cutover:
  modes:
    retrieval: shadow
  overrides:
    retrieval:
      new_only: [proj-a, proj-b]
    rules:
      prefer_new: [proj-a]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "shadow", cfg.Cutover.Modes["retrieval"])
	// Defaults still apply for unset values
	assert.Equal(t, "old", cfg.Cutover.Modes["extract"])
	assert.Equal(t, []string{"proj-a", "proj-b"}, cfg.Cutover.Overrides["retrieval"]["new_only"])
	assert.Equal(t, []string{"proj-a"}, cfg.Cutover.Overrides["rules"]["prefer_new"])
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EVIDENCE_STORE_DRIVER", "postgres")
	t.Setenv("EVIDENCE_LOG_LEVEL", "warn")
	t.Setenv("EVIDENCE_CUTOVER_MODES_RETRIEVAL", "prefer_new")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "prefer_new", cfg.Cutover.Modes["retrieval"])
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("EVIDENCE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadWithViper_ReturnsInstance(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, v, err := LoadWithViper()
	require.NoError(t, err)
	require.NotNil(t, v)

	v.Set("cutover.modes.rules", "new_only")
	again, err := Unmarshal(v)
	require.NoError(t, err)
	assert.Equal(t, "old", cfg.Cutover.Modes["rules"])
	assert.Equal(t, "new_only", again.Cutover.Modes["rules"])
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.LLM.Provider = "anthropic"
	cfg.Runner.MaxWorkers = 4
	cfg.Extract.TopKPerQuery = 8
	cfg.Extract.TopKTotal = 24
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateExtract_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.LLM.Anthropic.Key = "sk-ant-key"

	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateExtract_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("extract")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
	assert.Contains(t, err.Error(), "llm.anthropic.key")
}

func TestValidateReview_NoLLMNeeded(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("review"))
}

func TestValidateOpenAIProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Provider = "openai"

	err := cfg.Validate("extract")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "llm.openai.key")

	cfg.LLM.OpenAI.Key = "sk-openai"
	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateUnsupportedProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Provider = "mystery"

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported llm provider")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Anthropic.Key = "sk-ant-key"
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Runner.MaxWorkers = 0
	err := cfg.Validate("review")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers must be between 1 and 64")

	cfg.Runner.MaxWorkers = 65
	assert.Error(t, cfg.Validate("review"))

	cfg.Runner.MaxWorkers = 64
	assert.NoError(t, cfg.Validate("review"))
}

func TestHybridDSN(t *testing.T) {
	cfg := validDefaults()
	assert.Empty(t, cfg.HybridDSN())

	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://main"
	assert.Equal(t, "postgres://main", cfg.HybridDSN())

	cfg.Hybrid.DatabaseURL = "postgres://chunks"
	assert.Equal(t, "postgres://chunks", cfg.HybridDSN())
}
