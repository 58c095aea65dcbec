package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  base_url: "https://sentry.example.com"

database:
  url: "postgres://localhost/sentrycore_test"

scheduler:
  sweep_interval_seconds: 30
  max_concurrent: 10

decision:
  immediate_threshold: 0.95

budget:
  daily_cap_usd: 2.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://sentry.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "postgres://localhost/sentrycore_test", cfg.Database.URL)
	assert.Equal(t, 30, cfg.Scheduler.SweepIntervalSeconds)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 0.95, cfg.Decision.ImmediateThreshold)
	assert.Equal(t, 2.5, cfg.Budget.DailyCapUSD)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 60, cfg.Scheduler.SweepIntervalSeconds)
	assert.Equal(t, 100, cfg.Scheduler.MaxItemsPerFetch)
	assert.Equal(t, 0.55, cfg.Match.CosWeight)
	assert.Equal(t, 0.93, cfg.Decision.ImmediateThreshold)
	assert.Equal(t, 0.88, cfg.Decision.BoundaryThreshold)
	assert.Equal(t, 0.75, cfg.Decision.BatchThreshold)
	assert.Equal(t, int64(2_000_000), cfg.Budget.EmbeddingTokensDaily)
	assert.Equal(t, int64(500_000), cfg.Budget.JudgeTokensDaily)
	assert.Equal(t, 5.0, cfg.Budget.DailyCapUSD)
	assert.Equal(t, 0.8, cfg.Budget.SoftFactor)
	assert.Equal(t, "smtp", cfg.Email.Provider)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/db"
llm:
  provider: "openai"
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("PORT", "9999")
	t.Setenv("LLM_PROVIDER", "bedrock")
	t.Setenv("LLM_API_KEY", "sk-env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "redis://env:6379/1", cfg.Redis.URL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "bedrock", cfg.LLM.Provider)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvBadPort(t *testing.T) {
	path := writeConfig(t, `{}`)
	t.Setenv("PORT", "not-a-number")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}
