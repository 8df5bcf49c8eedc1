package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithDSN(t *testing.T) {
	cfg := Default()
	cfg.Postgres.DSN = "postgres://localhost/ava"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadEngine(t *testing.T) {
	cfg := Default()
	cfg.Postgres.DSN = "postgres://localhost/ava"
	cfg.Evaluation.Engine = "quantum"
	assert.ErrorContains(t, cfg.Validate(), "evaluation.engine")
}

func TestValidateRejectsContextSmallerThanBatch(t *testing.T) {
	cfg := Default()
	cfg.Postgres.DSN = "postgres://localhost/ava"
	cfg.Evaluation.MaxContextEvents = 5
	cfg.Evaluation.BatchMaxEvents = 10
	assert.ErrorContains(t, cfg.Validate(), "max_context_events")
}

func TestValidateRejectsBrokenThresholds(t *testing.T) {
	cfg := Default()
	cfg.Postgres.DSN = "postgres://localhost/ava"
	cfg.Scoring.Thresholds.Active = 10
	assert.ErrorContains(t, cfg.Validate(), "thresholds")
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ava.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: postgres://db.internal/ava
evaluation:
  batch_max_events: 8
  engine: fast
jobs:
  nightly_hour_utc: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.internal/ava", cfg.Postgres.DSN)
	assert.Equal(t, 8, cfg.Evaluation.BatchMaxEvents)
	assert.Equal(t, "fast", cfg.Evaluation.Engine)
	assert.Equal(t, 4, cfg.Jobs.NightlyHourUTC)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5000, cfg.Evaluation.BatchIntervalMs)
	assert.Equal(t, 29, cfg.Scoring.Thresholds.Monitor)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ava.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: postgres://db.internal/ava
evaluation:
  engine: llm
`), 0o644))

	t.Setenv("AVA_EVAL_ENGINE", "auto")
	t.Setenv("AVA_SHADOW_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Evaluation.Engine)
	assert.False(t, cfg.Shadow.Enabled)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/ava.yaml")
	assert.Error(t, err)
}
