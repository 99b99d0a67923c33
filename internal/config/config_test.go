package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchComponentDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	orch, err := cfg.GetOrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, pipeline.DefaultConfig(), orch)

	scoring, err := cfg.GetScoringConfig()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultScoringConfig(), scoring)

	store := cfg.GetStoreConfig()
	assert.Equal(t, "memory", store.Type)
	assert.Equal(t, "phishguard:", store.RedisPrefix)

	det, err := cfg.GetDetectionConfig()
	require.NoError(t, err)
	assert.False(t, det.Options.ResolveDomains)
	assert.Equal(t, 2*time.Second, det.Options.ResolveTimeout)

	agg, err := cfg.GetAggregatorConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, agg.FlushInterval)

	smtp, err := cfg.GetSMTPConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(orch.MaxFileBytes), smtp.MaxMessageBytes)
	assert.False(t, cfg.SMTPIntakeEnabled())

	assert.Equal(t, "none", cfg.GetEventsConfig().Type)
	assert.False(t, cfg.GetMetricsConfig().Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  workers: 8
  task_timeout: 45s
store:
  type: sqlite
  sqlite_path: /tmp/phishguard.db
scoring:
  high_threshold: 0.8
`), 0o644))
	t.Setenv("PHISHGUARD_STORE_TYPE", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	orch, err := cfg.GetOrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, orch.Workers)
	assert.Equal(t, 45*time.Second, orch.TaskTimeout)
	assert.Equal(t, pipeline.DefaultQueueTimeout, orch.QueueTimeout)

	assert.Equal(t, "redis", cfg.GetStoreConfig().Type)
	assert.Equal(t, "/tmp/phishguard.db", cfg.GetStoreConfig().SQLitePath)

	scoring, err := cfg.GetScoringConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.8, scoring.HighThreshold)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidValues(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())
	cfg.Set("orchestrator.task_timeout", "soon")
	cfg.Set("orchestrator.retry_backoff", "later")

	_, err := cfg.GetOrchestratorConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator.task_timeout")
	assert.Contains(t, err.Error(), "orchestrator.retry_backoff")

	cfg = NewFromViper(NewEmptyViper())
	cfg.Set("orchestrator.workers", 0)
	_, err = cfg.GetOrchestratorConfig()
	assert.Error(t, err)

	cfg.Set("scoring.medium_threshold", 0.9)
	_, err = cfg.GetScoringConfig()
	assert.Error(t, err)
}
