package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikey/phishguard/internal/adapters/store"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConfig() *config.Config {
	return config.NewFromViper(config.NewEmptyViper())
}

func TestCreateStore(t *testing.T) {
	cfg := newConfig()
	f := NewStoreFactory(cfg, zap.NewNop())

	st, err := f.CreateStore()
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	cfg.Set("store.type", "sqlite")
	cfg.Set("store.sqlite_path", filepath.Join(t.TempDir(), "nested", "phishguard.db"))
	st, err = f.CreateStore()
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Create(context.Background(), &core.Task{ID: "t1", Kind: core.SourceContent, Status: core.StatusQueued}))

	cfg.Set("store.type", "postgres")
	_, err = f.CreateStore()
	assert.ErrorContains(t, err, "unsupported store type: postgres")
}

func TestCreateAnalysisComponents(t *testing.T) {
	cfg := newConfig()
	f := NewAnalysisFactory(cfg, zap.NewNop())

	detectors, err := f.CreateDetectors()
	require.NoError(t, err)
	require.Len(t, detectors, len(core.Categories))
	for i, cat := range core.Categories {
		assert.Equal(t, cat, detectors[i].Category())
	}

	scorer, err := f.CreateScorer()
	require.NoError(t, err)
	parser := f.CreateParser(f.CreateTextProcessor())

	_, err = pipeline.NewService(pipeline.DefaultConfig(), store.NewMemoryStore(zap.NewNop()), parser, detectors, scorer, nil, zap.NewNop())
	assert.NoError(t, err)
}

func TestCreateDetectorsWithRulesFile(t *testing.T) {
	cfg := newConfig()
	f := NewAnalysisFactory(cfg, zap.NewNop())

	cfg.Set("detection.rules_file", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := f.CreateDetectors()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	cfg.Set("detection.rules_file", path)
	detectors, err := f.CreateDetectors()
	require.NoError(t, err)
	assert.Len(t, detectors, len(core.Categories))
}

func TestCreateScorerRejectsBadWeights(t *testing.T) {
	cfg := newConfig()
	cfg.Set("scoring.importance.link", 0.9)
	_, err := NewAnalysisFactory(cfg, zap.NewNop()).CreateScorer()
	assert.ErrorContains(t, err, "invalid scoring configuration")
}

func TestCreateIntakes(t *testing.T) {
	cfg := newConfig()
	f := NewIntakeFactory(cfg, zap.NewNop(), nil)

	intakes, err := f.CreateIntakes()
	require.NoError(t, err)
	assert.Empty(t, intakes)

	cfg.Set("intake.smtp.enabled", true)
	intakes, err = f.CreateIntakes()
	require.NoError(t, err)
	assert.Len(t, intakes, 1)

	cfg.Set("intake.smtp.read_timeout", "forever")
	_, err = f.CreateIntakes()
	assert.Error(t, err)
}

func TestCreatePublisher(t *testing.T) {
	cfg := newConfig()
	f := NewEventsFactory(cfg, zap.NewNop())

	publisher, err := f.CreatePublisher()
	require.NoError(t, err)
	assert.Nil(t, publisher)

	cfg.Set("events.type", "kafka")
	_, err = f.CreatePublisher()
	assert.ErrorContains(t, err, "unsupported events type: kafka")
}
