package di

import (
	"bytes"
	"testing"

	"github.com/mikey/phishguard/internal/aggregator"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/pipeline"
	"github.com/mikey/phishguard/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContainerResolvesDaemonGraph(t *testing.T) {
	container, err := BuildContainerWith(func() (*config.Config, error) {
		cfg := config.NewFromViper(config.NewEmptyViper())
		cfg.Set("intake.smtp.enabled", true)
		cfg.Set("intake.smtp.listen_address", "127.0.0.1:0")
		return cfg, nil
	})
	require.NoError(t, err)

	err = container.Invoke(func(svc *pipeline.Service, agg *aggregator.Aggregator, store core.Store, submitter ports.Submitter, intakes []ports.Intake) {
		assert.NotNil(t, svc)
		assert.NotNil(t, agg)
		assert.NotNil(t, store)
		assert.Same(t, svc, submitter)
		assert.Len(t, intakes, 1)
	})
	assert.NoError(t, err)
}

func TestBuildContainerReportsBadConfig(t *testing.T) {
	container, err := BuildContainerWith(func() (*config.Config, error) {
		cfg := config.NewFromViper(config.NewEmptyViper())
		cfg.Set("store.type", "postgres")
		return cfg, nil
	})
	require.NoError(t, err)

	err = container.Invoke(func(svc *pipeline.Service) {})
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"-mbox", "inbox.mbox", "-format", "csv", "-resolve"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "inbox.mbox", flags.MboxFile)
	assert.Equal(t, "csv", flags.Format)
	assert.True(t, flags.Resolve)
	assert.Equal(t, "", flags.InputFile)

	_, err = ParseFlags([]string{"-unknown"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestBuildCLIContainer(t *testing.T) {
	flags, err := ParseFlags([]string{"-rules", ""}, &bytes.Buffer{})
	require.NoError(t, err)

	container, err := BuildCLIContainer(flags)
	require.NoError(t, err)

	err = container.Invoke(func(cfg *config.Config, svc *pipeline.Service) {
		assert.Equal(t, "memory", cfg.GetStoreConfig().Type)
		assert.NotNil(t, svc)
	})
	assert.NoError(t, err)
}
