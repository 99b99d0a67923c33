package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) core.Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "phishguard.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phishguard.db")

	s, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), newTask("keep", core.StatusQueued, base)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
}
