package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, 300*time.Second, cfg.CheckTimeout)
	assert.Equal(t, 2000, cfg.CheckOutputLimit)
	assert.Equal(t, "main", cfg.DefaultTarget)
	assert.False(t, cfg.AutoConfirm)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONVERGE_STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://converge@localhost:5432/converge")
	t.Setenv("CONVERGE_BATCH_SIZE", "25")
	t.Setenv("CONVERGE_AUTO_CONFIRM", "true")
	t.Setenv("CONVERGE_POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.True(t, cfg.AutoConfirm)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestValidate(t *testing.T) {
	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("CONVERGE_STORAGE", "postgres")
		t.Setenv("DATABASE_URL", "")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("CONVERGE_STORAGE", "dynamo")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("invalid int falls back to default", func(t *testing.T) {
		t.Setenv("CONVERGE_BATCH_SIZE", "many")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.BatchSize)
	})
}
