package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "deep-research-pro-preview-12-2025", cfg.Gemini.Agent)
	assert.Equal(t, 55, cfg.Storage.RetentionDays)
	assert.Equal(t, 5*time.Minute, cfg.GetRefreshThreshold())
	assert.Equal(t, 120*time.Second, cfg.GetTimeout())
	assert.Equal(t, 55*24*time.Hour, cfg.GetRetention())
	assert.Equal(t, "genai", cfg.Embedding.Provider)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Gemini.Agent, cfg.Gemini.Agent)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gemini:
  agent: custom-agent
storage:
  retention_days: 7
monitor:
  refresh_threshold: 90s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-agent", cfg.Gemini.Agent)
	assert.Equal(t, 7, cfg.Storage.RetentionDays)
	assert.Equal(t, 90*time.Second, cfg.GetRefreshThreshold())
	// Unset keys keep their defaults.
	assert.Equal(t, "gemini-3-flash-preview", cfg.Gemini.QuickModel)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "env-key")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "env-key", cfg.Gemini.APIKey)
	})

	t.Run("env beats file", func(t *testing.T) {
		t.Setenv("RESEARCHD_AGENT", "env-agent")
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("gemini:\n  agent: file-agent\n"), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "env-agent", cfg.Gemini.Agent)
	})

	t.Run("retention days must be numeric and positive", func(t *testing.T) {
		t.Setenv("RESEARCHD_RETENTION_DAYS", "not-a-number")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, 55, cfg.Storage.RetentionDays)

		t.Setenv("RESEARCHD_RETENTION_DAYS", "-3")
		cfg.applyEnvOverrides()
		assert.Equal(t, 55, cfg.Storage.RetentionDays)

		t.Setenv("RESEARCHD_RETENTION_DAYS", "10")
		cfg.applyEnvOverrides()
		assert.Equal(t, 10, cfg.Storage.RetentionDays)
	})

	t.Run("storage dir", func(t *testing.T) {
		t.Setenv("RESEARCHD_STORAGE_DIR", "/tmp/elsewhere")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "/tmp/elsewhere", cfg.Storage.Dir)
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing API key must fail validation")

	cfg.Gemini.APIKey = "k"
	assert.NoError(t, cfg.Validate())

	cfg.Embedding.Provider = "mystery"
	assert.Error(t, cfg.Validate())

	cfg.Embedding.Provider = "none"
	cfg.Storage.RetentionDays = 0
	assert.Error(t, cfg.Validate())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gemini.Timeout = "garbage"
	cfg.Monitor.RefreshThreshold = ""
	assert.Equal(t, 120*time.Second, cfg.GetTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetRefreshThreshold())
}
