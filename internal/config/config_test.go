package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkhive/meridian/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"MERIDIAN_QDRANT_HOST", "MERIDIAN_QDRANT_PORT", "SCHEDULER_ENABLED",
		"MEMORY_QUALITY_ENFORCEMENT", "USE_LEARNED_FUSION",
	} {
		_ = os.Unsetenv(key)
	}

	cfg := config.Load()

	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "warn", cfg.Quality.QualityEnforcement)
	assert.True(t, cfg.Features.UseLearnedFusion)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MERIDIAN_QDRANT_HOST", "qdrant.internal")
	t.Setenv("MERIDIAN_QDRANT_PORT", "9999")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("MEMORY_QUALITY_ENFORCEMENT", "strict")
	t.Setenv("MEMORY_MIN_QUALITY_SCORE", "80")

	cfg := config.Load()

	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, 9999, cfg.Qdrant.Port)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "strict", cfg.Quality.QualityEnforcement)
	assert.Equal(t, 80, cfg.Quality.MinQualityScore)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("MERIDIAN_QDRANT_PORT", "not-a-number")
	cfg := config.Load()
	assert.Equal(t, 6334, cfg.Qdrant.Port)
}

func TestSettingsSource_MissingFileUsesDefaults(t *testing.T) {
	src := config.NewSettingsSource(filepath.Join(t.TempDir(), "absent.json"))
	settings, err := src.Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), settings)
}

func TestSettingsSource_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"dedupThreshold": 0.97,
		"purgeEnabled": true,
		"purgeRetentionDays": 30
	}`), 0o644))

	src := config.NewSettingsSource(path)
	settings, err := src.Load()
	require.NoError(t, err)

	assert.Equal(t, 0.97, settings.DedupThreshold)
	assert.True(t, settings.PurgeEnabled)
	assert.Equal(t, 30, settings.PurgeRetentionDays)
	// Unset keys still fall back to the hardcoded defaults.
	assert.Equal(t, config.DefaultSettings().AutoSupersedeThreshold, settings.AutoSupersedeThreshold)
}

func TestSettingsSource_ReloadsOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dedupThreshold": 0.90}`), 0o644))
	src := config.NewSettingsSource(path)

	first, err := src.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.90, first.DedupThreshold)

	require.NoError(t, os.WriteFile(path, []byte(`{"dedupThreshold": 0.80}`), 0o644))
	second, err := src.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.80, second.DedupThreshold)
}

func TestSettingsSource_MalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not valid json`), 0o644))

	src := config.NewSettingsSource(path)
	_, err := src.Load()
	assert.Error(t, err)
}
