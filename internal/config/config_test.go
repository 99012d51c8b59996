package config_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/config"
)

func TestLoad_ReturnsDefaultsWhenFileMissing(t *testing.T) {
	fs := afero.NewMemMapFs()

	cfg, err := config.Load(fs, "/etc/fractal/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	const path = "/etc/fractal/config.yaml"
	content := []byte(`
nats_url: "nats://cluster.internal:4222"
default_max_iterations: 40
debug_logging: true
`)
	require.NoError(t, afero.WriteFile(fs, path, content, 0o644))

	cfg, err := config.Load(fs, path)
	require.NoError(t, err)

	assert.Equal(t, "nats://cluster.internal:4222", cfg.NATSURL)
	assert.Equal(t, 40, cfg.DefaultMaxIterations)
	assert.True(t, cfg.DebugLogging)
	// Untouched keys keep their default.
	assert.Equal(t, config.Defaults().VolumeSweepSpec, cfg.VolumeSweepSpec)
}

func TestLoad_PartialFileKeepsRemainingDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	const path = "/etc/fractal/config.yaml"
	require.NoError(t, afero.WriteFile(fs, path, []byte(`retry_max_attempts: 7`), 0o644))

	cfg, err := config.Load(fs, path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.RetryMaxAttempts)
	assert.Equal(t, config.Defaults().RetryBaseBackoff, cfg.RetryBaseBackoff)
}
