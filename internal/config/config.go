// Package config loads EngineConfig: the ambient configuration every
// long-running engine process needs (NATS connection, iteration
// limits, volume defaults) that has nothing to do with any one
// workflow manifest.
//
// Grounded on station/internal/config/config.go (viper-backed struct
// config, environment variable overrides) and
// internal/workflows/runtime/options.go's EnvOptions pattern
// (getenvDefault/getenvBool/getenvInt helpers, auto-detect embedded-vs-
// external NATS from the URL). Library: github.com/spf13/viper +
// github.com/spf13/afero, so config files can be loaded from an
// in-memory filesystem in tests the same way the teacher does.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EngineConfig is every process-wide setting the engine package, the
// eventbus package, and the execution package's retry policy need.
type EngineConfig struct {
	NATSURL              string
	EventStreamName       string
	DefaultMaxIterations int
	VolumeSweepSpec       string
	RetryMaxAttempts      int
	RetryBaseBackoff      time.Duration
	RetryMaxBackoff       time.Duration
	DebugLogging          bool
}

// Defaults returns an EngineConfig matching the teacher's own
// EnvOptions defaults: embedded NATS (empty URL), a conservative
// iteration ceiling, and a one-minute volume sweep.
func Defaults() EngineConfig {
	return EngineConfig{
		NATSURL:              "",
		EventStreamName:      "FRACTAL_EVENTS",
		DefaultMaxIterations: 25,
		VolumeSweepSpec:      "@every 1m",
		RetryMaxAttempts:     4,
		RetryBaseBackoff:     250 * time.Millisecond,
		RetryMaxBackoff:      8 * time.Second,
		DebugLogging:         false,
	}
}

// Load reads an EngineConfig from path using fs, falling back to
// Defaults() for any key the file omits, and then letting
// FRACTAL_-prefixed environment variables override the result —
// exactly the precedence order (file, then env) the teacher's own
// config.go documents.
func Load(fs afero.Fs, path string) (EngineConfig, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetEnvPrefix("FRACTAL")
	v.AutomaticEnv()

	v.SetDefault("nats_url", cfg.NATSURL)
	v.SetDefault("event_stream_name", cfg.EventStreamName)
	v.SetDefault("default_max_iterations", cfg.DefaultMaxIterations)
	v.SetDefault("volume_sweep_spec", cfg.VolumeSweepSpec)
	v.SetDefault("retry_max_attempts", cfg.RetryMaxAttempts)
	v.SetDefault("retry_base_backoff", cfg.RetryBaseBackoff)
	v.SetDefault("retry_max_backoff", cfg.RetryMaxBackoff)
	v.SetDefault("debug_logging", cfg.DebugLogging)

	if exists, err := afero.Exists(fs, path); err != nil {
		return cfg, fmt.Errorf("config: check %q: %w", path, err)
	} else if exists {
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	cfg.NATSURL = v.GetString("nats_url")
	cfg.EventStreamName = v.GetString("event_stream_name")
	cfg.DefaultMaxIterations = v.GetInt("default_max_iterations")
	cfg.VolumeSweepSpec = v.GetString("volume_sweep_spec")
	cfg.RetryMaxAttempts = v.GetInt("retry_max_attempts")
	cfg.RetryBaseBackoff = v.GetDuration("retry_base_backoff")
	cfg.RetryMaxBackoff = v.GetDuration("retry_max_backoff")
	cfg.DebugLogging = v.GetBool("debug_logging")

	return cfg, nil
}
