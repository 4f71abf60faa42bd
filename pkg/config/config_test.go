package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/warmer"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, engine.DefaultMaxDepth, cfg.Resolver.MaxDepth)
	assert.Equal(t, compiler.DefaultOptions, cfg.CompileOptions())
	assert.Equal(t, warmer.DefaultInterval, cfg.Warmer.Interval)
	assert.Equal(t, guard.DefaultFailureThreshold, cfg.Guard.Breaker.FailureThreshold)
	assert.False(t, cfg.Store.Enabled)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
telemetry:
  log:
    level: debug
    format: json
compiler:
  options: patterns|types|failfast
cache:
  max_entries: 500
  ttl: 10m
store:
  enabled: true
  path: /tmp/linkval.db
  stale_after: 72h
warmer:
  max_concurrent: 8
  priority_threshold: 0.25
guard:
  breaker:
    failure_threshold: 2
    recovery_timeout: 5s
workers:
  compile: 2
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Telemetry.Log.Level)
	assert.Equal(t, "json", cfg.Telemetry.Log.Format)
	assert.Equal(t, "stdout", cfg.Telemetry.Log.Output, "untouched fields keep defaults")
	assert.Equal(t, compiler.CompilePatterns|compiler.CheckTypes|compiler.FailFast, cfg.CompileOptions())
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 72*time.Hour, cfg.Store.StaleAfter)

	sc := cfg.ToServiceConfig()
	require.NotNil(t, sc.Options)
	assert.Equal(t, compiler.CompilePatterns|compiler.CheckTypes|compiler.FailFast, *sc.Options)
	assert.Equal(t, 500, sc.Cache.MaxEntries)
	assert.Equal(t, "/tmp/linkval.db", sc.Store.Path)
	assert.Equal(t, 8, sc.Warmer.MaxConcurrent)
	assert.Equal(t, 0.25, sc.Warmer.PriorityThreshold)
	assert.Equal(t, 2, sc.Manager.Breaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, sc.Manager.Breaker.RecoveryTimeout)
	assert.Equal(t, 2, sc.CompileWorkers)
	assert.True(t, sc.WarmerEnabled)

	tel := cfg.ToTelemetryConfig()
	assert.Equal(t, "debug", tel.Logging.Level)
	assert.Equal(t, "json", tel.Logging.Format)
	require.NoError(t, tel.Validate())
}

func TestToTelemetryConfig_Environment(t *testing.T) {
	cfg, err := Parse([]byte("telemetry:\n  environment: production\n  events:\n    min_level: warning\n"))
	require.NoError(t, err)

	tel := cfg.ToTelemetryConfig()
	assert.Equal(t, "production", tel.Environment)
	assert.True(t, tel.Logging.EnableSampling)
	assert.False(t, tel.Logging.EnableCaller)
	assert.Equal(t, "warning", tel.Events.MinLevel)
	require.NoError(t, tel.Validate())

	dev := Default().ToTelemetryConfig()
	assert.False(t, dev.Logging.EnableSampling)
	assert.Empty(t, dev.Events.MinLevel)
}

func TestToServiceConfig_NoOptions(t *testing.T) {
	cfg, err := Parse([]byte("compiler:\n  options: none\n"))
	require.NoError(t, err)

	sc := cfg.ToServiceConfig()
	require.NotNil(t, sc.Options)
	assert.Equal(t, compiler.Options(0), *sc.Options)
}

func TestStoreDisabledLeavesPathEmpty(t *testing.T) {
	sc := Default().ToServiceConfig()
	assert.Empty(t, sc.Store.Path)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{name: "bad log level", doc: "telemetry:\n  log:\n    level: loud\n", path: "Level"},
		{name: "bad compile option", doc: "compiler:\n  options: patterns|turbo\n", path: "Options"},
		{name: "zero shards", doc: "cache:\n  shards: 0\n", path: "Shards"},
		{name: "store without path", doc: "store:\n  enabled: true\n  path: \"\"\n", path: "Path"},
		{name: "threshold above one", doc: "warmer:\n  priority_threshold: 1.5\n", path: "PriorityThreshold"},
		{name: "max delay below initial", doc: "guard:\n  retry:\n    initial_delay: 2s\n    max_delay: 1s\n", path: "MaxDelay"},
		{name: "bad event level", doc: "telemetry:\n  events:\n    min_level: loud\n", path: "MinLevel"},
		{name: "otlp without endpoint", doc: "telemetry:\n  tracing:\n    exporter: otlp\n", path: "Endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.NotEmpty(t, verrs)
			assert.Contains(t, verrs[0].Path, tt.path)
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("cache:\n  max_entires: 10\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "linkval.yaml", "workers:\n  validation: 3\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.Validation)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
