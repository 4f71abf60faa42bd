package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/service"
	"github.com/openfroyo/linkval/pkg/stores"
	"github.com/openfroyo/linkval/pkg/telemetry"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// Default returns the documented default configuration.
func Default() *ServiceConfig {
	tel := telemetry.DefaultConfig()
	cc := cache.DefaultConfig()
	wc := warmer.DefaultConfig()
	bc := guard.DefaultBreakerConfig()
	rp := guard.DefaultRetryPolicy()
	wr := guard.DefaultWrapperConfig()
	sc := service.DefaultConfig()

	cfg := &ServiceConfig{}

	cfg.Telemetry.ServiceName = tel.ServiceName
	cfg.Telemetry.Environment = tel.Environment
	cfg.Telemetry.Log.Level = tel.Logging.Level
	cfg.Telemetry.Log.Format = tel.Logging.Format
	cfg.Telemetry.Log.Output = tel.Logging.Output
	cfg.Telemetry.Tracing.Enabled = tel.Tracing.Enabled
	cfg.Telemetry.Tracing.Exporter = tel.Tracing.Exporter
	cfg.Telemetry.Tracing.SamplingRate = tel.Tracing.SamplingRate
	cfg.Telemetry.Tracing.Insecure = tel.Tracing.Insecure
	cfg.Telemetry.Metrics.Enabled = tel.Metrics.Enabled
	cfg.Telemetry.Metrics.ListenAddress = tel.Metrics.ListenAddress
	cfg.Telemetry.Metrics.Path = tel.Metrics.Path
	cfg.Telemetry.Metrics.Namespace = tel.Metrics.Namespace
	cfg.Telemetry.Events.Enabled = tel.Events.Enabled
	cfg.Telemetry.Events.BufferSize = tel.Events.BufferSize
	cfg.Telemetry.Events.MinLevel = tel.Events.MinLevel

	cfg.Resolver.MaxDepth = engine.DefaultMaxDepth
	cfg.Compiler.Options = compiler.DefaultOptions.String()

	cfg.Cache = CacheConfig{
		Shards:          cc.Shards,
		MaxEntries:      cc.MaxEntries,
		MaxBytes:        cc.MaxBytes,
		TTL:             cc.TTL,
		SlowTierTimeout: cc.SlowTierTimeout,
		JanitorInterval: sc.JanitorInterval,
	}

	cfg.Store = StoreConfig{
		Path:       "linkval.db",
		StaleAfter: sc.StaleAfter,
	}

	cfg.Warmer = WarmerConfig{
		Enabled:             true,
		Interval:            wc.Interval,
		BatchSize:           wc.BatchSize,
		MaxConcurrent:       wc.MaxConcurrent,
		PriorityThreshold:   wc.PriorityThreshold,
		HistorySize:         wc.HistorySize,
		FrequencyWindow:     wc.FrequencyWindow,
		PatternWindow:       wc.PatternWindow,
		Lookahead:           wc.Lookahead,
		MaxEstimatedCompile: wc.MaxEstimatedCompile,
	}

	cfg.Guard.MaxDepth = wr.MaxDepth
	cfg.Guard.StatsWindow = wr.StatsWindow
	cfg.Guard.Breaker.FailureThreshold = bc.FailureThreshold
	cfg.Guard.Breaker.RecoveryTimeout = bc.RecoveryTimeout
	cfg.Guard.Breaker.SuccessThreshold = bc.SuccessThreshold
	cfg.Guard.Retry.MaxAttempts = rp.MaxAttempts
	cfg.Guard.Retry.InitialDelay = rp.InitialDelay
	cfg.Guard.Retry.MaxDelay = rp.MaxDelay
	cfg.Guard.Retry.Multiplier = rp.Multiplier

	cfg.Workers.Validation = sc.ValidationWorkers
	cfg.Workers.Compile = sc.CompileWorkers

	return cfg
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*ServiceConfig, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's struct constraints.
func (c *ServiceConfig) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		out := make(ValidationErrors, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			})
		}
		return engine.NewPermanentError("invalid configuration", out).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// newValidator returns a validator that also understands compile option
// lists.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("compiler_options", func(fl validator.FieldLevel) bool {
		_, ok := compiler.ParseOptions(fl.Field().String())
		return ok
	})
	return v
}

// CompileOptions returns the parsed compile options.
func (c *ServiceConfig) CompileOptions() compiler.Options {
	opts, ok := compiler.ParseOptions(c.Compiler.Options)
	if !ok {
		return compiler.DefaultOptions
	}
	return opts
}

// ToTelemetryConfig maps the telemetry section onto telemetry.Config. The
// environment picks the base profile; "production" turns on log sampling
// and drops caller information.
func (c *ServiceConfig) ToTelemetryConfig() *telemetry.Config {
	t := c.Telemetry

	var tel *telemetry.Config
	switch t.Environment {
	case "production", "prod":
		tel = telemetry.ProductionConfig()
		tel.Logging.EnableCaller = false
	default:
		tel = telemetry.DefaultConfig()
		if t.Environment != "" {
			tel.Environment = t.Environment
		}
	}

	tel.ServiceName = t.ServiceName
	tel.Logging.Level = t.Log.Level
	tel.Logging.Format = t.Log.Format
	tel.Logging.Output = t.Log.Output
	tel.Tracing.Enabled = t.Tracing.Enabled
	tel.Tracing.Exporter = t.Tracing.Exporter
	tel.Tracing.Endpoint = t.Tracing.Endpoint
	tel.Tracing.SamplingRate = t.Tracing.SamplingRate
	tel.Tracing.Insecure = t.Tracing.Insecure
	tel.Metrics.Enabled = t.Metrics.Enabled
	tel.Metrics.ListenAddress = t.Metrics.ListenAddress
	tel.Metrics.Path = t.Metrics.Path
	tel.Metrics.Namespace = t.Metrics.Namespace
	tel.Events.Enabled = t.Events.Enabled
	tel.Events.BufferSize = t.Events.BufferSize
	tel.Events.MinLevel = t.Events.MinLevel

	return tel
}

// ToServiceConfig maps the configuration onto service.Config.
func (c *ServiceConfig) ToServiceConfig() service.Config {
	sc := service.DefaultConfig()

	sc.Resolver = engine.ResolverOptions{MaxDepth: c.Resolver.MaxDepth}
	opts := c.CompileOptions()
	sc.Options = &opts

	sc.Cache = cache.Config{
		Shards:          c.Cache.Shards,
		MaxEntries:      c.Cache.MaxEntries,
		MaxBytes:        c.Cache.MaxBytes,
		TTL:             c.Cache.TTL,
		SlowTierTimeout: c.Cache.SlowTierTimeout,
	}
	sc.JanitorInterval = c.Cache.JanitorInterval

	if c.Store.Enabled {
		sc.Store = stores.Config{Path: c.Store.Path}
	}
	sc.StaleAfter = c.Store.StaleAfter

	sc.WarmerEnabled = c.Warmer.Enabled
	sc.Warmer = warmer.Config{
		Interval:            c.Warmer.Interval,
		BatchSize:           c.Warmer.BatchSize,
		MaxConcurrent:       c.Warmer.MaxConcurrent,
		PriorityThreshold:   c.Warmer.PriorityThreshold,
		HistorySize:         c.Warmer.HistorySize,
		FrequencyWindow:     c.Warmer.FrequencyWindow,
		PatternWindow:       c.Warmer.PatternWindow,
		Lookahead:           c.Warmer.Lookahead,
		MaxEstimatedCompile: c.Warmer.MaxEstimatedCompile,
	}

	sc.Wrapper = guard.WrapperConfig{
		MaxDepth:       c.Guard.MaxDepth,
		RedactMessages: c.Guard.RedactMessages,
		StatsWindow:    c.Guard.StatsWindow,
	}
	sc.Manager = guard.DefaultManagerConfig()
	sc.Manager.StatsWindow = c.Guard.StatsWindow
	sc.Manager.Breaker = guard.BreakerConfig{
		FailureThreshold: c.Guard.Breaker.FailureThreshold,
		RecoveryTimeout:  c.Guard.Breaker.RecoveryTimeout,
		SuccessThreshold: c.Guard.Breaker.SuccessThreshold,
	}
	sc.Manager.Retry = guard.RetryPolicy{
		MaxAttempts:  c.Guard.Retry.MaxAttempts,
		InitialDelay: c.Guard.Retry.InitialDelay,
		MaxDelay:     c.Guard.Retry.MaxDelay,
		Multiplier:   c.Guard.Retry.Multiplier,
	}

	sc.ValidationWorkers = c.Workers.Validation
	sc.CompileWorkers = c.Workers.Compile

	return sc
}
