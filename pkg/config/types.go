package config

import (
	"fmt"
	"strings"
	"time"
)

// ServiceConfig is the on-disk configuration of a linkval service.
type ServiceConfig struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Resolver configures inheritance resolution.
	Resolver ResolverConfig `yaml:"resolver"`

	// Compiler selects the compile options used for every cache key.
	Compiler CompilerConfig `yaml:"compiler"`

	// Cache configures the in-memory validator cache.
	Cache CacheConfig `yaml:"cache"`

	// Store configures the persistent cache tier and access history.
	Store StoreConfig `yaml:"store"`

	// Warmer configures speculative cache warming.
	Warmer WarmerConfig `yaml:"warmer"`

	// Guard configures panic capture, circuit breakers and retries.
	Guard GuardConfig `yaml:"guard"`

	// Workers sizes the request and compile pools.
	Workers WorkersConfig `yaml:"workers"`
}

// TelemetryConfig is the YAML form of telemetry.Config.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`
	Environment string `yaml:"environment"`

	Log struct {
		Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal disabled"`
		Format string `yaml:"format" validate:"oneof=console json"`
		Output string `yaml:"output" validate:"required"`
	} `yaml:"log"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
		Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
		SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
		Insecure     bool    `yaml:"insecure"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
		Path          string `yaml:"path" validate:"startswith=/"`
		Namespace     string `yaml:"namespace"`
	} `yaml:"metrics"`

	Events struct {
		Enabled    bool `yaml:"enabled"`
		BufferSize int    `yaml:"buffer_size" validate:"gte=1"`
		MinLevel   string `yaml:"min_level" validate:"omitempty,oneof=info warning error"`
	} `yaml:"events"`
}

// ResolverConfig configures inheritance resolution.
type ResolverConfig struct {
	// MaxDepth bounds inheritance chains.
	MaxDepth int `yaml:"max_depth" validate:"gte=1,lte=10000"`
}

// CompilerConfig configures validator compilation.
type CompilerConfig struct {
	// Options is a "|" or "," separated list of compile flags, for example
	// "patterns|ranges|types|enums".
	Options string `yaml:"options" validate:"compiler_options"`
}

// CacheConfig configures the in-memory cache tier.
type CacheConfig struct {
	Shards          int           `yaml:"shards" validate:"gte=1,lte=1024"`
	MaxEntries      int           `yaml:"max_entries" validate:"gte=1"`
	MaxBytes        int64         `yaml:"max_bytes" validate:"gte=1"`
	TTL             time.Duration `yaml:"ttl" validate:"gte=0"`
	SlowTierTimeout time.Duration `yaml:"slow_tier_timeout" validate:"gt=0"`
	JanitorInterval time.Duration `yaml:"janitor_interval" validate:"gt=0"`
}

// StoreConfig configures the SQLite slow tier.
type StoreConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path" validate:"required_if=Enabled true"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"`
}

// WarmerConfig configures the cache warmer.
type WarmerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize           int           `yaml:"batch_size" validate:"gte=1"`
	MaxConcurrent       int           `yaml:"max_concurrent" validate:"gte=1,lte=256"`
	PriorityThreshold   float64       `yaml:"priority_threshold" validate:"gte=0,lte=1"`
	HistorySize         int           `yaml:"history_size" validate:"gte=1"`
	FrequencyWindow     time.Duration `yaml:"frequency_window" validate:"gt=0"`
	PatternWindow       time.Duration `yaml:"pattern_window" validate:"gt=0"`
	Lookahead           time.Duration `yaml:"lookahead" validate:"gt=0"`
	MaxEstimatedCompile time.Duration `yaml:"max_estimated_compile" validate:"gt=0"`
}

// GuardConfig configures the error-recovery manager.
type GuardConfig struct {
	MaxDepth       int           `yaml:"max_depth" validate:"gte=1"`
	RedactMessages bool          `yaml:"redact_messages"`
	StatsWindow    time.Duration `yaml:"stats_window" validate:"gt=0"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout" validate:"gt=0"`
		SuccessThreshold int           `yaml:"success_threshold" validate:"gte=1"`
	} `yaml:"breaker"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
		InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
		MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
		Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	} `yaml:"retry"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	Validation int `yaml:"validation" validate:"gte=1"`
	Compile    int `yaml:"compile" validate:"gte=1"`
}

// ValidationError is one problem found in a configuration or schema
// document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "classes.Person.is_a").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one document.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].String()
	}
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return fmt.Sprintf("%d validation errors: %s", len(es), strings.Join(parts, "; "))
}
