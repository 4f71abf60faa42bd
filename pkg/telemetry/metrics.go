package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for linkval. A nil *Metrics and a
// disabled one are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Cache metrics
	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	cacheBytes     prometheus.Gauge

	// Resolver and compiler metrics
	resolveDuration *prometheus.HistogramVec
	compilations    *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec

	// Validation metrics
	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
	activeValidations  prometheus.Gauge

	// Warmer metrics
	warmingTasks         *prometheus.CounterVec
	warmingCycleDuration prometheus.Histogram
	historySize          prometheus.Gauge

	// Guard metrics
	panics       *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	retries      *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of validator cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of validator cache evictions by reason",
			},
			[]string{"reason"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of validators in the fast cache tier",
			},
		),
		cacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_bytes",
				Help:      "Estimated size of the fast cache tier in bytes",
			},
		),

		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Duration of class resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		compilations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Total number of validator compilations",
			},
			[]string{"status"},
		),
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of validator compilation in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total number of instance validations",
			},
			[]string{"status"},
		),
		validationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_duration_seconds",
				Help:      "Duration of instance validation in seconds",
				Buckets:   buckets,
			},
		),
		activeValidations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_validations",
				Help:      "Current number of in-flight validations",
			},
		),

		warmingTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warming_tasks_total",
				Help:      "Total number of cache warming tasks by outcome",
			},
			[]string{"status"},
		),
		warmingCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "warming_cycle_duration_seconds",
				Help:      "Duration of a cache warming cycle in seconds",
				Buckets:   buckets,
			},
		),
		historySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "access_history_entries",
				Help:      "Current number of entries in the access history",
			},
		),

		panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Total number of panics captured by guarded execution",
			},
			[]string{"operation"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried operations",
			},
			[]string{"dependency", "kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cacheLookups,
		m.cacheEvictions,
		m.cacheEntries,
		m.cacheBytes,
		m.resolveDuration,
		m.compilations,
		m.compileDuration,
		m.validations,
		m.validationDuration,
		m.activeValidations,
		m.warmingTasks,
		m.warmingCycleDuration,
		m.historySize,
		m.panics,
		m.circuitState,
		m.retries,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Cache Metrics

// RecordCacheLookup records a lookup against a cache tier ("fast" or "slow").
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordCacheEviction records an eviction ("capacity", "bytes", "ttl", "invalidate").
func (m *Metrics) RecordCacheEviction(reason string) {
	if !m.enabled() {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Inc()
}

// SetCacheSize sets the current fast tier occupancy.
func (m *Metrics) SetCacheSize(entries int, bytes int64) {
	if !m.enabled() {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheBytes.Set(float64(bytes))
}

// Resolver and Compiler Metrics

// RecordResolve records a class resolution.
func (m *Metrics) RecordResolve(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.resolveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCompilation records a validator compilation.
func (m *Metrics) RecordCompilation(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.compilations.WithLabelValues(status).Inc()
	m.compileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Validation Metrics

// RecordValidationStarted marks a validation as in flight.
func (m *Metrics) RecordValidationStarted() {
	if !m.enabled() {
		return
	}
	m.activeValidations.Inc()
}

// RecordValidationCompleted records a finished validation.
func (m *Metrics) RecordValidationCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.validations.WithLabelValues(status).Inc()
	m.validationDuration.Observe(duration.Seconds())
	m.activeValidations.Dec()
}

// Warmer Metrics

// RecordWarmingTask records the outcome of one warming task.
func (m *Metrics) RecordWarmingTask(status string) {
	if !m.enabled() {
		return
	}
	m.warmingTasks.WithLabelValues(status).Inc()
}

// RecordWarmingCycle records the duration of a warming cycle.
func (m *Metrics) RecordWarmingCycle(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.warmingCycleDuration.Observe(duration.Seconds())
}

// SetHistorySize sets the current access history length.
func (m *Metrics) SetHistorySize(n int) {
	if !m.enabled() {
		return
	}
	m.historySize.Set(float64(n))
}

// Guard Metrics

// RecordPanic records a captured panic.
func (m *Metrics) RecordPanic(operation string) {
	if !m.enabled() {
		return
	}
	m.panics.WithLabelValues(operation).Inc()
}

// SetCircuitState sets the numeric circuit state of a dependency.
func (m *Metrics) SetCircuitState(dependency string, state int) {
	if !m.enabled() {
		return
	}
	m.circuitState.WithLabelValues(dependency).Set(float64(state))
}

// RecordRetry records a retried operation.
func (m *Metrics) RecordRetry(dependency, kind string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(dependency, kind).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server can be shut down by the caller; it is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server, nil
}
