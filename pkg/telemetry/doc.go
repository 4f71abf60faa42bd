// Package telemetry provides observability instrumentation for linkval.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a single
// Telemetry value that the service threads through its context.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv, err := tel.StartMetricsServer()
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("cache")
//	logger = logger.WithSchema(schemaID, hash).WithClass("Person")
//	logger.WithError(err).Error("compile failed")
//
// # Distributed Tracing
//
// Span helpers exist for the resolve, compile, validate and warm paths:
//
//	ctx, span := tel.Tracer.StartCompileSpan(ctx, key.String(), key.ClassName)
//	defer span.End()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// All recording methods are safe on a nil or disabled *Metrics. Metric names
// are prefixed with the configured namespace (default "linkval"):
//
//   - cache_lookups_total{tier,result}, cache_evictions_total{reason}
//   - cache_entries, cache_bytes
//   - compilations_total{status}, compile_duration_seconds{status}
//   - resolve_duration_seconds{status}
//   - validations_total{status}, validation_duration_seconds, active_validations
//   - warming_tasks_total{status}, warming_cycle_duration_seconds, access_history_entries
//   - panics_recovered_total{operation}, circuit_state{dependency}, retries_total{dependency,kind}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//
// # Events
//
// The EventPublisher delivers events to subscribers either synchronously or
// through a buffered channel. Event types cover schema loads, compilations,
// cache degradation, warming cycles, circuit transitions and recovered panics.
package telemetry
