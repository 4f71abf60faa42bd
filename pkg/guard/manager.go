package guard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

// Default error history settings.
const (
	DefaultErrorHistory = 1000
	errorHistoryDrop    = 100
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Breaker      BreakerConfig
	Retry        RetryPolicy
	StatsWindow  time.Duration
	HistoryLimit int
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Breaker:      DefaultBreakerConfig(),
		Retry:        DefaultRetryPolicy(),
		StatsWindow:  DefaultStatsWindow,
		HistoryLimit: DefaultErrorHistory,
	}
}

// ErrorRecord is one failed attempt seen by the manager.
type ErrorRecord struct {
	Dependency string    `json:"dependency"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorStats summarizes recent failures and breaker states.
type ErrorStats struct {
	TotalErrors       uint64            `json:"total_errors"`
	RecentErrors      int               `json:"recent_errors"`
	RecoverableErrors int               `json:"recoverable_errors"`
	ByKind            map[Kind]int      `json:"by_kind"`
	ByDependency      map[string]int    `json:"by_dependency"`
	Retries           uint64            `json:"retries"`
	Recoveries        uint64            `json:"recoveries"`
	Circuits          map[string]string `json:"circuits"`
	OpenCircuits      []string          `json:"open_circuits,omitempty"`
}

// Manager coordinates circuit breakers, retries and error accounting for
// named dependencies.
type Manager struct {
	cfg     ManagerConfig
	wrapper *Wrapper
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	breakers sync.Map // dependency -> *CircuitBreaker

	history     *Locked[[]ErrorRecord]
	totalErrors atomic.Uint64
	retries     atomic.Uint64
	recoveries  atomic.Uint64
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the metrics sink.
func WithManagerMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithManagerEvents sets the event publisher for circuit transitions.
func WithManagerEvents(ep *telemetry.EventPublisher) ManagerOption {
	return func(m *Manager) { m.events = ep }
}

// WithManagerClock overrides the clock used by breakers and statistics.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSleep overrides how the manager waits between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a Manager. A nil wrapper gets a default one.
func NewManager(cfg ManagerConfig, wrapper *Wrapper, opts ...ManagerOption) *Manager {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultStatsWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultErrorHistory
	}
	if wrapper == nil {
		wrapper = NewWrapper(DefaultWrapperConfig())
	}
	m := &Manager{
		cfg:     cfg,
		wrapper: wrapper,
		logger:  telemetry.NewNopLogger(),
		now:     time.Now,
		sleep:   sleepContext,
		history: NewLocked[[]ErrorRecord](nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrapper returns the panic wrapper used for guarded calls.
func (m *Manager) Wrapper() *Wrapper {
	return m.wrapper
}

// Breaker returns the breaker for dependency, creating it on first use.
func (m *Manager) Breaker(dependency string) *CircuitBreaker {
	if b, ok := m.breakers.Load(dependency); ok {
		return b.(*CircuitBreaker)
	}
	b := NewCircuitBreaker(dependency, m.cfg.Breaker, m.now, m.onStateChange)
	actual, _ := m.breakers.LoadOrStore(dependency, b)
	return actual.(*CircuitBreaker)
}

// Available reports whether dependency currently accepts calls without
// changing breaker state.
func (m *Manager) Available(dependency string) bool {
	return m.Breaker(dependency).State() != StateOpen
}

// Do runs op against dependency with panic recovery, the dependency's circuit
// breaker and the retry policy. Errors that should degrade are returned
// without retry so the caller can fall back.
func (m *Manager) Do(ctx context.Context, dependency string, op func(context.Context) error) error {
	breaker := m.Breaker(dependency)
	policy := m.cfg.Retry

	for attempt := 0; ; attempt++ {
		if err := breaker.Allow(); err != nil {
			m.record(dependency, KindCircuitOpen, err)
			return err
		}

		err := m.wrapper.Run(ctx, dependency, op)
		if err == nil {
			breaker.RecordSuccess()
			if attempt > 0 {
				m.recoveries.Add(1)
			}
			return nil
		}

		kind := Classify(err)
		m.record(dependency, kind, err)
		if kind != KindCanceled {
			breaker.RecordFailure()
		}
		traceFailure(ctx, dependency, breaker.State(), kind, err)

		if kind.Action() != ActionRetry || attempt+1 >= policy.MaxAttempts {
			return err
		}

		m.retries.Add(1)
		m.metrics.RecordRetry(dependency, string(kind))
		delay := policy.Backoff(attempt, kind)
		zl := m.logger.WithDependency(dependency).Zerolog()
		zl.Debug().
			Str("kind", string(kind)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("retrying guarded operation")

		if werr := m.sleep(ctx, delay); werr != nil {
			return err
		}
	}
}

func traceFailure(ctx context.Context, dependency string, state State, kind Kind, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	var code string
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		code = ee.Code
	}
	telemetry.AddGuardEvent(span, dependency, state.String(), string(kind), code, err)
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, m *Manager, dependency string, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, dependency, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (m *Manager) record(dependency string, kind Kind, err error) {
	m.totalErrors.Add(1)
	rec := ErrorRecord{
		Dependency: dependency,
		Kind:       kind,
		Message:    err.Error(),
		Timestamp:  m.now(),
	}
	limit := m.cfg.HistoryLimit
	_ = m.history.With(func(h *[]ErrorRecord) {
		if len(*h) >= limit {
			drop := errorHistoryDrop
			if drop > len(*h) {
				drop = len(*h)
			}
			*h = append((*h)[:0], (*h)[drop:]...)
		}
		*h = append(*h, rec)
	})
	m.metrics.RecordError(string(kind), "")
}

func (m *Manager) onStateChange(name string, from, to State) {
	zl := m.logger.WithDependency(name).Zerolog()
	zl.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit state changed")
	m.metrics.SetCircuitState(name, int(to))
	if m.events != nil {
		_ = m.events.PublishCircuitStateChanged(name, from.String(), to.String())
	}
}

// Stats returns a snapshot of recent errors and breaker states.
func (m *Manager) Stats() ErrorStats {
	stats := ErrorStats{
		TotalErrors:  m.totalErrors.Load(),
		ByKind:       make(map[Kind]int),
		ByDependency: make(map[string]int),
		Retries:      m.retries.Load(),
		Recoveries:   m.recoveries.Load(),
		Circuits:     make(map[string]string),
	}

	cutoff := m.now().Add(-m.cfg.StatsWindow)
	_ = m.history.With(func(h *[]ErrorRecord) {
		for _, rec := range *h {
			if rec.Timestamp.Before(cutoff) {
				continue
			}
			stats.RecentErrors++
			stats.ByKind[rec.Kind]++
			stats.ByDependency[rec.Dependency]++
			if rec.Kind.Recoverable() {
				stats.RecoverableErrors++
			}
		}
	})

	m.breakers.Range(func(key, value any) bool {
		b := value.(*CircuitBreaker)
		state := b.State()
		stats.Circuits[b.Name()] = state.String()
		if state == StateOpen {
			stats.OpenCircuits = append(stats.OpenCircuits, b.Name())
		}
		return true
	})
	sort.Strings(stats.OpenCircuits)

	return stats
}

// History returns a copy of the retained error records, oldest first.
func (m *Manager) History() []ErrorRecord {
	var out []ErrorRecord
	_ = m.history.With(func(h *[]ErrorRecord) {
		out = append(out, (*h)...)
	})
	return out
}
