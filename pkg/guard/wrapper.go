package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

// Default wrapper limits.
const (
	DefaultMaxDepth     = 64
	DefaultStatsWindow  = 5 * time.Minute
	DefaultPanicHistory = 100
	panicHistoryDrop    = 10
)

// WrapperConfig configures guarded execution.
type WrapperConfig struct {
	// MaxDepth bounds nested guarded calls sharing one context.
	MaxDepth int

	// RedactMessages replaces panic payloads with a generic message and
	// omits stack traces from captured records.
	RedactMessages bool

	// StatsWindow is the recency window used by Stats.
	StatsWindow time.Duration

	// HistoryLimit bounds the number of retained panic records.
	HistoryLimit int
}

// DefaultWrapperConfig returns the default wrapper configuration.
func DefaultWrapperConfig() WrapperConfig {
	return WrapperConfig{
		MaxDepth:     DefaultMaxDepth,
		StatsWindow:  DefaultStatsWindow,
		HistoryLimit: DefaultPanicHistory,
	}
}

// PanicError is the error produced when a guarded operation panics.
type PanicError struct {
	Operation string
	Message   string
	Depth     int
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s at depth %d: %s", e.Operation, e.Depth, e.Message)
}

// PanicRecord is one captured panic.
type PanicRecord struct {
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}

// PanicStats summarizes captured panics.
type PanicStats struct {
	TotalPanics   uint64         `json:"total_panics"`
	RecentPanics  int            `json:"recent_panics"`
	DepthExceeded uint64         `json:"depth_exceeded"`
	ByOperation   map[string]int `json:"by_operation"`
	MaxDepthSeen  int            `json:"max_depth_seen"`
	Recent        []PanicRecord  `json:"recent,omitempty"`
}

// Wrapper runs operations with panic recovery and nesting limits.
type Wrapper struct {
	cfg     WrapperConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	now     func() time.Time

	mu            sync.Mutex
	history       []PanicRecord
	maxDepthSeen  int
	totalPanics   atomic.Uint64
	depthExceeded atomic.Uint64
}

// WrapperOption customizes a Wrapper.
type WrapperOption func(*Wrapper)

// WithLogger sets the wrapper logger.
func WithLogger(l *telemetry.Logger) WrapperOption {
	return func(w *Wrapper) { w.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) WrapperOption {
	return func(w *Wrapper) { w.metrics = m }
}

// WithEvents sets the event publisher for recovered panics.
func WithEvents(ep *telemetry.EventPublisher) WrapperOption {
	return func(w *Wrapper) { w.events = ep }
}

// WithClock overrides the wrapper clock.
func WithClock(now func() time.Time) WrapperOption {
	return func(w *Wrapper) { w.now = now }
}

// NewWrapper creates a Wrapper. Zero config fields take their defaults.
func NewWrapper(cfg WrapperConfig, opts ...WrapperOption) *Wrapper {
	def := DefaultWrapperConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	w := &Wrapper{
		cfg:    cfg,
		logger: telemetry.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type depthKey struct{}

type depthCounter struct {
	n atomic.Int32
}

// WithDepthTracking returns a context carrying a nesting counter. Contexts
// that already carry one are returned unchanged.
func WithDepthTracking(ctx context.Context) context.Context {
	if _, ok := ctx.Value(depthKey{}).(*depthCounter); ok {
		return ctx
	}
	return context.WithValue(ctx, depthKey{}, &depthCounter{})
}

// Fork returns a context whose nesting counter starts at the current depth
// of ctx but is no longer shared with it. Goroutines dispatched from a
// guarded call each take a fork so siblings are not counted as nesting.
func Fork(ctx context.Context) context.Context {
	c := &depthCounter{}
	c.n.Store(int32(Depth(ctx)))
	return context.WithValue(ctx, depthKey{}, c)
}

// Depth reports the current guarded nesting depth of ctx.
func Depth(ctx context.Context) int {
	if c, ok := ctx.Value(depthKey{}).(*depthCounter); ok {
		return int(c.n.Load())
	}
	return 0
}

// Execute runs fn under w. A panic in fn is converted into an error wrapping
// *PanicError and engine.ErrPanic; exceeding the nesting limit fails with
// engine.ErrDepthExceeded before fn runs. The depth counter is restored on
// every exit path.
func Execute[T any](ctx context.Context, w *Wrapper, operation string, fn func(context.Context) (T, error)) (result T, err error) {
	ctx = WithDepthTracking(ctx)
	counter := ctx.Value(depthKey{}).(*depthCounter)

	depth := int(counter.n.Add(1))
	defer counter.n.Add(-1)

	if depth > w.cfg.MaxDepth {
		w.depthExceeded.Add(1)
		return result, engine.NewPermanentError(
			fmt.Sprintf("guarded call depth %d exceeds limit %d", depth, w.cfg.MaxDepth), nil).
			WithCode(engine.ErrCodeDepthExceeded).
			WithOperation(operation)
	}

	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = w.capture(operation, r, depth)
		}
	}()

	return fn(ctx)
}

// Run is Execute for operations without a result.
func (w *Wrapper) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	_, err := Execute(ctx, w, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (w *Wrapper) capture(operation string, r any, depth int) error {
	pe := &PanicError{Operation: operation, Depth: depth}
	if w.cfg.RedactMessages {
		pe.Message = "panic payload redacted"
	} else {
		pe.Message = fmt.Sprint(r)
		pe.Stack = string(debug.Stack())
	}

	w.totalPanics.Add(1)
	w.mu.Lock()
	if len(w.history) >= w.cfg.HistoryLimit {
		drop := panicHistoryDrop
		if drop > len(w.history) {
			drop = len(w.history)
		}
		w.history = append(w.history[:0], w.history[drop:]...)
	}
	w.history = append(w.history, PanicRecord{
		Operation: operation,
		Message:   pe.Message,
		Depth:     depth,
		Timestamp: w.now(),
	})
	if depth > w.maxDepthSeen {
		w.maxDepthSeen = depth
	}
	w.mu.Unlock()

	zl := w.logger.WithField("operation", operation).Zerolog()
	zl.Error().
		Int("depth", depth).
		Str("panic", pe.Message).
		Msg("recovered panic in guarded operation")
	w.metrics.RecordPanic(operation)
	if w.events != nil {
		_ = w.events.PublishPanicRecovered(operation, pe.Message, depth)
	}

	return engine.NewPermanentError("operation panicked", pe).
		WithCode(engine.ErrCodePanic).
		WithOperation(operation)
}

// Stats returns a snapshot of captured panics.
func (w *Wrapper) Stats() PanicStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.cfg.StatsWindow)
	stats := PanicStats{
		TotalPanics:   w.totalPanics.Load(),
		DepthExceeded: w.depthExceeded.Load(),
		ByOperation:   make(map[string]int),
		MaxDepthSeen:  w.maxDepthSeen,
	}
	for _, rec := range w.history {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		stats.RecentPanics++
		stats.ByOperation[rec.Operation]++
		stats.Recent = append(stats.Recent, rec)
	}
	return stats
}

// Reset clears captured history and counters.
func (w *Wrapper) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = nil
	w.maxDepthSeen = 0
	w.totalPanics.Store(0)
	w.depthExceeded.Store(0)
}
