package warmer

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

// Defaults.
const (
	DefaultInterval            = 5 * time.Minute
	DefaultBatchSize           = 50
	DefaultMaxConcurrent       = 4
	DefaultPriorityThreshold   = 0.5
	DefaultHistorySize         = 1000
	DefaultFrequencyWindow     = time.Hour
	DefaultPatternWindow       = 2 * time.Hour
	DefaultLookahead           = 10 * time.Minute
	DefaultFrequencySaturation = 100
	DefaultMaxEstimatedCompile = time.Second
	DefaultCompileEstimate     = 50 * time.Millisecond
)

// Dependency is the guard dependency name of warming work.
const Dependency = "warmer"

// HistoryDependency is the guard dependency name of the history store.
const HistoryDependency = "warmer.history"

// ewmaAlpha weights the newest compile latency sample.
const ewmaAlpha = 0.3

// Config configures a Warmer.
type Config struct {
	Interval            time.Duration
	BatchSize           int
	MaxConcurrent       int
	PriorityThreshold   float64
	HistorySize         int
	FrequencyWindow     time.Duration
	PatternWindow       time.Duration
	Lookahead           time.Duration
	FrequencySaturation int

	// MaxEstimatedCompile skips candidates whose measured compile latency
	// exceeds it.
	MaxEstimatedCompile time.Duration
}

// DefaultConfig returns the default warmer configuration.
func DefaultConfig() Config {
	return Config{
		Interval:            DefaultInterval,
		BatchSize:           DefaultBatchSize,
		MaxConcurrent:       DefaultMaxConcurrent,
		PriorityThreshold:   DefaultPriorityThreshold,
		HistorySize:         DefaultHistorySize,
		FrequencyWindow:     DefaultFrequencyWindow,
		PatternWindow:       DefaultPatternWindow,
		Lookahead:           DefaultLookahead,
		FrequencySaturation: DefaultFrequencySaturation,
		MaxEstimatedCompile: DefaultMaxEstimatedCompile,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.PriorityThreshold <= 0 {
		c.PriorityThreshold = def.PriorityThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = def.FrequencyWindow
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = def.PatternWindow
	}
	if c.Lookahead <= 0 {
		c.Lookahead = def.Lookahead
	}
	if c.FrequencySaturation <= 0 {
		c.FrequencySaturation = def.FrequencySaturation
	}
	if c.MaxEstimatedCompile <= 0 {
		c.MaxEstimatedCompile = def.MaxEstimatedCompile
	}
	return c
}

// WarmFunc compiles and caches the validator for key. Implementations that
// compile report the measured latency through ObserveCompile.
type WarmFunc func(ctx context.Context, key cache.Key) error

// Skip reasons reported in a CycleReport.
const (
	SkipCached      = "cached"
	SkipInProgress  = "in_progress"
	SkipSlowCompile = "slow_compile"
	SkipCircuitOpen = "circuit_open"
)

// CycleReport summarizes one warming cycle.
type CycleReport struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Candidates int               `json:"candidates"`
	Selected   int               `json:"selected"`
	Warmed     int               `json:"warmed"`
	Failed     int               `json:"failed"`
	Skipped    map[string]int    `json:"skipped,omitempty"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// SkippedTotal returns the number of skipped candidates.
func (r *CycleReport) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Stats is a snapshot of warmer counters.
type Stats struct {
	Cycles      uint64       `json:"cycles"`
	Warmed      uint64       `json:"warmed"`
	Failed      uint64       `json:"failed"`
	Skipped     uint64       `json:"skipped"`
	InProgress  int          `json:"in_progress"`
	HistorySize int          `json:"history_size"`
	LastCycle   *CycleReport `json:"last_cycle,omitempty"`
}

// Warmer precompiles validators that access history predicts will be
// needed soon.
type Warmer struct {
	cfg        Config
	cache      *cache.Cache
	warm       WarmFunc
	strategies []Strategy
	history    *History
	store      HistoryStore
	guard      *guard.Manager
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.EventPublisher
	tracer     *telemetry.Tracer
	now        func() time.Time

	inProgress sync.Map // cache.Key -> struct{}

	estMu     sync.Mutex
	estimates map[string]time.Duration

	cycleMu   sync.Mutex
	lastCycle *CycleReport

	cycles  atomic.Uint64
	warmed  atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Warmer.
type Option func(*Warmer)

// WithStrategies replaces the default frequency and predictive strategies.
func WithStrategies(s ...Strategy) Option {
	return func(w *Warmer) { w.strategies = s }
}

// WithHistoryStore persists accesses and reloads them on Start.
func WithHistoryStore(s HistoryStore) Option {
	return func(w *Warmer) { w.store = s }
}

// WithGuard sets the recovery manager.
func WithGuard(m *guard.Manager) Option {
	return func(w *Warmer) { w.guard = m }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(w *Warmer) { w.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Warmer) { w.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(w *Warmer) { w.events = ep }
}

// WithTracer sets the tracer for cycle spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Warmer) { w.tracer = t }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(w *Warmer) { w.now = now }
}

// New creates a Warmer that checks c for cached keys and calls warm for
// each selected candidate.
func New(cfg Config, c *cache.Cache, warm WarmFunc, opts ...Option) *Warmer {
	cfg = cfg.withDefaults()
	w := &Warmer{
		cfg:   cfg,
		cache: c,
		warm:  warm,
		strategies: []Strategy{
			FrequencyStrategy{Window: cfg.FrequencyWindow, Saturation: cfg.FrequencySaturation},
			PredictiveStrategy{Window: cfg.PatternWindow, Lookahead: cfg.Lookahead},
		},
		history:   NewHistory(cfg.HistorySize),
		logger:    telemetry.NewNopLogger(),
		now:       time.Now,
		estimates: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.guard == nil {
		w.guard = guard.NewManager(guard.DefaultManagerConfig(), nil)
	}
	return w
}

// RecordAccess appends a real access of key to history. Persistence
// failures are logged and never surface to the caller.
func (w *Warmer) RecordAccess(ctx context.Context, key cache.Key) {
	a := Access{Key: key, At: w.now(), Hits: 1}
	w.history.Append(a)
	w.metrics.SetHistorySize(w.history.Len())

	if w.store == nil {
		return
	}
	err := w.guard.Do(ctx, HistoryDependency, func(ctx context.Context) error {
		return w.store.AppendAccess(ctx, a)
	})
	if err != nil {
		zl := w.logger.WithCacheKey(key.Short()).Zerolog()
		zl.Debug().Err(err).Msg("failed to persist access")
	}
}

// ObserveCompile feeds a measured compile latency for key into the
// per-class estimate.
func (w *Warmer) ObserveCompile(key cache.Key, d time.Duration) {
	id := estimateID(key)
	w.estMu.Lock()
	defer w.estMu.Unlock()
	prev, ok := w.estimates[id]
	if !ok {
		w.estimates[id] = d
		return
	}
	w.estimates[id] = time.Duration(math.Round(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(prev)))
}

// EstimatedCompile returns the measured compile latency estimate for key,
// or DefaultCompileEstimate when nothing has been measured.
func (w *Warmer) EstimatedCompile(key cache.Key) time.Duration {
	w.estMu.Lock()
	defer w.estMu.Unlock()
	if d, ok := w.estimates[estimateID(key)]; ok {
		return d
	}
	return DefaultCompileEstimate
}

func estimateID(key cache.Key) string {
	return key.SchemaID + "/" + key.ClassName
}

// Candidates runs every strategy against history and returns candidates
// at or above the priority threshold, best first, at most BatchSize. A key
// proposed by several strategies keeps its highest score.
func (w *Warmer) Candidates() []Candidate {
	now := w.now()
	history := w.history.Snapshot()
	cached := func(k cache.Key) bool {
		if w.cache == nil {
			return false
		}
		_, ok := w.cache.Peek(k)
		return ok
	}

	best := make(map[cache.Key]Candidate)
	for _, s := range w.strategies {
		for _, c := range s.Select(now, history, cached) {
			if c.Score < w.cfg.PriorityThreshold {
				continue
			}
			if cur, ok := best[c.Key]; !ok || c.Score > cur.Score {
				best[c.Key] = c
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	if len(out) > w.cfg.BatchSize {
		out = out[:w.cfg.BatchSize]
	}
	return out
}

// RunCycle selects candidates and warms them with bounded concurrency.
// Individual failures are recorded in the report and never abort the cycle.
// It is safe to call concurrently; a key is warmed by at most one cycle at
// a time.
func (w *Warmer) RunCycle(ctx context.Context) CycleReport {
	start := w.now()
	report := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: start,
		Skipped:   make(map[string]int),
		Failures:  make(map[string]string),
	}
	cycleLog := w.logger.WithField("cycle_id", report.ID)
	logger := cycleLog.Zerolog()

	if !w.guard.Available(Dependency) {
		report.Skipped[SkipCircuitOpen]++
		w.skipped.Add(1)
		w.metrics.RecordWarmingTask("skipped")
		logger.Warn().Msg("warming circuit open, skipping cycle")
		w.finish(&report, start)
		return report
	}

	candidates := w.Candidates()
	report.Candidates = len(candidates)

	span := trace.SpanFromContext(ctx)
	if w.tracer != nil {
		ctx, span = w.tracer.StartWarmingSpan(ctx, len(candidates))
		defer span.End()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.cfg.MaxConcurrent)

	for _, c := range candidates {
		if reason := w.skipReason(c.Key); reason != "" {
			report.Skipped[reason]++
			w.skipped.Add(1)
			w.metrics.RecordWarmingTask("skipped")
			continue
		}
		if _, loaded := w.inProgress.LoadOrStore(c.Key, struct{}{}); loaded {
			report.Skipped[SkipInProgress]++
			w.skipped.Add(1)
			w.metrics.RecordWarmingTask("skipped")
			continue
		}
		report.Selected++

		taskCtx := guard.Fork(ctx)
		g.Go(func() error {
			defer w.inProgress.Delete(c.Key)

			err := w.guard.Do(taskCtx, Dependency, func(ctx context.Context) error {
				return w.warm(ctx, c.Key)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures[c.Key.String()] = err.Error()
				w.failed.Add(1)
				w.metrics.RecordWarmingTask("failed")
				zl := cycleLog.WithCacheKey(c.Key.Short()).Zerolog()
				zl.Warn().Err(err).Msg("warming failed")
				return nil
			}
			report.Warmed++
			w.warmed.Add(1)
			w.metrics.RecordWarmingTask("warmed")
			return nil
		})
	}
	_ = g.Wait()

	telemetry.SetAttributes(span,
		telemetry.AttrDependency.String(Dependency),
		telemetry.AttrCircuitState.String(w.guard.Breaker(Dependency).State().String()),
	)
	w.finish(&report, start)
	logger.Info().
		Int("candidates", report.Candidates).
		Int("warmed", report.Warmed).
		Int("failed", report.Failed).
		Int("skipped", report.SkippedTotal()).
		Dur("duration", report.Duration).
		Msg("warming cycle completed")
	return report
}

func (w *Warmer) skipReason(key cache.Key) string {
	if w.cache != nil {
		if _, ok := w.cache.Peek(key); ok {
			return SkipCached
		}
	}
	if w.EstimatedCompile(key) > w.cfg.MaxEstimatedCompile {
		return SkipSlowCompile
	}
	return ""
}

func (w *Warmer) finish(report *CycleReport, start time.Time) {
	report.Duration = w.now().Sub(start)
	w.cycles.Add(1)
	w.metrics.RecordWarmingCycle(report.Duration)
	if w.events != nil {
		_ = w.events.PublishWarmingCompleted(report.Warmed, report.Failed, report.SkippedTotal(), report.Duration)
	}

	w.cycleMu.Lock()
	last := *report
	w.lastCycle = &last
	w.cycleMu.Unlock()
}

// Stats returns a snapshot of warmer counters.
func (w *Warmer) Stats() Stats {
	st := Stats{
		Cycles:      w.cycles.Load(),
		Warmed:      w.warmed.Load(),
		Failed:      w.failed.Load(),
		Skipped:     w.skipped.Load(),
		HistorySize: w.history.Len(),
	}
	w.inProgress.Range(func(_, _ any) bool {
		st.InProgress++
		return true
	})
	w.cycleMu.Lock()
	if w.lastCycle != nil {
		last := *w.lastCycle
		st.LastCycle = &last
	}
	w.cycleMu.Unlock()
	return st
}

// History returns the in-memory access history.
func (w *Warmer) History() *History {
	return w.history
}

// Start reloads persisted history and runs cycles every Interval until ctx
// is cancelled or Stop is called.
func (w *Warmer) Start(ctx context.Context) error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.cancel != nil {
		return errors.New("warmer already started")
	}

	if err := w.loadHistory(ctx); err != nil {
		zl := w.logger.Zerolog()
		zl.Warn().Err(err).Msg("failed to reload access history")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
	zl := w.logger.Zerolog()
	zl.Info().Dur("interval", w.cfg.Interval).Msg("cache warmer started")
	return nil
}

// Stop ends the loop started by Start and waits for the running cycle.
func (w *Warmer) Stop() {
	w.stopMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.stopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Warmer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.guard.Wrapper().Run(ctx, "warmer.cycle", func(ctx context.Context) error {
				w.RunCycle(ctx)
				w.pruneHistory(ctx)
				return nil
			})
		}
	}
}

func (w *Warmer) loadHistory(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	since := w.now().Add(-w.historyWindow())
	accesses, err := w.store.RecentAccesses(ctx, since, w.cfg.HistorySize)
	if err != nil {
		return err
	}
	for _, a := range accesses {
		w.history.Append(a)
	}
	w.metrics.SetHistorySize(w.history.Len())
	zl := w.logger.Zerolog()
	zl.Debug().Int("accesses", len(accesses)).Msg("reloaded access history")
	return nil
}

func (w *Warmer) pruneHistory(ctx context.Context) {
	if w.store == nil {
		return
	}
	before := w.now().Add(-w.historyWindow())
	err := w.guard.Do(ctx, HistoryDependency, func(ctx context.Context) error {
		_, err := w.store.PruneAccesses(ctx, before)
		return err
	})
	if err != nil {
		zl := w.logger.WithDependency(HistoryDependency).Zerolog()
		zl.Debug().Err(err).Msg("failed to prune access history")
	}
}

func (w *Warmer) historyWindow() time.Duration {
	return max(w.cfg.FrequencyWindow, w.cfg.PatternWindow)
}
