package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/stores"
	"github.com/openfroyo/linkval/pkg/telemetry"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// Guarded operation names.
const (
	LoadOperation     = "schema.load"
	ResolveOperation  = "schema.resolve"
	CompileOperation  = "validator.compile"
	ValidateOperation = "instance.validate"
	JanitorOperation  = "service.janitor"
)

// Config configures a Service.
type Config struct {
	Resolver engine.ResolverOptions

	// Options are the compile options used by Validate. Nil selects
	// compiler.DefaultOptions; a pointer to zero compiles with no optional
	// checks.
	Options *compiler.Options

	Cache         cache.Config
	Warmer        warmer.Config
	WarmerEnabled bool

	Wrapper guard.WrapperConfig
	Manager guard.ManagerConfig

	// ValidationWorkers bounds ValidateBatch concurrency.
	ValidationWorkers int

	// CompileWorkers bounds concurrent resolve+compile work. It is separate
	// from the request pool so compilation cannot starve validation.
	CompileWorkers int

	// Store configures the SQLite slow tier. An empty Path disables it.
	Store stores.Config

	// JanitorInterval is how often expired entries are purged.
	JanitorInterval time.Duration

	// StaleAfter deletes persisted validators not accessed for this long;
	// zero keeps them.
	StaleAfter time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Resolver:          engine.ResolverOptions{MaxDepth: engine.DefaultMaxDepth},
		Cache:             cache.DefaultConfig(),
		Warmer:            warmer.DefaultConfig(),
		WarmerEnabled:     true,
		Wrapper:           guard.DefaultWrapperConfig(),
		Manager:           guard.DefaultManagerConfig(),
		ValidationWorkers: runtime.NumCPU(),
		CompileWorkers:    max(1, runtime.NumCPU()/2),
		JanitorInterval:   time.Minute,
		StaleAfter:        7 * 24 * time.Hour,
	}
}

// Service resolves, compiles, caches and runs validators for loaded
// schemas.
type Service struct {
	cfg     Config
	tel     *telemetry.Telemetry
	log     *telemetry.Logger
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
	now     func() time.Time

	wrapper *guard.Wrapper
	guard   *guard.Manager
	cache   *cache.Cache
	warmer  *warmer.Warmer
	store   stores.Store

	compilePool *semaphore.Weighted

	loadMu    sync.Mutex
	resolvers sync.Map // schema ID -> *engine.Resolver
	options   sync.Map // options hash -> compiler.Options

	validations atomic.Uint64
	valid       atomic.Uint64
	invalid     atomic.Uint64
	failed      atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Service.
type Option func(*Service)

// WithTelemetry wires logging, metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tel = t
		s.log = t.Logger
		s.metrics = t.Metrics
		s.events = t.Events
		s.tracer = t.Tracer
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = telemetry.Wrap(l) }
}

// WithClock overrides the clock used for history, expiry and statistics.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. When cfg.Store.Path is set the SQLite store is
// opened and migrated before New returns.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.ValidationWorkers <= 0 {
		cfg.ValidationWorkers = def.ValidationWorkers
	}
	if cfg.CompileWorkers <= 0 {
		cfg.CompileWorkers = def.CompileWorkers
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.Options == nil {
		opts := compiler.DefaultOptions
		cfg.Options = &opts
	}

	s := &Service{
		cfg:         cfg,
		log:         telemetry.NewNopLogger(),
		now:         time.Now,
		compilePool: semaphore.NewWeighted(int64(cfg.CompileWorkers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.log.NewComponentLogger("service").Zerolog()

	s.wrapper = guard.NewWrapper(cfg.Wrapper,
		guard.WithLogger(s.log.NewComponentLogger("guard")),
		guard.WithMetrics(s.metrics),
		guard.WithEvents(s.events),
		guard.WithClock(s.now),
	)
	s.guard = guard.NewManager(cfg.Manager, s.wrapper,
		guard.WithManagerLogger(s.log.NewComponentLogger("guard")),
		guard.WithManagerMetrics(s.metrics),
		guard.WithManagerEvents(s.events),
		guard.WithManagerClock(s.now),
	)

	cacheOpts := []cache.Option{
		cache.WithGuard(s.guard),
		cache.WithLogger(s.log.NewComponentLogger("cache")),
		cache.WithMetrics(s.metrics),
		cache.WithEvents(s.events),
		cache.WithClock(s.now),
	}
	warmerOpts := []warmer.Option{
		warmer.WithGuard(s.guard),
		warmer.WithLogger(s.log.NewComponentLogger("warmer")),
		warmer.WithMetrics(s.metrics),
		warmer.WithEvents(s.events),
		warmer.WithTracer(s.tracer),
		warmer.WithClock(s.now),
	}

	if cfg.Store.Path != "" {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		s.store = st
		cacheOpts = append(cacheOpts, cache.WithSlowTier(st))
		warmerOpts = append(warmerOpts, warmer.WithHistoryStore(st))
	}

	s.cache = cache.New(cfg.Cache, cacheOpts...)
	s.warmer = warmer.New(cfg.Warmer, s.cache, s.warm, warmerOpts...)

	s.registerOptions(*cfg.Options)
	s.registerOptions(compiler.DefaultOptions)

	return s, nil
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	st, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// LoadSchema installs schema, replacing any loaded schema with the same ID.
// It reports whether the content changed; on change every cached validator
// of the schema is invalidated.
func (s *Service) LoadSchema(ctx context.Context, schema *engine.Schema) (bool, error) {
	if schema == nil {
		return false, engine.NewPermanentError("schema is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	return guard.Execute(ctx, s.wrapper, LoadOperation, func(ctx context.Context) (bool, error) {
		return s.loadSchema(ctx, schema)
	})
}

func (s *Service) loadSchema(ctx context.Context, schema *engine.Schema) (bool, error) {
	var (
		r       *engine.Resolver
		changed bool
	)
	if v, ok := s.resolvers.Load(schema.ID); ok {
		r = v.(*engine.Resolver)
		var err error
		if changed, err = r.Load(schema); err != nil {
			return false, err
		}
		if !changed {
			return false, nil
		}
		n := s.cache.InvalidateSchema(ctx, schema.ID)
		s.logger.Info().
			Str("schema_id", schema.ID).
			Str("schema_hash", r.SchemaHash()).
			Int("invalidated", n).
			Msg("schema reloaded")
	} else {
		var err error
		if r, err = engine.NewResolver(schema, s.cfg.Resolver); err != nil {
			return false, err
		}
		s.resolvers.Store(schema.ID, r)
		changed = true
		s.logger.Info().
			Str("schema_id", schema.ID).
			Str("schema_hash", r.SchemaHash()).
			Int("classes", len(schema.Classes)).
			Msg("schema loaded")
	}

	if _, err := r.TopologicalOrder(); err != nil {
		s.logger.Warn().Err(err).Str("schema_id", schema.ID).Msg("schema hierarchy is broken")
	}
	if s.events != nil {
		_ = s.events.PublishSchemaLoaded(schema.ID, r.SchemaHash(), len(schema.Classes))
	}
	return changed, nil
}

// Schema returns the loaded schema with id.
func (s *Service) Schema(schemaID string) (*engine.Schema, bool) {
	r, err := s.resolver(schemaID)
	if err != nil {
		return nil, false
	}
	return r.Schema(), true
}

// ClassOrder returns the classes of schemaID with every parent before its
// children.
func (s *Service) ClassOrder(schemaID string) ([]string, error) {
	r, err := s.resolver(schemaID)
	if err != nil {
		return nil, err
	}
	return r.TopologicalOrder()
}

func (s *Service) resolver(schemaID string) (*engine.Resolver, error) {
	v, ok := s.resolvers.Load(schemaID)
	if !ok {
		return nil, engine.NewSchemaNotCachedError(schemaID, "")
	}
	return v.(*engine.Resolver), nil
}

// Key returns the cache key of className under the current version of
// schemaID.
func (s *Service) Key(schemaID, className string, opts compiler.Options) (cache.Key, error) {
	r, err := s.resolver(schemaID)
	if err != nil {
		return cache.Key{}, err
	}
	s.registerOptions(opts)
	return cache.NewKey(schemaID, r.SchemaHash(), className, opts), nil
}

func (s *Service) registerOptions(opts compiler.Options) {
	s.options.LoadOrStore(opts.Hash(), opts)
}

func (s *Service) optionsFor(hash string) (compiler.Options, bool) {
	v, ok := s.options.Load(hash)
	if !ok {
		return 0, false
	}
	return v.(compiler.Options), true
}

// Resolve returns the merged definition of className in schemaID.
func (s *Service) Resolve(ctx context.Context, schemaID, className string) (*engine.ResolvedClassDef, error) {
	ctx, span := s.span(ctx, func(ctx context.Context) (context.Context, trace.Span) {
		return s.tracer.StartResolveSpan(ctx, schemaID, className)
	})
	defer span.End()

	timer := telemetry.NewTimer()
	resolved, err := guard.Execute(ctx, s.wrapper, ResolveOperation, func(ctx context.Context) (*engine.ResolvedClassDef, error) {
		r, err := s.resolver(schemaID)
		if err != nil {
			return nil, err
		}
		return r.Resolve(className)
	})

	status := "success"
	if err != nil {
		status = "failed"
		telemetry.RecordError(span, err)
	}
	s.metrics.RecordResolve(status, timer.Duration())
	return resolved, err
}

// GetOrCompileValidator returns the validator for key, compiling it with
// compileFn on a full miss. A nil compileFn resolves and compiles the class
// from the loaded schema.
func (s *Service) GetOrCompileValidator(ctx context.Context, key cache.Key, compileFn cache.CompileFunc) (*compiler.Validator, error) {
	if compileFn == nil {
		compileFn = s.compile
	}
	return s.cache.GetOrCompile(ctx, key, compileFn)
}

// compile resolves and compiles key on the compile pool.
func (s *Service) compile(ctx context.Context, key cache.Key) (*compiler.Validator, error) {
	if err := s.compilePool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.compilePool.Release(1)

	r, err := s.resolver(key.SchemaID)
	if err != nil {
		return nil, err
	}
	opts, ok := s.optionsFor(key.OptionsHash)
	if !ok {
		return nil, engine.NewCompileError(key.ClassName,
			fmt.Errorf("unknown compile options %s", key.OptionsHash)).WithResource(key.String())
	}

	if s.tel != nil {
		ctx = telemetry.WithSchemaContext(s.tel.WithContext(ctx), key.SchemaID, key.SchemaHash)
	}

	began := time.Now()
	var v *compiler.Validator
	err = telemetry.RecordCompilation(ctx, key.SchemaID, key.ClassName, key.String(), func(ctx context.Context) error {
		telemetry.SetAttributes(telemetry.SpanFromContext(ctx),
			telemetry.AttrSchemaID.String(key.SchemaID),
			telemetry.AttrSchemaHash.String(key.SchemaHash),
		)
		var err error
		v, err = guard.Execute(ctx, s.wrapper, CompileOperation, func(ctx context.Context) (*compiler.Validator, error) {
			resolved, err := r.Resolve(key.ClassName)
			if err != nil {
				return nil, err
			}
			if resolved.SchemaHash != key.SchemaHash {
				return nil, engine.NewSchemaNotCachedError(key.SchemaID, key.SchemaHash)
			}
			return compiler.Compile(resolved, opts)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.warmer.ObserveCompile(key, time.Since(began))
	return v, nil
}

// warm is the warmer's WarmFunc.
func (s *Service) warm(ctx context.Context, key cache.Key) error {
	_, err := s.cache.GetOrCompile(ctx, key, s.compile)
	return err
}

// Validate validates instance against className of schemaID. A non-nil
// error means no validation took place; an invalid instance is reported in
// the returned report.
func (s *Service) Validate(ctx context.Context, schemaID, className string, instance map[string]any) (*compiler.Report, error) {
	ctx, span := s.span(ctx, func(ctx context.Context) (context.Context, trace.Span) {
		return s.tracer.StartValidationSpan(ctx, schemaID, className)
	})
	defer span.End()

	s.validations.Add(1)
	s.metrics.RecordValidationStarted()
	timer := telemetry.NewTimer()

	report, err := s.validate(ctx, schemaID, className, instance)

	status := "valid"
	switch {
	case err != nil:
		status = "error"
		s.failed.Add(1)
		telemetry.RecordError(span, err)
	case !report.Valid:
		status = "invalid"
		s.invalid.Add(1)
	default:
		s.valid.Add(1)
	}
	s.metrics.RecordValidationCompleted(status, timer.Duration())
	return report, err
}

func (s *Service) validate(ctx context.Context, schemaID, className string, instance map[string]any) (*compiler.Report, error) {
	r, err := s.resolver(schemaID)
	if err != nil {
		return nil, err
	}
	if class, ok := r.Schema().Classes[className]; ok && (class.Mixin || class.Abstract) {
		kind := "abstract"
		if class.Mixin {
			kind = "a mixin"
		}
		return nil, engine.NewPermanentError(
			fmt.Sprintf("class %s is %s and cannot validate instances", className, kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(className)
	}

	key, err := s.Key(schemaID, className, *s.cfg.Options)
	if err != nil {
		return nil, err
	}

	h, err := s.cache.Acquire(ctx, key, s.compile)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	s.warmer.RecordAccess(ctx, key)

	return guard.Execute(ctx, s.wrapper, ValidateOperation, func(ctx context.Context) (*compiler.Report, error) {
		return h.Validator().Validate(instance), nil
	})
}

// RecordAccess records a real access of key for the warmer.
func (s *Service) RecordAccess(ctx context.Context, key cache.Key) {
	s.warmer.RecordAccess(ctx, key)
}

// RunWarmingCycle runs one warming cycle now.
func (s *Service) RunWarmingCycle(ctx context.Context) warmer.CycleReport {
	return s.warmer.RunCycle(ctx)
}

// ExecuteGuarded runs fn under the service's panic-safe wrapper. Use
// guard.Execute with Wrapper for typed results.
func (s *Service) ExecuteGuarded(ctx context.Context, operation string, fn func(context.Context) error) error {
	return s.wrapper.Run(ctx, operation, fn)
}

// Wrapper returns the panic-safe wrapper.
func (s *Service) Wrapper() *guard.Wrapper {
	return s.wrapper
}

// Start starts the warmer loop, when enabled, and the expiry janitor.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return errors.New("service is closed")
	}
	if s.started {
		return errors.New("service already started")
	}

	if s.cfg.WarmerEnabled {
		if err := s.warmer.Start(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.janitor(ctx, s.done)

	s.logger.Info().
		Bool("warmer", s.cfg.WarmerEnabled).
		Bool("persistent", s.store != nil).
		Msg("service started")
	return nil
}

func (s *Service) janitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.wrapper.Run(ctx, JanitorOperation, func(ctx context.Context) error {
				s.sweep(ctx)
				return nil
			})
		}
	}
}

// sweep purges expired fast tier entries and stale persisted validators.
func (s *Service) sweep(ctx context.Context) {
	if n := s.cache.PurgeExpired(); n > 0 {
		s.logger.Debug().Int("purged", n).Msg("expired validators purged")
	}
	if s.store == nil || s.cfg.StaleAfter <= 0 {
		return
	}
	before := s.now().Add(-s.cfg.StaleAfter)
	err := s.guard.Do(ctx, cache.SlowTierDependency, func(ctx context.Context) error {
		n, err := s.store.DeleteStaleValidators(ctx, before)
		if n > 0 {
			s.logger.Debug().Int64("deleted", n).Msg("stale persisted validators deleted")
		}
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete stale validators")
	}
}

// Close stops background work and closes the store. It is safe to call
// more than once.
func (s *Service) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.lifeMu.Unlock()

	s.warmer.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	s.logger.Info().Msg("service closed")
	return nil
}

// span starts a span when tracing is configured and otherwise returns a
// no-op span.
func (s *Service) span(ctx context.Context, start func(context.Context) (context.Context, trace.Span)) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return start(ctx)
}
