package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

// SlowTierDependency is the guard dependency name of the slow tier.
const SlowTierDependency = "cache.slow"

// Tier is a slower, usually persistent, cache layer behind the in-memory
// tier. Implementations must be safe for concurrent use.
type Tier interface {
	Get(ctx context.Context, key Key) (*compiler.Validator, bool, error)
	Put(ctx context.Context, key Key, v *compiler.Validator) error
	Delete(ctx context.Context, key Key) error
	DeleteSchema(ctx context.Context, schemaID string) error
}

// CompileFunc produces the validator for key on a full miss.
type CompileFunc func(ctx context.Context, key Key) (*compiler.Validator, error)

// Config configures a Cache.
type Config struct {
	// Shards is the number of independently locked fast tier partitions.
	Shards int

	// MaxEntries bounds the fast tier entry count.
	MaxEntries int

	// MaxBytes bounds the fast tier by estimated validator size.
	MaxBytes int64

	// TTL expires fast tier entries; zero disables expiry.
	TTL time.Duration

	// SlowTierTimeout bounds each slow tier call.
	SlowTierTimeout time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Shards:          16,
		MaxEntries:      10000,
		MaxBytes:        256 << 20,
		TTL:             time.Hour,
		SlowTierTimeout: 2 * time.Second,
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	SlowHits      uint64  `json:"slow_hits"`
	SlowErrors    uint64  `json:"slow_errors"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	Compilations  uint64  `json:"compilations"`
	CompileErrors uint64  `json:"compile_errors"`
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache is a multi-tier cache of compiled validators with per-key
// compilation coalescing.
type Cache struct {
	cfg     Config
	shards  []*shard
	slow    Tier
	guard   *guard.Manager
	group   singleflight.Group
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	now     func() time.Time

	entries atomic.Int64
	bytes   atomic.Int64

	hits          atomic.Uint64
	misses        atomic.Uint64
	slowHits      atomic.Uint64
	slowErrors    atomic.Uint64
	evictions     atomic.Uint64
	expirations   atomic.Uint64
	compilations  atomic.Uint64
	compileErrors atomic.Uint64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithSlowTier attaches a slow tier.
func WithSlowTier(t Tier) Option {
	return func(c *Cache) { c.slow = t }
}

// WithGuard sets the recovery manager guarding the slow tier.
func WithGuard(m *guard.Manager) Option {
	return func(c *Cache) { c.guard = m }
}

// WithLogger sets the cache logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithEvents sets the event publisher for degradation events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(c *Cache) { c.events = ep }
}

// WithClock overrides the clock used for TTL.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.SlowTierTimeout <= 0 {
		cfg.SlowTierTimeout = def.SlowTierTimeout
	}

	c := &Cache{
		cfg:    cfg,
		logger: telemetry.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.guard == nil {
		c.guard = guard.NewManager(guard.DefaultManagerConfig(), nil)
	}

	perEntries := (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	perBytes := (cfg.MaxBytes + int64(cfg.Shards) - 1) / int64(cfg.Shards)
	c.shards = make([]*shard, cfg.Shards)
	for i := range c.shards {
		c.shards[i] = &shard{
			items:      make(map[Key]*list.Element),
			lru:        list.New(),
			maxEntries: perEntries,
			maxBytes:   perBytes,
		}
	}
	return c
}

func (c *Cache) shardFor(key Key) *shard {
	return c.shards[xxhash.Sum64String(key.String())%uint64(len(c.shards))]
}

// Handle is a pinned reference to a cached validator. The entry cannot be
// evicted until Release is called.
type Handle struct {
	validator *compiler.Validator
	once      sync.Once
	release   func()
}

// Validator returns the pinned validator.
func (h *Handle) Validator() *compiler.Validator {
	return h.validator
}

// Release unpins the entry. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// GetOrCompile returns the validator for key, compiling it with fn on a full
// miss. Concurrent callers for the same key share one compilation; failed
// compilations are not cached.
func (c *Cache) GetOrCompile(ctx context.Context, key Key, fn CompileFunc) (*compiler.Validator, error) {
	v, _ := c.lookupFast(key, false)
	traceLookup(ctx, key, "fast", v != nil)
	if v != nil {
		return v, nil
	}
	return c.fill(ctx, key, fn)
}

// Acquire is GetOrCompile returning a pinned handle. Callers must Release it.
func (c *Cache) Acquire(ctx context.Context, key Key, fn CompileFunc) (*Handle, error) {
	v, e := c.lookupFast(key, true)
	traceLookup(ctx, key, "fast", v != nil)
	if v != nil {
		return c.handle(v, e), nil
	}
	v, err := c.fill(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	return c.handle(v, c.pin(key, v)), nil
}

func (c *Cache) handle(v *compiler.Validator, e *entry) *Handle {
	return &Handle{
		validator: v,
		release:   func() { c.unpin(e) },
	}
}

func traceLookup(ctx context.Context, key Key, tier string, hit bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	telemetry.AddCacheEvent(span, key.Short(), tier, hit)
}

// fill runs the coalesced slow path. Each caller waits on its own context;
// the shared flight is detached from any single caller's cancellation.
func (c *Cache) fill(ctx context.Context, key Key, fn CompileFunc) (*compiler.Validator, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.load(flightCtx, key, fn)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*compiler.Validator), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, key Key, fn CompileFunc) (*compiler.Validator, error) {
	if v := c.peekFast(key); v != nil {
		return v, nil
	}

	if v := c.getSlow(ctx, key); v != nil {
		c.slowHits.Add(1)
		c.store(key, v, false)
		return v, nil
	}

	c.compilations.Add(1)
	v, err := fn(ctx, key)
	if err != nil {
		c.compileErrors.Add(1)
		return nil, err
	}
	if v == nil {
		c.compileErrors.Add(1)
		return nil, engine.NewCompileError(key.ClassName, errNilValidator)
	}

	c.store(key, v, false)
	c.putSlow(ctx, key, v)
	return v, nil
}

// Get returns the cached validator for key without compiling.
func (c *Cache) Get(ctx context.Context, key Key) (*compiler.Validator, bool) {
	v, _ := c.lookupFast(key, false)
	traceLookup(ctx, key, "fast", v != nil)
	if v != nil {
		return v, true
	}
	if v := c.getSlow(ctx, key); v != nil {
		c.slowHits.Add(1)
		c.store(key, v, false)
		return v, true
	}
	return nil, false
}

// Peek reports the fast tier entry for key without touching recency or stats.
func (c *Cache) Peek(key Key) (*compiler.Validator, bool) {
	v := c.peekFast(key)
	return v, v != nil
}

// Put stores v in both tiers.
func (c *Cache) Put(ctx context.Context, key Key, v *compiler.Validator) {
	c.store(key, v, false)
	c.putSlow(ctx, key, v)
}

// Invalidate removes key from both tiers. Holders of pinned handles keep
// their validator.
func (c *Cache) Invalidate(ctx context.Context, key Key) {
	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		c.removeLocked(s, el)
		c.metrics.RecordCacheEviction("invalidate")
	}
	s.mu.Unlock()
	c.updateSize()

	if c.slow != nil {
		_ = c.callSlow(ctx, func(ctx context.Context) error {
			return c.slow.Delete(ctx, key)
		})
	}
}

// InvalidateSchema removes every entry of schemaID from both tiers.
func (c *Cache) InvalidateSchema(ctx context.Context, schemaID string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, el := range s.items {
			if key.SchemaID == schemaID {
				c.removeLocked(s, el)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.updateSize()

	if c.slow != nil {
		_ = c.callSlow(ctx, func(ctx context.Context) error {
			return c.slow.DeleteSchema(ctx, schemaID)
		})
	}
	return removed
}

// PurgeExpired drops expired, unpinned fast tier entries and returns how
// many were removed.
func (c *Cache) PurgeExpired() int {
	if c.cfg.TTL <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, el := range s.items {
			e := el.Value.(*entry)
			if e.pins == 0 && e.expired(now) {
				c.removeLocked(s, el)
				c.expirations.Add(1)
				c.metrics.RecordCacheEviction("ttl")
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.updateSize()
	return removed
}

// Clear empties the fast tier.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		c.entries.Add(-int64(s.lru.Len()))
		c.bytes.Add(-s.bytes)
		s.items = make(map[Key]*list.Element)
		s.lru.Init()
		s.bytes = 0
		s.mu.Unlock()
	}
	c.updateSize()
}

// Len returns the number of fast tier entries.
func (c *Cache) Len() int {
	return int(c.entries.Load())
}

// Bytes returns the estimated fast tier size.
func (c *Cache) Bytes() int64 {
	return c.bytes.Load()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		SlowHits:      c.slowHits.Load(),
		SlowErrors:    c.slowErrors.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Compilations:  c.compilations.Load(),
		CompileErrors: c.compileErrors.Load(),
		Entries:       c.Len(),
		Bytes:         c.Bytes(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// SlowTierAvailable reports whether the slow tier is attached and its
// circuit is not open.
func (c *Cache) SlowTierAvailable() bool {
	return c.slow != nil && c.guard.Available(SlowTierDependency)
}

func (c *Cache) getSlow(ctx context.Context, key Key) *compiler.Validator {
	if c.slow == nil {
		return nil
	}
	var (
		v  *compiler.Validator
		ok bool
	)
	err := c.callSlow(ctx, func(ctx context.Context) error {
		var err error
		v, ok, err = c.slow.Get(ctx, key)
		return err
	})
	hit := err == nil && ok && v != nil
	c.metrics.RecordCacheLookup("slow", hit)
	traceLookup(ctx, key, "slow", hit)
	if !hit {
		return nil
	}
	return v
}

func (c *Cache) putSlow(ctx context.Context, key Key, v *compiler.Validator) {
	if c.slow == nil {
		return
	}
	_ = c.callSlow(ctx, func(ctx context.Context) error {
		return c.slow.Put(ctx, key, v)
	})
}

// callSlow runs a slow tier operation under the guard. Failures are logged
// and reported as cache-unavailable; callers continue with the fast tier.
func (c *Cache) callSlow(ctx context.Context, op func(context.Context) error) error {
	err := c.guard.Do(ctx, SlowTierDependency, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.SlowTierTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			if guard.Classify(err).Recoverable() {
				return err
			}
			return engine.NewCacheUnavailableError("slow", err)
		}
		return nil
	})
	if err != nil {
		c.slowErrors.Add(1)
		zl := c.logger.WithDependency(SlowTierDependency).Zerolog()
		zl.Warn().Err(err).Msg("slow cache tier unavailable, using fast tier only")
		if c.events != nil {
			_ = c.events.PublishCacheDegraded("slow", err.Error())
		}
	}
	return err
}

func (c *Cache) updateSize() {
	c.metrics.SetCacheSize(c.Len(), c.Bytes())
}
