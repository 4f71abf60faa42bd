package warmer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func testKey(class string) cache.Key {
	return cache.NewKey("people", "abc123", class, compiler.DefaultOptions)
}

func validatorFor(t *testing.T, class string) *compiler.Validator {
	t.Helper()
	schema := &engine.Schema{
		ID:    "people",
		Name:  "people",
		Slots: map[string]*engine.SlotDef{"id": {Range: "string"}},
		Classes: map[string]*engine.ClassDef{
			class: {Name: class, Slots: []string{"id"}},
		},
	}
	r, err := engine.NewResolver(schema, engine.ResolverOptions{})
	require.NoError(t, err)
	resolved, err := r.Resolve(class)
	require.NoError(t, err)
	v, err := compiler.Compile(resolved, compiler.DefaultOptions)
	require.NoError(t, err)
	return v
}

// accesses returns accesses of key ending at last and separated by gaps,
// oldest gap first.
func accesses(key cache.Key, last time.Time, gaps ...time.Duration) []Access {
	out := []Access{{Key: key, At: last}}
	at := last
	for i := len(gaps) - 1; i >= 0; i-- {
		at = at.Add(-gaps[i])
		out = append([]Access{{Key: key, At: at}}, out...)
	}
	return out
}

func repeat(key cache.Key, n int, start time.Time, every time.Duration) []Access {
	out := make([]Access, n)
	for i := range out {
		out[i] = Access{Key: key, At: start.Add(time.Duration(i) * every)}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrequencySaturation = 4
	cfg.PriorityThreshold = 0.5
	return cfg
}

func TestHistory_DropsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Access{Key: testKey("A"), At: testNow.Add(time.Duration(i) * time.Second)})
	}

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, testNow.Add(2*time.Second), snap[0].At)
	assert.Equal(t, testNow.Add(4*time.Second), snap[2].At)
	assert.Len(t, h.Since(testNow.Add(3*time.Second)), 2)
	assert.Equal(t, 3, h.Cap())
}

func TestFrequencyStrategy(t *testing.T) {
	s := FrequencyStrategy{Window: time.Hour, Saturation: 4}

	var history []Access
	history = append(history, repeat(testKey("Hot"), 6, testNow.Add(-30*time.Minute), time.Minute)...)
	history = append(history, repeat(testKey("Warm"), 2, testNow.Add(-10*time.Minute), time.Minute)...)
	history = append(history, repeat(testKey("Stale"), 5, testNow.Add(-3*time.Hour), time.Minute)...)
	history = append(history, repeat(testKey("Cached"), 5, testNow.Add(-5*time.Minute), time.Minute)...)

	cached := func(k cache.Key) bool { return k.ClassName == "Cached" }
	got := s.Select(testNow, history, cached)

	scores := map[string]float64{}
	for _, c := range got {
		assert.Equal(t, "frequency", c.Strategy)
		scores[c.Key.ClassName] = c.Score
	}
	assert.Equal(t, map[string]float64{"Hot": 1, "Warm": 0.5}, scores)
}

func TestFrequencyStrategy_WeighsHits(t *testing.T) {
	s := FrequencyStrategy{Window: time.Hour, Saturation: 4}
	history := []Access{
		{Key: testKey("Folded"), At: testNow.Add(-time.Minute), Hits: 4},
		{Key: testKey("Single"), At: testNow.Add(-time.Minute)},
	}

	scores := map[string]float64{}
	for _, c := range s.Select(testNow, history, nil) {
		scores[c.Key.ClassName] = c.Score
	}
	assert.Equal(t, map[string]float64{"Folded": 1, "Single": 0.25}, scores)
}

func TestPredictiveStrategy(t *testing.T) {
	s := PredictiveStrategy{Window: 2 * time.Hour, Lookahead: 10 * time.Minute}

	regular := accesses(testKey("Regular"), testNow.Add(-50*time.Second), time.Minute, time.Minute, time.Minute)
	irregular := accesses(testKey("Irregular"), testNow.Add(-30*time.Second), 10*time.Second, 100*time.Second, 40*time.Second)
	tooFew := accesses(testKey("TooFew"), testNow.Add(-10*time.Second), time.Minute)
	overdue := accesses(testKey("Overdue"), testNow.Add(-time.Hour), time.Minute, time.Minute)
	farOff := accesses(testKey("FarOff"), testNow, time.Hour, time.Hour)

	var history []Access
	for _, h := range [][]Access{regular, irregular, tooFew, overdue, farOff} {
		history = append(history, h...)
	}

	got := s.Select(testNow, history, nil)
	scores := map[string]float64{}
	for _, c := range got {
		assert.Equal(t, "predictive", c.Strategy)
		scores[c.Key.ClassName] = c.Score
	}

	require.Contains(t, scores, "Regular")
	require.Contains(t, scores, "Irregular")
	assert.NotContains(t, scores, "TooFew")
	assert.NotContains(t, scores, "Overdue")
	assert.NotContains(t, scores, "FarOff")

	assert.InDelta(t, 1.0, scores["Regular"], 1e-9)
	assert.Greater(t, scores["Regular"], scores["Irregular"])
}

func TestIntervalStats(t *testing.T) {
	ts := []time.Time{testNow, testNow.Add(10 * time.Second), testNow.Add(30 * time.Second)}
	mean, stddev := intervalStats(ts)
	assert.InDelta(t, 15.0, mean, 1e-9)
	assert.InDelta(t, 5.0, stddev, 1e-9)
}

func TestCandidates_ThresholdAndBestScore(t *testing.T) {
	w := New(testConfig(), cache.New(cache.Config{}), nil, WithClock(clock))

	for _, a := range repeat(testKey("Hot"), 4, testNow.Add(-4*time.Minute), time.Minute) {
		w.History().Append(a)
	}
	w.History().Append(Access{Key: testKey("Cold"), At: testNow.Add(-time.Minute)})

	got := w.Candidates()
	require.Len(t, got, 1)
	assert.Equal(t, "Hot", got[0].Key.ClassName)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestCandidates_BatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	w := New(cfg, nil, nil, WithClock(clock))

	for _, class := range []string{"A", "B", "C"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}
	assert.Len(t, w.Candidates(), 2)
}

func TestRunCycle_WarmsAndSkipsCached(t *testing.T) {
	c := cache.New(cache.Config{})
	ctx := context.Background()
	c.Put(ctx, testKey("Cached"), validatorFor(t, "Cached"))

	var warmed sync.Map
	warm := func(_ context.Context, k cache.Key) error {
		warmed.Store(k.ClassName, true)
		return nil
	}

	w := New(testConfig(), c, warm, WithClock(clock))
	for _, class := range []string{"A", "B", "Cached"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}

	report := w.RunCycle(ctx)

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 2, report.Warmed)
	assert.Zero(t, report.Failed)
	_, okA := warmed.Load("A")
	_, okCached := warmed.Load("Cached")
	assert.True(t, okA)
	assert.False(t, okCached)

	st := w.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, uint64(2), st.Warmed)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, report.ID, st.LastCycle.ID)
}

func TestRunCycle_FailuresDoNotBlockOthers(t *testing.T) {
	warm := func(_ context.Context, k cache.Key) error {
		if k.ClassName == "Broken" {
			return engine.NewCompileError("Broken", errors.New("bad pattern"))
		}
		return nil
	}

	w := New(testConfig(), nil, warm, WithClock(clock))
	for _, class := range []string{"Broken", "Fine"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}

	report := w.RunCycle(context.Background())
	assert.Equal(t, 1, report.Warmed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures, testKey("Broken").String())
}

func TestRunCycle_SkipsInProgressAndSlowCompiles(t *testing.T) {
	var calls atomic.Int32
	warm := func(context.Context, cache.Key) error {
		calls.Add(1)
		return nil
	}

	w := New(testConfig(), nil, warm, WithClock(clock))
	for _, class := range []string{"Busy", "Slow", "Fast"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}
	w.inProgress.Store(testKey("Busy"), struct{}{})
	w.ObserveCompile(testKey("Slow"), 3*time.Second)

	report := w.RunCycle(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, report.Skipped[SkipInProgress])
	assert.Equal(t, 1, report.Skipped[SkipSlowCompile])
	assert.Equal(t, 2, report.SkippedTotal())
}

func TestRunCycle_BoundedConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	var running, peak atomic.Int32
	warm := func(context.Context, cache.Key) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	w := New(cfg, nil, warm, WithClock(clock))
	for _, class := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}

	report := w.RunCycle(context.Background())
	assert.Equal(t, 8, report.Warmed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, w.Stats().InProgress)
}

func TestRunCycle_ConcurrentTasksInsideGuardedCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 4

	wrapper := guard.NewWrapper(guard.WrapperConfig{MaxDepth: 3})
	mgr := guard.NewManager(guard.DefaultManagerConfig(), wrapper, guard.WithManagerClock(clock))

	warm := func(context.Context, cache.Key) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	w := New(cfg, nil, warm, WithClock(clock), WithGuard(mgr))
	for _, class := range []string{"A", "B", "C", "D"} {
		for _, a := range repeat(testKey(class), 4, testNow.Add(-4*time.Minute), time.Minute) {
			w.History().Append(a)
		}
	}

	var report CycleReport
	err := wrapper.Run(context.Background(), "warmer.cycle", func(ctx context.Context) error {
		report = w.RunCycle(ctx)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Selected)
	assert.Equal(t, 4, report.Warmed)
	assert.Zero(t, report.Failed, report.Failures)
	assert.Zero(t, wrapper.Stats().DepthExceeded)
	assert.Equal(t, "closed", mgr.Stats().Circuits[Dependency])
}

func TestRunCycle_SkippedWhileCircuitOpen(t *testing.T) {
	mgr := guard.NewManager(guard.DefaultManagerConfig(), nil, guard.WithManagerClock(clock))
	for i := 0; i < guard.DefaultFailureThreshold; i++ {
		mgr.Breaker(Dependency).RecordFailure()
	}

	var calls atomic.Int32
	warm := func(context.Context, cache.Key) error {
		calls.Add(1)
		return nil
	}
	w := New(testConfig(), nil, warm, WithClock(clock), WithGuard(mgr))
	for _, a := range repeat(testKey("A"), 4, testNow.Add(-4*time.Minute), time.Minute) {
		w.History().Append(a)
	}

	report := w.RunCycle(context.Background())
	assert.Equal(t, 1, report.Skipped[SkipCircuitOpen])
	assert.Zero(t, calls.Load())
}

func TestObserveCompile_EWMA(t *testing.T) {
	w := New(testConfig(), nil, nil)
	k := testKey("A")

	assert.Equal(t, DefaultCompileEstimate, w.EstimatedCompile(k))
	w.ObserveCompile(k, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, w.EstimatedCompile(k))
	w.ObserveCompile(k, 200*time.Millisecond)
	assert.InDelta(t, float64(130*time.Millisecond), float64(w.EstimatedCompile(k)), float64(time.Microsecond))

	// Options do not split the estimate.
	other := cache.NewKey("people", "abc123", "A", compiler.FailFast)
	assert.Equal(t, w.EstimatedCompile(k), w.EstimatedCompile(other))
}

type memHistory struct {
	mu       sync.Mutex
	accesses []Access
	pruned   int
}

func (m *memHistory) AppendAccess(_ context.Context, a Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accesses = append(m.accesses, a)
	return nil
}

func (m *memHistory) RecentAccesses(_ context.Context, since time.Time, limit int) ([]Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Access
	for _, a := range m.accesses {
		if !a.At.Before(since) {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memHistory) PruneAccesses(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned++
	return 0, nil
}

func TestRecordAccess_PersistsAndReloads(t *testing.T) {
	store := &memHistory{}
	ctx := context.Background()

	first := New(testConfig(), nil, nil, WithClock(clock), WithHistoryStore(store))
	first.RecordAccess(ctx, testKey("A"))
	first.RecordAccess(ctx, testKey("B"))
	assert.Equal(t, 2, first.History().Len())
	require.Len(t, store.accesses, 2)
	assert.Equal(t, 1, store.accesses[0].Hits)

	cfg := testConfig()
	cfg.Interval = time.Hour
	second := New(cfg, nil, nil, WithClock(clock), WithHistoryStore(store))
	require.NoError(t, second.Start(ctx))
	assert.Error(t, second.Start(ctx))
	second.Stop()
	second.Stop()

	assert.Equal(t, 2, second.History().Len())
}
