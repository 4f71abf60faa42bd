package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewCircuitBreaker("slow", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}, clock.Now, func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), engine.ErrCircuitOpen)

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// A half-open failure reopens immediately.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker("x", BreakerConfig{FailureThreshold: 2}, nil, nil)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"typed timeout", engine.NewTransientError("t", nil).WithCode(engine.ErrCodeNetworkTimeout), KindTimeout},
		{"cache unavailable", engine.NewCacheUnavailableError("slow", nil), KindCacheUnavailable},
		{"schema not cached", engine.NewSchemaNotCachedError("s", "h"), KindSchemaNotCached},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), KindCanceled},
		{"compile", engine.NewCompileError("Person", errors.New("bad")), KindPermanent},
		{"throttled", engine.NewThrottledError("slow down", nil), KindRateLimited},
		{"message timeout", errors.New("dial tcp: i/o timeout"), KindTimeout},
		{"message busy", errors.New("database is locked"), KindResourceBusy},
		{"message rate", errors.New("429 Too Many Requests"), KindRateLimited},
		{"message cache", errors.New("slow cache unavailable"), KindCacheUnavailable},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKind_Action(t *testing.T) {
	assert.Equal(t, ActionRetry, KindTimeout.Action())
	assert.Equal(t, ActionRetry, KindRateLimited.Action())
	assert.Equal(t, ActionDegrade, KindCacheUnavailable.Action())
	assert.Equal(t, ActionFail, KindSchemaNotCached.Action())
	assert.Equal(t, ActionFail, KindPanic.Action())
	assert.True(t, KindSchemaNotCached.Recoverable())
	assert.False(t, KindPermanent.Recoverable())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0, KindTimeout))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1, KindTimeout))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(1, KindRateLimited))
	assert.Equal(t, 10*time.Second, p.Backoff(20, KindTimeout))
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, WithSleep(noSleep))

	calls := 0
	err := m.Do(context.Background(), "slow-tier", func(context.Context) error {
		calls++
		if calls < 3 {
			return engine.NewTransientError("timeout", nil).WithCode(engine.ErrCodeNetworkTimeout)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Recoveries)
	assert.Equal(t, 2, stats.ByKind[KindTimeout])
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, WithSleep(noSleep))

	calls := 0
	err := m.Do(context.Background(), "slow-tier", func(context.Context) error {
		calls++
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, calls)
}

func TestManager_DegradesWithoutRetry(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, WithSleep(noSleep))

	calls := 0
	err := m.Do(context.Background(), "slow-tier", func(context.Context) error {
		calls++
		return engine.NewCacheUnavailableError("slow", errors.New("disk gone"))
	})
	assert.True(t, ShouldDegrade(err))
	assert.Equal(t, 1, calls)
}

func TestManager_AnnotatesFailures(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := provider.Tracer("test").Start(context.Background(), "lookup")

	var logs bytes.Buffer
	cfg := DefaultManagerConfig()
	cfg.Breaker.FailureThreshold = 1
	m := NewManager(cfg, nil,
		WithSleep(noSleep),
		WithManagerLogger(telemetry.Wrap(zerolog.New(&logs))),
	)

	err := m.Do(ctx, "slow-tier", func(context.Context) error {
		return engine.NewCacheUnavailableError("slow", errors.New("disk gone"))
	})
	require.Error(t, err)
	span.End()

	events := recorder.Ended()[0].Events()
	require.Len(t, events, 1)
	attrs := make(map[string]string)
	for _, kv := range events[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "guard.failure", events[0].Name)
	assert.Equal(t, "slow-tier", attrs[string(telemetry.AttrDependency)])
	assert.Equal(t, "open", attrs[string(telemetry.AttrCircuitState)])
	assert.Equal(t, engine.ErrCodeCacheUnavailable, attrs[string(telemetry.AttrErrorCode)])

	assert.Contains(t, logs.String(), `"dependency":"slow-tier"`)
	assert.Contains(t, logs.String(), "circuit state changed")
}

func TestManager_OpensCircuit(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultManagerConfig()
	cfg.Retry.MaxAttempts = 1
	m := NewManager(cfg, nil, WithSleep(noSleep), WithManagerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = m.Do(context.Background(), "dep", func(context.Context) error {
			return errors.New("boom")
		})
	}
	assert.False(t, m.Available("dep"))

	called := false
	err := m.Do(context.Background(), "dep", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, engine.ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"dep"}, m.Stats().OpenCircuits)

	clock.Advance(DefaultRecoveryTimeout)
	for i := 0; i < DefaultSuccessThreshold; i++ {
		require.NoError(t, m.Do(context.Background(), "dep", func(context.Context) error { return nil }))
	}
	assert.True(t, m.Available("dep"))
	assert.Equal(t, "closed", m.Stats().Circuits["dep"])
}

func TestManager_PanicsCountAsFailures(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, WithSleep(noSleep))

	err := m.Do(context.Background(), "dep", func(context.Context) error {
		panic("bad")
	})
	assert.ErrorIs(t, err, engine.ErrPanic)
	assert.Equal(t, 1, m.Stats().ByKind[KindPanic])
	assert.Equal(t, uint64(1), m.Wrapper().Stats().TotalPanics)
}

func TestManager_CancelledWait(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := m.Do(ctx, "dep", func(context.Context) error {
		calls++
		return errors.New("resource busy")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_HistoryBounded(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.HistoryLimit = 150
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1000
	m := NewManager(cfg, nil)

	for i := 0; i < 200; i++ {
		_ = m.Do(context.Background(), "dep", func(context.Context) error {
			return errors.New("boom")
		})
	}
	assert.LessOrEqual(t, len(m.History()), 150)
	assert.Equal(t, uint64(200), m.Stats().TotalErrors)
}

func TestDoValue(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	v, err := DoValue(context.Background(), m, "dep", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
