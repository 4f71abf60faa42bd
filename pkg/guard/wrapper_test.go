package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/linkval/pkg/engine"
)

func TestExecute_ReturnsResult(t *testing.T) {
	w := NewWrapper(DefaultWrapperConfig())

	got, err := Execute(context.Background(), w, "double", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestExecute_PassesErrorsThrough(t *testing.T) {
	w := NewWrapper(DefaultWrapperConfig())
	boom := errors.New("boom")

	_, err := Execute(context.Background(), w, "fail", func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, w.Stats().TotalPanics)
}

func TestExecute_RecoversPanic(t *testing.T) {
	w := NewWrapper(DefaultWrapperConfig())
	ctx := WithDepthTracking(context.Background())

	got, err := Execute(ctx, w, "explode", func(context.Context) (string, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Empty(t, got)
	assert.ErrorIs(t, err, engine.ErrPanic)

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "explode", pe.Operation)
	assert.Equal(t, "kaboom", pe.Message)
	assert.Equal(t, 1, pe.Depth)
	assert.NotEmpty(t, pe.Stack)

	assert.Equal(t, 0, Depth(ctx), "depth must be restored after a panic")

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalPanics)
	assert.Equal(t, 1, stats.RecentPanics)
	assert.Equal(t, 1, stats.ByOperation["explode"])
}

func TestExecute_RedactsMessages(t *testing.T) {
	w := NewWrapper(WrapperConfig{RedactMessages: true})

	err := w.Run(context.Background(), "secret", func(context.Context) error {
		panic("password=hunter2")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.NotContains(t, pe.Message, "hunter2")
	assert.Empty(t, pe.Stack)
}

func TestExecute_DepthLimit(t *testing.T) {
	w := NewWrapper(WrapperConfig{MaxDepth: 3})

	var recurse func(ctx context.Context, n int) error
	recurse = func(ctx context.Context, n int) error {
		return w.Run(ctx, "recurse", func(ctx context.Context) error {
			return recurse(ctx, n+1)
		})
	}

	ctx := WithDepthTracking(context.Background())
	err := recurse(ctx, 0)
	assert.ErrorIs(t, err, engine.ErrDepthExceeded)
	assert.Equal(t, 0, Depth(ctx))
	assert.Equal(t, uint64(1), w.Stats().DepthExceeded)
}

func TestExecute_NestedDepth(t *testing.T) {
	w := NewWrapper(DefaultWrapperConfig())
	ctx := WithDepthTracking(context.Background())

	var inner int
	err := w.Run(ctx, "outer", func(ctx context.Context) error {
		return w.Run(ctx, "inner", func(ctx context.Context) error {
			inner = Depth(ctx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inner)
	assert.Equal(t, 0, Depth(ctx))
}

func TestFork_SiblingsDoNotNest(t *testing.T) {
	w := NewWrapper(WrapperConfig{MaxDepth: 3})
	ctx := WithDepthTracking(context.Background())

	const siblings = 6
	depths := make([]int, siblings)
	errs := make([]error, siblings)
	release := make(chan struct{})

	err := w.Run(ctx, "parent", func(ctx context.Context) error {
		var wg sync.WaitGroup
		for i := range siblings {
			child := Fork(ctx)
			assert.Equal(t, 1, Depth(child))
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = w.Run(child, "child", func(ctx context.Context) error {
					<-release
					depths[i] = Depth(ctx)
					return nil
				})
			}()
		}
		time.Sleep(10 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, 1, Depth(ctx))
		return nil
	})
	require.NoError(t, err)

	for i := range siblings {
		assert.NoError(t, errs[i])
		assert.Equal(t, 2, depths[i])
	}
	assert.Equal(t, 0, Depth(ctx))
	assert.Zero(t, w.Stats().DepthExceeded)
}

func TestWrapper_HistoryBounded(t *testing.T) {
	w := NewWrapper(WrapperConfig{HistoryLimit: 20})

	for i := 0; i < 25; i++ {
		_ = w.Run(context.Background(), "p", func(context.Context) error { panic(i) })
	}

	stats := w.Stats()
	assert.Equal(t, uint64(25), stats.TotalPanics)
	assert.LessOrEqual(t, len(stats.Recent), 20)
}

func TestWrapper_StatsWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	w := NewWrapper(WrapperConfig{StatsWindow: time.Minute}, WithClock(clock))

	_ = w.Run(context.Background(), "old", func(context.Context) error { panic("x") })
	now = now.Add(2 * time.Minute)
	_ = w.Run(context.Background(), "new", func(context.Context) error { panic("y") })

	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.TotalPanics)
	assert.Equal(t, 1, stats.RecentPanics)
	assert.Equal(t, 1, stats.ByOperation["new"])
}

func TestExecute_Concurrent(t *testing.T) {
	w := NewWrapper(DefaultWrapperConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Run(context.Background(), "c", func(context.Context) error {
				if i%2 == 0 {
					panic("even")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(25), w.Stats().TotalPanics)
}

func TestLocked_PoisonRecovery(t *testing.T) {
	l := NewLocked(map[string]int{"a": 1})

	err := l.With(func(m *map[string]int) {
		(*m)["b"] = 2
		panic("mid-update")
	})
	assert.ErrorIs(t, err, engine.ErrPanic)
	assert.True(t, l.Poisoned())

	// The lock is still usable.
	require.NoError(t, l.With(func(m *map[string]int) { (*m)["c"] = 3 }))
	assert.Equal(t, 3, l.Load()["c"])

	l.ClearPoison()
	assert.False(t, l.Poisoned())
}
