package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/metrics"
)

// gatedFlight blocks until release is closed or its context ends.
type gatedFlight struct {
	calls    atomic.Int32
	started  chan struct{}
	release  chan struct{}
	aborted  chan struct{}
	val      any
	err      error
	progress []Progress
}

func newGatedFlight(val any, err error) *gatedFlight {
	return &gatedFlight{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		aborted: make(chan struct{}, 16),
		val:     val,
		err:     err,
	}
}

func (g *gatedFlight) fn(ctx context.Context, progress ProgressFunc) (any, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
		for _, p := range g.progress {
			progress(p)
		}
		return g.val, g.err
	case <-ctx.Done():
		g.aborted <- struct{}{}
		return nil, ctx.Err()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

type outcome struct {
	val    any
	shared bool
	err    error
}

func TestCoordinator_CoalescesConcurrentCallers(t *testing.T) {
	m := metrics.New()
	c := NewCoordinator(WithMetrics(m))
	g := newGatedFlight("payload", nil)

	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			val, shared, err := c.Do(context.Background(), "k", g.fn, nil)
			results <- outcome{val, shared, err}
		}()
	}

	<-g.started
	waitFor(t, func() bool { return c.Waiters("k") == 2 })
	assert.Equal(t, InFlight, c.State("k"))

	close(g.release)

	var sharedCount int
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "payload", r.val)
		if r.shared {
			sharedCount++
		}
	}
	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, 1, sharedCount)
	assert.Equal(t, Idle, c.State("k"))
	assert.Equal(t, int64(1), m.Snapshot().Coalesced)
}

func TestCoordinator_SharesFailure(t *testing.T) {
	c := NewCoordinator()
	boom := errs.Status("http://x/a", 500)
	g := newGatedFlight(nil, boom)

	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			val, shared, err := c.Do(context.Background(), "k", g.fn, nil)
			results <- outcome{val, shared, err}
		}()
	}
	<-g.started
	waitFor(t, func() bool { return c.Waiters("k") == 2 })
	close(g.release)

	for i := 0; i < 2; i++ {
		r := <-results
		assert.Equal(t, boom, r.err)
		assert.ErrorIs(t, r.err, errs.ErrNetwork)
	}
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestCoordinator_CancelAllAbortsFlight(t *testing.T) {
	c := NewCoordinator()
	g := newGatedFlight("never", nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	errsCh := make(chan error, 2)

	go func() { _, _, err := c.Do(ctx1, "k", g.fn, nil); errsCh <- err }()
	<-g.started
	go func() { _, _, err := c.Do(ctx2, "k", g.fn, nil); errsCh <- err }()
	waitFor(t, func() bool { return c.Waiters("k") == 2 })

	cancel1()
	assert.ErrorIs(t, <-errsCh, errs.ErrCanceled)
	assert.Equal(t, 1, c.Waiters("k"))
	select {
	case <-g.aborted:
		t.Fatal("flight aborted while a waiter remained")
	default:
	}

	cancel2()
	assert.ErrorIs(t, <-errsCh, errs.ErrCanceled)

	select {
	case <-g.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("flight was not aborted after the last waiter left")
	}
	assert.Equal(t, Idle, c.State("k"))
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestCoordinator_RemainingWaiterGetsResult(t *testing.T) {
	c := NewCoordinator()
	g := newGatedFlight("payload", nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	results := make(chan outcome, 1)

	go func() { _, _, err := c.Do(ctx1, "k", g.fn, nil); errCh <- err }()
	<-g.started
	go func() {
		val, shared, err := c.Do(context.Background(), "k", g.fn, nil)
		results <- outcome{val, shared, err}
	}()
	waitFor(t, func() bool { return c.Waiters("k") == 2 })

	// The caller that started the flight leaves; the flight keeps running.
	cancel1()
	assert.ErrorIs(t, <-errCh, errs.ErrCanceled)

	close(g.release)
	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, "payload", r.val)
	assert.True(t, r.shared)
}

func TestCoordinator_NewFlightAfterCompletion(t *testing.T) {
	c := NewCoordinator()
	var calls atomic.Int32
	fn := func(context.Context, ProgressFunc) (any, error) {
		return calls.Add(1), nil
	}

	v1, shared1, err := c.Do(context.Background(), "k", fn, nil)
	require.NoError(t, err)
	v2, shared2, err := c.Do(context.Background(), "k", fn, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), v1)
	assert.Equal(t, int32(2), v2)
	assert.False(t, shared1)
	assert.False(t, shared2)
}

func TestCoordinator_ProgressFanOut(t *testing.T) {
	c := NewCoordinator()
	g := newGatedFlight("payload", nil)
	g.progress = []Progress{
		{ChunkSize: 2, Downloaded: 2, Expected: 4},
		{ChunkSize: 2, Downloaded: 4, Expected: 4},
	}

	var mu sync.Mutex
	seen := map[string][]Progress{}
	record := func(name string) ProgressFunc {
		return func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			seen[name] = append(seen[name], p)
		}
	}

	var wg sync.WaitGroup
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Do(context.Background(), "k", g.fn, record(name))
			assert.NoError(t, err)
		}()
	}
	<-g.started
	waitFor(t, func() bool { return c.Waiters("k") == 2 })
	close(g.release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, g.progress, seen["first"])
	assert.Equal(t, g.progress, seen["second"])
}

func TestCoordinator_CanceledBeforeStart(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, _, err := c.Do(ctx, "k", func(context.Context, ProgressFunc) (any, error) {
		called = true
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, errs.ErrCanceled)
	assert.False(t, called)
}

func TestCoordinator_Shutdown(t *testing.T) {
	c := NewCoordinator()
	g := newGatedFlight("never", nil)

	errCh := make(chan error, 1)
	go func() { _, _, err := c.Do(context.Background(), "k", g.fn, nil); errCh <- err }()
	<-g.started

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, errors.Is(<-errCh, context.Canceled))
	assert.Equal(t, 0, c.InFlight())
}
