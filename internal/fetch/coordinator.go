// Package fetch coalesces concurrent fetches of the same key.
//
// The first caller for a key starts a flight; later callers join it as
// waiters and receive the same outcome. A caller that gives up leaves the
// waiter set, and the flight is aborted once no waiters remain. Flights run
// under a context detached from any single caller, so one caller leaving
// never cuts the work short for the others.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/logging"
	"github.com/jmgilman/go/urlcache/internal/metrics"
)

// State is the coordinator's view of a key.
type State int

// Key states. Completed flights are forgotten, so a key that has finished
// reads as Idle again.
const (
	Idle State = iota
	InFlight
)

// String returns the state name.
func (s State) String() string {
	if s == InFlight {
		return "in_flight"
	}
	return "idle"
}

// FlightFunc performs the work for a flight. progress fans updates out to
// every current waiter.
type FlightFunc func(ctx context.Context, progress ProgressFunc) (any, error)

type waiter struct {
	progress ProgressFunc
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	waiters map[*waiter]struct{}
	done    chan struct{}

	// written before done is closed
	val any
	err error
}

// Coordinator tracks in-flight records by key.
type Coordinator struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	flights map[string]*flight
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records coalesced and canceled callers in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  logging.NewNopLogger(),
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs fn for key, or joins the flight already running for key, and
// waits for its outcome. shared reports whether the caller joined an
// existing flight. If ctx ends first the caller leaves the flight and Do
// returns a canceled error; the flight itself is aborted only when it has
// no waiters left.
func (c *Coordinator) Do(ctx context.Context, key string, fn FlightFunc, progress ProgressFunc) (val any, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, errs.Canceled(key, err)
	}

	w := &waiter{progress: progress}

	c.mu.Lock()
	f, shared := c.flights[key]
	if shared {
		f.waiters[w] = struct{}{}
		c.mu.Unlock()

		c.logger.Debug(ctx, "joined in-flight fetch", "url", key)
		if c.metrics != nil {
			c.metrics.RecordCoalesced()
		}
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			ctx:     fctx,
			cancel:  cancel,
			started: time.Now(),
			waiters: map[*waiter]struct{}{w: {}},
			done:    make(chan struct{}),
		}
		c.flights[key] = f
		c.wg.Add(1)
		c.mu.Unlock()

		go c.run(key, f, fn)
	}

	select {
	case <-f.done:
		c.mu.Lock()
		delete(f.waiters, w)
		c.mu.Unlock()
		return f.val, shared, f.err

	case <-ctx.Done():
		c.leave(key, f, w)
		if c.metrics != nil {
			c.metrics.RecordCanceled()
		}
		return nil, shared, errs.Canceled(key, ctx.Err())
	}
}

// leave removes w from f and aborts f when it was the last waiter.
func (c *Coordinator) leave(key string, f *flight, w *waiter) {
	c.mu.Lock()
	delete(f.waiters, w)
	abandoned := len(f.waiters) == 0
	if abandoned && c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	if abandoned {
		c.logger.Debug(f.ctx, "aborting fetch with no waiters", "url", key)
		f.cancel()
	}
}

func (c *Coordinator) run(key string, f *flight, fn FlightFunc) {
	defer c.wg.Done()
	defer f.cancel()

	val, err := fn(f.ctx, c.fanOut(f))

	c.mu.Lock()
	f.val, f.err = val, err
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	waiters := len(f.waiters)
	c.mu.Unlock()
	close(f.done)

	c.logger.Debug(f.ctx, "flight finished",
		"url", key,
		"waiters", waiters,
		"duration_ms", time.Since(f.started).Milliseconds(),
		"failed", err != nil)
}

func (c *Coordinator) fanOut(f *flight) ProgressFunc {
	return func(p Progress) {
		c.mu.Lock()
		fns := make([]ProgressFunc, 0, len(f.waiters))
		for w := range f.waiters {
			if w.progress != nil {
				fns = append(fns, w.progress)
			}
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(p)
		}
	}
}

// State returns the state of key.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flights[key]; ok {
		return InFlight
	}
	return Idle
}

// Waiters returns the number of callers waiting on key.
func (c *Coordinator) Waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return len(f.waiters)
	}
	return 0
}

// InFlight returns the number of running flights.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Shutdown aborts every flight and waits for them to return or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for key, f := range c.flights {
		f.cancel()
		delete(c.flights, key)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
