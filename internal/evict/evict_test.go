package evict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/metrics"
	"github.com/jmgilman/go/urlcache/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenRemoves wraps a backend and fails every Remove.
type brokenRemoves struct {
	store.Backend
	fail bool
}

func (b *brokenRemoves) Remove(ctx context.Context, location string) error {
	if b.fail {
		return errors.New("permission denied")
	}
	return b.Backend.Remove(ctx, location)
}

func newTestStore(t *testing.T) (*store.Store, *testClock, *brokenRemoves) {
	t.Helper()
	fileBackend, err := store.NewFileBackend(billy.NewMemory(), "/cache")
	require.NoError(t, err)
	backend := &brokenRemoves{Backend: fileBackend}
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := store.New(context.Background(), backend, store.WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock, backend
}

func put(t *testing.T, s *store.Store, clock *testClock, key string, size int, ttl time.Duration, keep bool) {
	t.Helper()
	_, err := s.Put(context.Background(), key, make([]byte, size), store.KindData, ttl, keep)
	require.NoError(t, err)
	clock.Advance(time.Second)
}

func keys(records []store.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Key)
	}
	return out
}

func TestTrim_ThreeEntriesOverBudget(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)
	m := metrics.New()
	engine := NewEngine(s, WithMetrics(m))

	put(t, s, clock, "https://example.com/a", 400, time.Hour, false)
	put(t, s, clock, "https://example.com/b", 400, time.Hour, false)
	put(t, s, clock, "https://example.com/c", 400, time.Hour, false)

	result, err := engine.Trim(ctx, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(1200), result.Before)
	assert.Equal(t, int64(800), result.After)
	assert.Equal(t, []string{"https://example.com/a"}, result.Deleted)
	assert.Equal(t, int64(400), result.BytesFreed)
	assert.LessOrEqual(t, s.TotalBytes(), int64(1000))
	assert.False(t, s.Exists("https://example.com/a"))
	assert.Equal(t, int64(1), m.Snapshot().Evictions)
	assert.False(t, s.Dirty())
}

func TestTrim_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)
	engine := NewEngine(s)

	for _, key := range []string{"a", "b", "c", "d"} {
		put(t, s, clock, key, 300, time.Hour, false)
	}

	first, err := engine.Trim(ctx, 700)
	require.NoError(t, err)
	snapshot := keys(s.Records())

	second, err := engine.Trim(ctx, 700)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, first.Deleted)
	assert.Empty(t, second.Deleted)
	assert.Equal(t, snapshot, keys(s.Records()))
	assert.Equal(t, first.After, second.After)
}

func TestTrim_NoopWithinBudget(t *testing.T) {
	s, clock, _ := newTestStore(t)
	put(t, s, clock, "a", 10, time.Hour, false)

	result, err := NewEngine(s).Trim(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Equal(t, int64(10), result.After)
	assert.True(t, s.Exists("a"))
}

func TestTrim_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)

	put(t, s, clock, "keep-old", 100, time.Second, true)
	put(t, s, clock, "fresh-old", 100, time.Hour, false)
	put(t, s, clock, "expires-late", 100, 20*time.Second, false)
	put(t, s, clock, "expires-early", 100, 5*time.Second, false)
	put(t, s, clock, "fresh-new", 100, time.Hour, false)
	clock.Advance(time.Minute)

	ordered := Order(s.Records(), clock.Now())
	assert.Equal(t, []string{"expires-early", "expires-late", "fresh-old", "fresh-new", "keep-old"}, keys(ordered))

	result, err := NewEngine(s).Trim(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"expires-early", "expires-late", "fresh-old", "fresh-new"}, result.Deleted)
	assert.True(t, s.Exists("keep-old"))

	result, err = NewEngine(s).Trim(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-old"}, result.Deleted)
	assert.Equal(t, int64(0), s.TotalBytes())
}

func TestTrim_TieBreakByKey(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []store.Record{
		{Key: "c", Size: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Key: "a", Size: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Key: "b", Size: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}

	assert.Equal(t, []string{"a", "b", "c"}, keys(Order(records, now)))
	assert.Equal(t, "c", records[0].Key, "input must not be reordered")
}

func TestTrim_SkipsPinned(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)

	put(t, s, clock, "a", 400, time.Hour, false)
	put(t, s, clock, "b", 400, time.Hour, false)
	put(t, s, clock, "c", 400, time.Hour, false)

	release := s.Pin("a")
	defer release()

	result, err := NewEngine(s).Trim(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, result.Deleted)
	assert.Equal(t, 1, result.Skipped)
	assert.True(t, s.Exists("a"))
}

func TestTrim_AllPinned(t *testing.T) {
	s, clock, _ := newTestStore(t)
	put(t, s, clock, "a", 400, time.Hour, false)
	defer s.Pin("a")()

	result, err := NewEngine(s).Trim(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Equal(t, int64(400), result.After)
	assert.True(t, s.Dirty(), "a pass left over budget must not mark the store trimmed")
}

func TestTrim_StorageErrorAborts(t *testing.T) {
	ctx := context.Background()
	s, clock, backend := newTestStore(t)

	put(t, s, clock, "a", 400, time.Hour, false)
	put(t, s, clock, "b", 400, time.Hour, false)

	backend.fail = true
	result, err := NewEngine(s).Trim(ctx, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStorage)
	assert.Empty(t, result.Deleted)

	// Remaining entries are intact.
	assert.Equal(t, int64(800), s.TotalBytes())
	got, _, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, got, 400)
}
