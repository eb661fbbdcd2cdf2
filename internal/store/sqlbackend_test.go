package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

func newTestSQLBackend(t *testing.T) *SQLBackend {
	t.Helper()
	b, err := OpenSQLBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLBackend_WriteReadReplace(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	rec := testRecord("https://example.com/a", []byte("first"))
	require.NoError(t, b.Write(ctx, rec, []byte("first")))

	got, err := b.Read(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	rec2 := testRecord("https://example.com/a", []byte("second payload"))
	rec2.KeepIfExpired = true
	require.NoError(t, b.Write(ctx, rec2, []byte("second payload")))

	got, err = b.Read(ctx, rec2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second payload"), got)

	var count int
	require.NoError(t, b.Scan(ctx, func(r Record) error {
		count++
		assert.True(t, r.KeepIfExpired)
		assert.Equal(t, int64(len("second payload")), r.Size)
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestSQLBackend_RemoveAndMissing(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	rec := testRecord("k", []byte("abc"))
	require.NoError(t, b.Write(ctx, rec, []byte("abc")))
	require.NoError(t, b.Remove(ctx, rec.Location))
	require.NoError(t, b.Remove(ctx, rec.Location))

	_, err := b.Read(ctx, rec)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSQLBackend_DetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	rec := testRecord("k", []byte("abc"))
	rec.Checksum = checksum([]byte("something else"))
	require.NoError(t, b.Write(ctx, rec, []byte("abc")))

	_, err := b.Read(ctx, rec)
	assert.ErrorIs(t, err, errs.ErrCorrupted)
}

func TestSQLBackend_WithStore(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)
	clock := newFakeClock()

	s, err := New(ctx, b, WithClock(clock.Now))
	require.NoError(t, err)

	_, err = s.Put(ctx, "https://example.com/x", []byte("0123456789"), KindJPEG, time.Minute, false)
	require.NoError(t, err)
	_, err = s.Put(ctx, "https://example.com/y", []byte("01234"), KindData, time.Minute, true)
	require.NoError(t, err)

	// A second store over the same database sees the same catalog.
	reloaded, err := New(ctx, b, WithClock(clock.Now))
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, int64(15), reloaded.TotalBytes())

	got, rec, err := reloaded.Get(ctx, "https://example.com/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got)
	assert.Equal(t, KindJPEG, rec.Kind)

	require.NoError(t, reloaded.Delete(ctx, "https://example.com/x"))
	assert.Equal(t, int64(5), reloaded.TotalBytes())
}
