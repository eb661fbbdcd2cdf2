package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

func testRecord(key string, payload []byte) Record {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Record{
		Key:       key,
		Location:  Location(key),
		Kind:      KindData,
		Size:      int64(len(payload)),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Checksum:  checksum(payload),
	}
}

func TestNewFileBackend_Validation(t *testing.T) {
	_, err := NewFileBackend(nil, "/cache")
	assert.Error(t, err)

	_, err = NewFileBackend(billy.NewMemory(), "")
	assert.Error(t, err)
}

func TestFileBackend_WriteReadRemove(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	b, err := NewFileBackend(fsys, "/cache")
	require.NoError(t, err)

	rec := testRecord("https://example.com/a.png", []byte("png bytes"))
	require.NoError(t, b.Write(ctx, rec, []byte("png bytes")))

	path := b.entryPath(rec.Location)
	assert.Equal(t, filepath.Join("/cache", "entries", rec.Location[:2], rec.Location+".entry"), path)
	exists, err := fsys.Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := b.Read(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), got)

	require.NoError(t, b.Remove(ctx, rec.Location))
	require.NoError(t, b.Remove(ctx, rec.Location))

	_, err = b.Read(ctx, rec)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFileBackend_WriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	b, err := NewFileBackend(fsys, "/cache")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec := testRecord("k", []byte{byte(i)})
		require.NoError(t, b.Write(ctx, rec, []byte{byte(i)}))
	}

	entries, err := fsys.ReadDir("/cache/.temp")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileBackend_CleansTempOnStartup(t *testing.T) {
	fsys := billy.NewMemory()
	require.NoError(t, fsys.MkdirAll("/cache/.temp", 0o755))
	require.NoError(t, fsys.WriteFile("/cache/.temp/entry_deadbeef", []byte("partial"), 0o644))

	_, err := NewFileBackend(fsys, "/cache")
	require.NoError(t, err)

	exists, err := fsys.Exists("/cache/.temp/entry_deadbeef")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileBackend_ReadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	b, err := NewFileBackend(fsys, "/cache")
	require.NoError(t, err)

	rec := testRecord("k", []byte("abc"))
	require.NoError(t, b.Write(ctx, rec, []byte("abc")))
	require.NoError(t, fsys.WriteFile(b.entryPath(rec.Location), []byte("garbage"), 0o644))

	_, err = b.Read(ctx, rec)
	assert.ErrorIs(t, err, errs.ErrCorrupted)
}

func TestFileBackend_ScanSkipsAndRemovesBrokenEntries(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	b, err := NewFileBackend(fsys, "/cache", WithScanConcurrency(2))
	require.NoError(t, err)

	for _, key := range []string{"b", "a", "c"} {
		require.NoError(t, b.Write(ctx, testRecord(key, []byte(key)), []byte(key)))
	}

	broken := filepath.Join("/cache", "entries", "zz", "zz.entry")
	require.NoError(t, fsys.MkdirAll(filepath.Dir(broken), 0o755))
	require.NoError(t, fsys.WriteFile(broken, []byte("not an entry"), 0o644))

	var keys []string
	require.NoError(t, b.Scan(ctx, func(rec Record) error {
		keys = append(keys, rec.Key)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	exists, err := fsys.Exists(broken)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileBackend_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := NewFileBackend(billy.NewMemory(), "/cache")
	require.NoError(t, err)

	rec := testRecord("k", []byte("x"))
	assert.Error(t, b.Write(ctx, rec, []byte("x")))
	_, err = b.Read(ctx, rec)
	assert.Error(t, err)
}
