package store

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/fs/core"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/logging"
)

const (
	entriesDir   = "entries"
	tempDirName  = ".temp"
	entrySuffix  = ".entry"
	defaultScans = 8
)

// FileBackend stores one file per entry under a root directory.
//
// Each entry file holds the hex SHA-256 of the remainder on its first line,
// the JSON record on its second line and the raw payload after that. Files
// are written to a temp directory and renamed into place, so a single
// rename replaces payload and metadata together.
type FileBackend struct {
	fs         core.FS
	rootPath   string
	entries    string
	tempDir    string
	scanLimit  int
	logger     *logging.Logger
	globalLock sync.RWMutex
}

// FileBackendOption configures a FileBackend.
type FileBackendOption func(*FileBackend)

// WithFileLogger sets the logger used for startup repairs.
func WithFileLogger(logger *logging.Logger) FileBackendOption {
	return func(b *FileBackend) {
		b.logger = logger
	}
}

// WithScanConcurrency bounds the number of entry headers read in parallel by Scan.
func WithScanConcurrency(n int) FileBackendOption {
	return func(b *FileBackend) {
		if n > 0 {
			b.scanLimit = n
		}
	}
}

// NewFileBackend creates a file backend rooted at rootPath on fsys.
// Leftover temp files from interrupted writes are removed.
func NewFileBackend(fsys core.FS, rootPath string, opts ...FileBackendOption) (*FileBackend, error) {
	if fsys == nil {
		return nil, errs.InvalidConfig("filesystem cannot be nil")
	}
	if rootPath == "" {
		return nil, errs.InvalidConfig("root path cannot be empty")
	}

	b := &FileBackend{
		fs:        fsys,
		rootPath:  rootPath,
		entries:   filepath.Join(rootPath, entriesDir),
		tempDir:   filepath.Join(rootPath, tempDirName),
		scanLimit: defaultScans,
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, dir := range []string{b.entries, b.tempDir} {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Storage("init", dir, fmt.Errorf("failed to create directory: %w", err))
		}
	}

	if err := b.cleanupTempFiles(); err != nil {
		return nil, errs.Storage("init", b.tempDir, err)
	}

	return b, nil
}

func (b *FileBackend) entryPath(location string) string {
	prefix := location
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(b.entries, prefix, location+entrySuffix)
}

func (b *FileBackend) tempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return filepath.Join(b.tempDir, "entry_"+hex.EncodeToString(buf[:])), nil
}

// Write implements Backend.
func (b *FileBackend) Write(ctx context.Context, rec Record, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	header, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	body := make([]byte, 0, len(header)+1+len(payload))
	body = append(body, header...)
	body = append(body, '\n')
	body = append(body, payload...)

	fullPath := b.entryPath(rec.Location)

	b.globalLock.Lock()
	err = b.fs.MkdirAll(filepath.Dir(fullPath), 0o755)
	b.globalLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory %q: %w", filepath.Dir(fullPath), err)
	}

	tempFile, err := b.tempName()
	if err != nil {
		return fmt.Errorf("failed to name temp file: %w", err)
	}

	if err := b.writeWithChecksum(tempFile, body); err != nil {
		b.removeQuietly(tempFile)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	b.globalLock.Lock()
	err = b.fs.Rename(tempFile, fullPath)
	b.globalLock.Unlock()
	if err != nil {
		b.removeQuietly(tempFile)
		return fmt.Errorf("failed to rename temp file to %q: %w", fullPath, err)
	}

	return nil
}

// Read implements Backend.
func (b *FileBackend) Read(ctx context.Context, rec Record) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	body, err := b.readWithChecksum(b.entryPath(rec.Location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound(rec.Key)
		}
		return nil, err
	}

	header, payload, ok := bytes.Cut(body, []byte{'\n'})
	if !ok {
		return nil, errs.ErrCorrupted
	}
	var stored Record
	if err := json.Unmarshal(header, &stored); err != nil || stored.Key != rec.Key {
		return nil, errs.ErrCorrupted
	}

	return payload, nil
}

// Remove implements Backend.
func (b *FileBackend) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := b.entryPath(location)

	b.globalLock.Lock()
	err := b.fs.Remove(fullPath)
	b.globalLock.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file %q: %w", fullPath, err)
	}
	return nil
}

// Scan implements Backend. Headers are read in parallel and fn is called
// sequentially in key order. Entries whose headers cannot be parsed are
// removed.
func (b *FileBackend) Scan(ctx context.Context, fn func(Record) error) error {
	var paths []string

	b.globalLock.RLock()
	err := b.fs.Walk(b.entries, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && strings.HasSuffix(path, entrySuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	b.globalLock.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to walk entries: %w", err)
	}

	var (
		mu      sync.Mutex
		records = make([]Record, 0, len(paths))
		broken  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.scanLimit)
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := b.readHeader(path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Warn(gctx, "discarding unreadable cache entry", "path", path, "error", err.Error())
				broken = append(broken, path)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, path := range broken {
		b.removeQuietly(path)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}

// readHeader reads the checksum and record lines of an entry file.
func (b *FileBackend) readHeader(path string) (Record, error) {
	b.globalLock.RLock()
	file, err := b.fs.Open(path)
	b.globalLock.RUnlock()
	if err != nil {
		return Record{}, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	sum, err := r.ReadString('\n')
	if err != nil {
		return Record{}, fmt.Errorf("missing checksum line: %w", err)
	}
	if len(strings.TrimSpace(sum)) != 64 {
		return Record{}, errs.ErrCorrupted
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Record{}, fmt.Errorf("missing record line: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("invalid record: %w", err)
	}
	if rec.Key == "" || rec.Location != Location(rec.Key) {
		return Record{}, errs.ErrCorrupted
	}
	if filepath.Base(path) != rec.Location+entrySuffix {
		return Record{}, errs.ErrCorrupted
	}
	return rec, nil
}

// writeWithChecksum writes data to a file preceded by its SHA256 checksum.
func (b *FileBackend) writeWithChecksum(path string, data []byte) error {
	b.globalLock.Lock()
	file, err := b.fs.Create(path)
	b.globalLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", path, err)
	}

	if _, err := file.Write([]byte(checksum(data) + "\n")); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if s, ok := file.(core.Syncer); ok {
		if err := s.Sync(); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to sync file: %w", err)
		}
	}
	return file.Close()
}

// readWithChecksum reads a file and verifies its checksum line.
func (b *FileBackend) readWithChecksum(path string) ([]byte, error) {
	b.globalLock.RLock()
	file, err := b.fs.Open(path)
	b.globalLock.RUnlock()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sum, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok || string(sum) != checksum(body) {
		return nil, errs.ErrCorrupted
	}
	return body, nil
}

// cleanupTempFiles removes leftovers of interrupted writes.
func (b *FileBackend) cleanupTempFiles() error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	entries, err := b.fs.ReadDir(b.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(b.tempDir, entry.Name())
		if err := b.fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temp file %q: %w", path, err)
		}
	}
	return nil
}

func (b *FileBackend) removeQuietly(path string) {
	b.globalLock.Lock()
	_ = b.fs.Remove(path)
	b.globalLock.Unlock()
}
