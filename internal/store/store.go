// Package store implements the persistent entry catalog of the cache.
//
// A Store keeps an authoritative in-memory index of every Record and
// delegates payload persistence to a Backend. Writes and deletes for the
// same key are serialized by a per-key lock; reads hold that lock shared
// for the whole payload read, so a delete that races a read waits for the
// read to finish.
package store

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/logging"
)

// Store is the entry catalog. It is safe for concurrent use.
type Store struct {
	backend Backend
	logger  *logging.Logger
	now     func() time.Time

	mu    sync.RWMutex // guards index, total and dirty
	index map[string]Record
	total int64
	dirty bool

	keyLocks sync.Map // map[string]*sync.RWMutex

	pinMu sync.Mutex
	pins  map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for creation and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store over backend and loads the persisted catalog.
func New(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errs.InvalidConfig("backend cannot be nil")
	}

	s := &Store{
		backend: backend,
		logger:  logging.NewNopLogger(),
		now:     time.Now,
		index:   make(map[string]Record),
		pins:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := backend.Scan(ctx, func(rec Record) error {
		if old, ok := s.index[rec.Key]; ok {
			s.total -= old.Size
		}
		s.index[rec.Key] = rec
		s.total += rec.Size
		return nil
	})
	if err != nil {
		return nil, errs.Storage("load", "", err)
	}

	// A non-empty catalog has not been trimmed by this process yet.
	s.dirty = len(s.index) > 0

	s.logger.Info(ctx, "cache catalog loaded",
		"operation", string(logging.OpLoad),
		"entries", len(s.index),
		"total_bytes", s.total)

	return s, nil
}

func (s *Store) keyLock(key string) *sync.RWMutex {
	lock, _ := s.keyLocks.LoadOrStore(key, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// Now returns the current time according to the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Put stores payload under key, replacing any previous entry. On failure the
// previous entry is left intact.
func (s *Store) Put(ctx context.Context, key string, payload []byte, kind Kind, ttl time.Duration, keep bool) (Record, error) {
	if key == "" {
		return Record{}, errs.InvalidInput("key cannot be empty")
	}
	if ttl <= 0 {
		return Record{}, errs.InvalidInput("ttl must be positive, got %s", ttl)
	}
	if !kind.Valid() {
		return Record{}, errs.InvalidInput("unknown kind %q", kind)
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	rec := Record{
		Key:           key,
		Location:      Location(key),
		Kind:          kind,
		Size:          int64(len(payload)),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		KeepIfExpired: keep,
		Checksum:      checksum(payload),
	}

	if err := s.backend.Write(ctx, rec, payload); err != nil {
		return Record{}, errs.Storage("put", key, err)
	}

	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.total -= old.Size
	}
	s.index[key] = rec
	s.total += rec.Size
	s.dirty = true
	s.mu.Unlock()

	s.logger.Debug(ctx, "cache entry stored",
		"operation", string(logging.OpAdd),
		"url", key,
		"size", rec.Size,
		"expires_at", rec.ExpiresAt)

	return rec, nil
}

// Get returns the payload and record for key regardless of freshness.
// The entry is pinned while it is read. A corrupted entry is removed and
// reported as a storage error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, Record, error) {
	release := s.Pin(key)
	defer release()

	data, rec, err := s.read(ctx, key)
	if err == nil {
		return data, rec, nil
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, Record{}, err
	case errors.Is(err, errs.ErrCorrupted):
		s.logger.Warn(ctx, "removing corrupted cache entry", "url", key)
		if derr := s.Delete(ctx, key); derr != nil {
			s.logger.Warn(ctx, "failed to remove corrupted cache entry", "url", key, "error", derr.Error())
		}
	}
	return nil, Record{}, errs.Storage("get", key, err)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, Record, error) {
	lock := s.keyLock(key)
	lock.RLock()
	defer lock.RUnlock()

	rec, ok := s.Lookup(key)
	if !ok {
		return nil, Record{}, errs.NotFound(key)
	}

	data, err := s.backend.Read(ctx, rec)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// The payload vanished underneath the index.
			s.forget(rec)
		}
		return nil, Record{}, err
	}
	if int64(len(data)) != rec.Size {
		return nil, Record{}, errs.ErrCorrupted
	}
	return data, rec, nil
}

// forget drops rec from the index if it is still the current record.
func (s *Store) forget(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.index[rec.Key]; ok && cur.CreatedAt.Equal(rec.CreatedAt) {
		delete(s.index, rec.Key)
		s.total -= cur.Size
	}
}

// Lookup returns the record for key without touching the backend.
func (s *Store) Lookup(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[key]
	return rec, ok
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := s.Lookup(key)
	if !ok {
		return nil
	}
	return s.remove(ctx, rec)
}

// Evict removes rec if it is still the current entry for its key and is not
// pinned. It reports whether the entry was removed.
func (s *Store) Evict(ctx context.Context, rec Record) (bool, error) {
	if s.Pinned(rec.Key) {
		return false, nil
	}

	lock := s.keyLock(rec.Key)
	lock.Lock()
	defer lock.Unlock()

	// A reader may have pinned the key while we waited for the lock.
	if s.Pinned(rec.Key) {
		return false, nil
	}
	cur, ok := s.Lookup(rec.Key)
	if !ok || !cur.CreatedAt.Equal(rec.CreatedAt) || cur.Checksum != rec.Checksum {
		return false, nil
	}
	if err := s.remove(ctx, cur); err != nil {
		return false, err
	}
	return true, nil
}

// remove deletes rec from the backend and the index. Callers hold the key lock.
func (s *Store) remove(ctx context.Context, rec Record) error {
	if err := s.backend.Remove(ctx, rec.Location); err != nil {
		return errs.Storage("delete", rec.Key, err)
	}

	s.mu.Lock()
	delete(s.index, rec.Key)
	s.total -= rec.Size
	s.mu.Unlock()

	s.logger.Debug(ctx, "cache entry removed",
		"operation", string(logging.OpDelete),
		"url", rec.Key,
		"size", rec.Size)
	return nil
}

// Exists reports whether key has an entry.
func (s *Store) Exists(key string) bool {
	_, ok := s.Lookup(key)
	return ok
}

// IsExpired reports whether the entry for key is past its expiry.
func (s *Store) IsExpired(key string) (bool, error) {
	rec, ok := s.Lookup(key)
	if !ok {
		return false, errs.NotFound(key)
	}
	return rec.Expired(s.now()), nil
}

// Records returns a snapshot of every record sorted by key.
func (s *Store) Records() []Record {
	s.mu.RLock()
	records := make([]Record, 0, len(s.index))
	for _, rec := range s.index {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records
}

// Scan yields a snapshot of the catalog in key order. The snapshot is taken
// when iteration starts, so the sequence can be ranged over repeatedly.
func (s *Store) Scan() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range s.Records() {
			if !yield(rec) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// TotalBytes returns the sum of payload sizes over the catalog.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Pin marks key as in use so trims skip it. The returned function releases
// the pin and must be called exactly once.
func (s *Store) Pin(key string) (release func()) {
	s.pinMu.Lock()
	s.pins[key]++
	s.pinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.pinMu.Lock()
			defer s.pinMu.Unlock()
			if s.pins[key] <= 1 {
				delete(s.pins, key)
				return
			}
			s.pins[key]--
		})
	}
}

// Pinned reports whether key is pinned.
func (s *Store) Pinned(key string) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[key] > 0
}

// Dirty reports whether an entry was added since the last MarkTrimmed.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkTrimmed clears the dirty flag.
func (s *Store) MarkTrimmed() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
