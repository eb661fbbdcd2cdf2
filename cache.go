package urlcache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/evict"
	"github.com/jmgilman/go/urlcache/internal/fetch"
	"github.com/jmgilman/go/urlcache/internal/logging"
	"github.com/jmgilman/go/urlcache/internal/metrics"
	"github.com/jmgilman/go/urlcache/internal/store"
)

// closeTimeout bounds how long Close waits for in-flight fetches to stop.
const closeTimeout = 5 * time.Second

// Fetcher retrieves the bytes behind a URL.
type Fetcher = fetch.Fetcher

// Response is a successful fetch.
type Response = fetch.Response

// Progress describes download progress for a request.
type Progress = fetch.Progress

// ProgressFunc receives download progress from a Fetcher.
type ProgressFunc = fetch.ProgressFunc

// TrimResult summarizes a trim pass.
type TrimResult = evict.Result

// MetricsSnapshot is a point-in-time copy of cache metrics.
type MetricsSnapshot = metrics.Snapshot

// Stats describes the current state of a cache.
type Stats struct {
	Entries    int             `json:"entries"`
	TotalBytes int64           `json:"total_bytes"`
	MaxBytes   int64           `json:"max_bytes"`
	TrimPolicy string          `json:"trim_policy"`
	InFlight   int             `json:"in_flight"`
	Metrics    MetricsSnapshot `json:"metrics"`
}

// Cache is a persistent URL-keyed cache. It is safe for concurrent use.
// Each Cache owns its catalog; independent instances must use distinct
// storage locations.
type Cache struct {
	cfg     Config
	store   *store.Store
	engine  *evict.Engine
	flights *fetch.Coordinator
	decodes singleflight.Group
	fetcher Fetcher
	decoder ImageDecoder
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex // guards the fields below
	maxBytes      int64
	policy        TrimPolicy
	budgetLowered bool
	closed        bool

	requests sync.WaitGroup
}

// New opens a cache, loading any entries persisted by earlier processes.
func New(ctx context.Context, opts ...Option) (*Cache, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := openBackend(&cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, backend,
		store.WithLogger(cfg.Logger.With("component", "store")),
		store.WithClock(cfg.Clock))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	m := metrics.New()
	m.ObserveBytesStored(st.TotalBytes())

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewHTTPFetcher(cfg.FetchTimeout)
	}

	return &Cache{
		cfg:   cfg,
		store: st,
		engine: evict.NewEngine(st,
			evict.WithLogger(cfg.Logger.With("component", "evict")),
			evict.WithMetrics(m)),
		flights: fetch.NewCoordinator(
			fetch.WithLogger(cfg.Logger.With("component", "fetch")),
			fetch.WithMetrics(m)),
		fetcher:  fetcher,
		decoder:  cfg.Decoder,
		logger:   cfg.Logger,
		metrics:  m,
		maxBytes: cfg.MaxBytes,
		policy:   cfg.TrimPolicy,
	}, nil
}

func openBackend(cfg *Config) (store.Backend, error) {
	if cfg.SQLitePath != "" {
		return store.OpenSQLBackend(cfg.SQLitePath)
	}
	if cfg.FS == nil {
		cfg.FS = billy.NewLocal()
	}
	return store.NewFileBackend(cfg.FS, cfg.RootPath,
		store.WithFileLogger(cfg.Logger.With("component", "storage")))
}

func (c *Cache) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errs.Closed()
	}
	return nil
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.cfg.DefaultTTL
	}
	return ttl
}

// AddData stores data under url, replacing any previous entry. A zero ttl
// uses the configured default.
func (c *Cache) AddData(ctx context.Context, url string, data []byte, ttl time.Duration, keepIfExpired bool) error {
	return c.add(ctx, url, data, KindData, ttl, keepIfExpired)
}

// AddJPEGData stores JPEG-encoded data under url.
func (c *Cache) AddJPEGData(ctx context.Context, url string, data []byte, ttl time.Duration, keepIfExpired bool) error {
	return c.add(ctx, url, data, KindJPEG, ttl, keepIfExpired)
}

// AddPNGData stores PNG-encoded data under url.
func (c *Cache) AddPNGData(ctx context.Context, url string, data []byte, ttl time.Duration, keepIfExpired bool) error {
	return c.add(ctx, url, data, KindPNG, ttl, keepIfExpired)
}

// Add stores data of the given kind under url.
func (c *Cache) Add(ctx context.Context, url string, data []byte, kind Kind, ttl time.Duration, keepIfExpired bool) error {
	return c.add(ctx, url, data, kind, ttl, keepIfExpired)
}

func (c *Cache) add(ctx context.Context, url string, data []byte, kind Kind, ttl time.Duration, keep bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Put(ctx, url, data, kind, c.ttl(ttl), keep); err != nil {
		c.metrics.RecordError()
		return err
	}
	c.metrics.ObserveBytesStored(c.store.TotalBytes())
	return nil
}

// Data returns the bytes stored for url regardless of freshness.
func (c *Cache) Data(ctx context.Context, url string) ([]byte, error) {
	data, _, err := c.get(ctx, url, metrics.KindData)
	return data, err
}

// Entry returns the bytes and kind stored for url regardless of freshness.
func (c *Cache) Entry(ctx context.Context, url string) ([]byte, Kind, error) {
	data, rec, err := c.get(ctx, url, metrics.KindData)
	return data, rec.Kind, err
}

func (c *Cache) get(ctx context.Context, url, metricKind string) ([]byte, store.Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, store.Record{}, err
	}
	data, rec, err := c.store.Get(ctx, url)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			logging.LogCacheMiss(ctx, c.logger, logging.OpRead, url, "not_found")
			c.metrics.RecordMiss(metricKind)
		} else {
			c.metrics.RecordError()
		}
		return nil, store.Record{}, err
	}
	logging.LogCacheHit(ctx, c.logger, logging.OpRead, url, rec.Size)
	c.metrics.RecordHit(metricKind, rec.Size)
	return data, rec, nil
}

// FreshData returns the bytes stored for url only while the entry is fresh.
// An expired entry is reported as ErrNotFound and is deleted unless it is
// marked keep-if-expired.
func (c *Cache) FreshData(ctx context.Context, url string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if expired, err := c.Expired(ctx, url); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.metrics.RecordMiss(metrics.KindData)
		}
		return nil, err
	} else if expired {
		logging.LogCacheMiss(ctx, c.logger, logging.OpRead, url, "expired")
		c.metrics.RecordMiss(metrics.KindData)
		return nil, errs.NotFound(url)
	}
	return c.Data(ctx, url)
}

// Image returns the decoded image stored for url regardless of freshness.
// Concurrent decodes of the same URL share one decode, which does not
// observe any single caller's cancellation. A decode failure leaves the
// stored bytes untouched.
func (c *Cache) Image(ctx context.Context, url string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canceled(url, err)
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.decodes.Do(url, func() (any, error) {
		data, rec, err := c.get(shared, url, metrics.KindImage)
		if err != nil {
			return nil, err
		}
		img, err := c.decoder.Decode(data, rec.Kind)
		if err != nil {
			return nil, errs.Decode(url, err)
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// Delete removes the entry for url. Deleting a missing entry is not an error.
func (c *Cache) Delete(ctx context.Context, url string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.Delete(ctx, url)
}

// Exists reports whether an entry is stored for url.
func (c *Cache) Exists(url string) bool {
	return c.store.Exists(url)
}

// EntryInfo describes a stored entry without its payload.
type EntryInfo struct {
	URL           string    `json:"url"`
	Kind          Kind      `json:"kind"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	KeepIfExpired bool      `json:"keep_if_expired"`
	Expired       bool      `json:"expired"`
}

// Info returns the metadata stored for url. Unlike Expired it never
// deletes the entry.
func (c *Cache) Info(url string) (EntryInfo, error) {
	rec, ok := c.store.Lookup(url)
	if !ok {
		return EntryInfo{}, errs.NotFound(url)
	}
	return EntryInfo{
		URL:           rec.Key,
		Kind:          rec.Kind,
		Size:          rec.Size,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		KeepIfExpired: rec.KeepIfExpired,
		Expired:       rec.Expired(c.cfg.Clock()),
	}, nil
}

// Expired reports whether the entry for url is past its expiry, returning
// ErrNotFound when there is no entry. Expired entries not marked
// keep-if-expired are deleted by the check.
func (c *Cache) Expired(ctx context.Context, url string) (bool, error) {
	rec, ok := c.store.Lookup(url)
	if !ok {
		return false, errs.NotFound(url)
	}
	if !rec.Expired(c.cfg.Clock()) {
		return false, nil
	}
	if !rec.KeepIfExpired {
		if _, err := c.store.Evict(ctx, rec); err != nil {
			return true, err
		}
		c.logger.Debug(ctx, "expired cache entry removed",
			"operation", string(logging.OpExpire),
			"url", url)
	}
	return true, nil
}

// SetMaxBytes sets the byte budget used by trims. Use Unbounded to disable it.
func (c *Cache) SetMaxBytes(n int64) error {
	if n < 0 {
		return errs.InvalidInput("max bytes must not be negative, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < c.maxBytes {
		c.budgetLowered = true
	}
	c.maxBytes = n
	return nil
}

// MaxBytes returns the byte budget.
func (c *Cache) MaxBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBytes
}

// SetTrimPolicy sets when trims run automatically.
func (c *Cache) SetTrimPolicy(p TrimPolicy) error {
	if !p.valid() {
		return errs.InvalidInput("unknown trim policy %d", int(p))
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	return nil
}

// TrimPolicy returns the trim policy.
func (c *Cache) TrimPolicy() TrimPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Trim deletes entries until the catalog is within the byte budget.
func (c *Cache) Trim(ctx context.Context) (TrimResult, error) {
	if err := c.checkOpen(); err != nil {
		return TrimResult{}, err
	}

	maxBytes := c.MaxBytes()
	result, err := c.engine.Trim(ctx, maxBytes)
	if err != nil {
		return result, err
	}

	c.mu.Lock()
	if c.maxBytes >= maxBytes && result.After <= maxBytes {
		c.budgetLowered = false
	}
	c.mu.Unlock()
	return result, nil
}

// TotalBytes returns the sum of stored payload sizes.
func (c *Cache) TotalBytes() int64 {
	return c.store.TotalBytes()
}

// Stats returns the current cache state and metrics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	maxBytes, policy := c.maxBytes, c.policy
	c.mu.RUnlock()

	return Stats{
		Entries:    c.store.Len(),
		TotalBytes: c.store.TotalBytes(),
		MaxBytes:   maxBytes,
		TrimPolicy: policy.String(),
		InFlight:   c.flights.InFlight(),
		Metrics:    c.metrics.Snapshot(),
	}
}

// Close aborts in-flight fetches, waits for outstanding requests to
// complete and releases storage. Calling Close more than once is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := c.flights.Shutdown(ctx); err != nil {
		c.logger.Warn(ctx, "in-flight fetches did not stop in time", "error", err.Error())
	}
	c.requests.Wait()

	if err := c.store.Close(); err != nil {
		return errs.Storage("close", "", fmt.Errorf("failed to close backend: %w", err))
	}
	return nil
}
