// Package evict keeps the entry catalog within a byte budget.
//
// Entries are removed in a fixed priority order:
//
//  1. expired entries that are not marked keep-if-expired, earliest expiry first
//  2. the remaining entries not marked keep-if-expired, oldest first
//  3. keep-if-expired entries, oldest first
//
// Ties are broken by key so that a plan is fully determined by the catalog
// and the current time. Pinned entries are never removed.
package evict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/urlcache/internal/logging"
	"github.com/jmgilman/go/urlcache/internal/metrics"
	"github.com/jmgilman/go/urlcache/internal/store"
)

// Eviction reasons reported in logs.
const (
	ReasonExpired  = "expired"
	ReasonSize     = "size_limit_exceeded"
	ReasonSizeKeep = "size_limit_exceeded_keep"
)

// Result summarizes a trim pass.
type Result struct {
	Before     int64    `json:"before_bytes"`
	After      int64    `json:"after_bytes"`
	Deleted    []string `json:"deleted"`
	BytesFreed int64    `json:"bytes_freed"`
	// Skipped counts candidates left in place because they were pinned or
	// replaced while the pass ran.
	Skipped int `json:"skipped"`
}

// Engine runs trim passes against a store. Passes are serialized.
type Engine struct {
	store   *store.Store
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records evictions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine over s.
func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tier returns the priority class of rec; lower tiers are removed first.
func tier(rec store.Record, now time.Time) int {
	switch {
	case rec.KeepIfExpired:
		return 2
	case rec.Expired(now):
		return 0
	default:
		return 1
	}
}

func reason(rec store.Record, now time.Time) string {
	switch tier(rec, now) {
	case 0:
		return ReasonExpired
	case 2:
		return ReasonSizeKeep
	default:
		return ReasonSize
	}
}

// Order returns records sorted by removal priority. The input is not modified.
func Order(records []store.Record, now time.Time) []store.Record {
	ordered := make([]store.Record, len(records))
	copy(ordered, records)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		ta, tb := tier(a, now), tier(b, now)
		if ta != tb {
			return ta < tb
		}
		if ta == 0 && !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if ta != 0 && !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return ordered
}

// Trim removes entries until the catalog holds at most maxBytes. A catalog
// already within budget is left untouched. The store is marked trimmed only
// when the pass ends within budget. The first storage failure aborts
// the pass and is returned together with the partial result.
func (e *Engine) Trim(ctx context.Context, maxBytes int64) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	result := Result{Before: e.store.TotalBytes()}

	if result.Before <= maxBytes {
		result.After = result.Before
		e.store.MarkTrimmed()
		return result, nil
	}

	now := e.store.Now()
	for _, rec := range Order(e.store.Records(), now) {
		if e.store.TotalBytes() <= maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			result.After = e.store.TotalBytes()
			return result, err
		}

		removed, err := e.store.Evict(ctx, rec)
		if err != nil {
			result.After = e.store.TotalBytes()
			e.logger.Warn(ctx, "trim aborted", "url", rec.Key, "error", err.Error())
			if e.metrics != nil {
				e.metrics.RecordError()
			}
			return result, err
		}
		if !removed {
			result.Skipped++
			continue
		}

		result.Deleted = append(result.Deleted, rec.Key)
		result.BytesFreed += rec.Size
		logging.LogEviction(ctx, e.logger, rec.Key, rec.Size, reason(rec, now))
		if e.metrics != nil {
			e.metrics.RecordEviction(rec.Size)
		}
	}

	result.After = e.store.TotalBytes()
	// Pinned entries can keep the catalog over budget; leave it dirty so the
	// next automatic trim still runs.
	if result.After <= maxBytes {
		e.store.MarkTrimmed()
	}
	if e.metrics != nil {
		e.metrics.RecordTrim()
	}
	logging.LogTrim(ctx, e.logger, len(result.Deleted), result.BytesFreed, result.After, time.Since(start))

	return result, nil
}
