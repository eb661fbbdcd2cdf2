package urlcache

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/logging"
)

const (
	// TTLOneYear marks an entry as effectively permanent.
	TTLOneYear = 365 * 24 * time.Hour

	// Unbounded disables the byte budget.
	Unbounded int64 = math.MaxInt64

	// DefaultMaxBytes is a practical budget for hosts that want one. A cache
	// configured without a budget is Unbounded.
	DefaultMaxBytes int64 = 10 * 1024 * 1024

	// DefaultFetchTimeout bounds each network fetch.
	DefaultFetchTimeout = 60 * time.Second
)

// Logger is the structured logger accepted by WithLogger.
type Logger = logging.Logger

// LogConfig configures NewLogger.
type LogConfig = logging.LogConfig

// NewLogger creates a structured logger.
func NewLogger(config LogConfig) *Logger {
	return logging.NewLogger(config)
}

// Config holds configuration for a Cache.
type Config struct {
	// FS is the filesystem for the file backend. Defaults to the local filesystem.
	FS core.FS

	// RootPath is the directory holding cache entries.
	// Defaults to <user cache dir>/urlcache.
	RootPath string

	// SQLitePath selects the SQLite backend instead of the file backend when set.
	// Use ":memory:" for a throwaway database.
	SQLitePath string

	// MaxBytes is the byte budget enforced by trims. A zero value set
	// directly on Config means Unbounded; WithMaxBytes(0) means a zero budget,
	// matching SetMaxBytes.
	MaxBytes    int64
	maxBytesSet bool

	// TrimPolicy controls when trims run automatically.
	TrimPolicy TrimPolicy

	// DefaultTTL applies to adds and requests made with a zero TTL.
	DefaultTTL time.Duration

	// FetchTimeout bounds each network fetch made by the default fetcher.
	FetchTimeout time.Duration

	// Fetcher performs network fetches. Defaults to an HTTP fetcher.
	Fetcher Fetcher

	// Decoder decodes image payloads. Defaults to the JPEG/PNG decoder.
	Decoder ImageDecoder

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *Logger

	// Clock is the time source for expiry. Defaults to time.Now.
	Clock func() time.Time

	// Dispatcher runs request callbacks. Defaults to calling them directly
	// on the request goroutine.
	Dispatcher func(func())
}

// Validate checks that the cache configuration is valid.
func (c *Config) Validate() error {
	if c.MaxBytes < 0 {
		return errs.InvalidConfig("max bytes must not be negative")
	}
	if c.DefaultTTL <= 0 {
		return errs.InvalidConfig("default TTL must be greater than 0")
	}
	if c.FetchTimeout < 0 {
		return errs.InvalidConfig("fetch timeout must not be negative")
	}
	if !c.TrimPolicy.valid() {
		return errs.InvalidConfig("unknown trim policy %d", int(c.TrimPolicy))
	}
	if c.SQLitePath == "" && c.RootPath == "" {
		return errs.InvalidConfig("root path cannot be empty")
	}
	return nil
}

// SetDefaults applies default values to unset fields in the configuration.
// FS and RootPath are left alone when a SQLite backend is selected.
func (c *Config) SetDefaults() {
	if c.MaxBytes == 0 && !c.maxBytesSet {
		c.MaxBytes = Unbounded
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = TTLOneYear
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.SQLitePath == "" && c.RootPath == "" {
		c.RootPath = defaultRootPath()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	if c.Decoder == nil {
		c.Decoder = StdDecoder{}
	}
}

func defaultRootPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "urlcache")
}

// Option is a functional option for configuring a Cache.
type Option func(*Config)

// WithFS sets the filesystem used by the file backend.
func WithFS(fsys core.FS) Option {
	return func(c *Config) {
		c.FS = fsys
	}
}

// WithRootPath sets the directory holding cache entries.
func WithRootPath(path string) Option {
	return func(c *Config) {
		c.RootPath = path
	}
}

// WithSQLite stores entries in the SQLite database at path.
func WithSQLite(path string) Option {
	return func(c *Config) {
		c.SQLitePath = path
	}
}

// WithMaxBytes sets the byte budget. Zero is a zero budget, as with
// SetMaxBytes. Use Unbounded to disable it.
func WithMaxBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBytes = n
		c.maxBytesSet = true
	}
}

// WithTrimPolicy sets when trims run automatically.
func WithTrimPolicy(p TrimPolicy) Option {
	return func(c *Config) {
		c.TrimPolicy = p
	}
}

// WithDefaultTTL sets the TTL used when an add or request passes zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// WithFetchTimeout bounds each fetch made by the default HTTP fetcher.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FetchTimeout = d
	}
}

// WithFetcher replaces the network fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *Config) {
		c.Fetcher = f
	}
}

// WithDecoder replaces the image decoder.
func WithDecoder(d ImageDecoder) Option {
	return func(c *Config) {
		c.Decoder = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// WithDefaultDispatcher sets how request callbacks are run when a request
// does not supply its own dispatcher.
func WithDefaultDispatcher(dispatch func(func())) Option {
	return func(c *Config) {
		c.Dispatcher = dispatch
	}
}
