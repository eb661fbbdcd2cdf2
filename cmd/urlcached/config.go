package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmgilman/go/urlcache"
	"github.com/jmgilman/go/urlcache/internal/logging"
)

const defaultListen = "127.0.0.1:8080"

// fileConfig is the YAML configuration of the daemon.
type fileConfig struct {
	Listen string `yaml:"listen"`

	Storage struct {
		// Root is the directory for the file backend.
		Root string `yaml:"root"`
		// SQLite selects the SQLite backend when set.
		SQLite string `yaml:"sqlite"`
	} `yaml:"storage"`

	MaxBytes     int64         `yaml:"max_bytes"`
	TrimPolicy   string        `yaml:"trim_policy"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

func defaultFileConfig() fileConfig {
	cfg := fileConfig{
		Listen:     defaultListen,
		MaxBytes:   urlcache.DefaultMaxBytes,
		TrimPolicy: "activity",
	}
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) logger() (*logging.Logger, error) {
	level, err := logging.ParseLogLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultLogConfig()
	cfg.Level = level
	cfg.JSON = c.Log.JSON
	return logging.NewLogger(cfg), nil
}

// options converts the file configuration into cache options. Zero durations
// fall through to the cache defaults.
func (c fileConfig) options(logger *logging.Logger) ([]urlcache.Option, error) {
	policy, err := urlcache.ParseTrimPolicy(c.TrimPolicy)
	if err != nil {
		return nil, err
	}

	opts := []urlcache.Option{
		urlcache.WithLogger(logger),
		urlcache.WithTrimPolicy(policy),
		// Zero is an explicit zero budget, as with the settings endpoint.
		urlcache.WithMaxBytes(c.MaxBytes),
	}
	if c.Storage.SQLite != "" {
		opts = append(opts, urlcache.WithSQLite(c.Storage.SQLite))
	}
	if c.Storage.Root != "" {
		// The local filesystem is rooted at "/".
		root, err := filepath.Abs(c.Storage.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage root: %w", err)
		}
		opts = append(opts, urlcache.WithRootPath(root))
	}
	if c.DefaultTTL != 0 {
		opts = append(opts, urlcache.WithDefaultTTL(c.DefaultTTL))
	}
	if c.FetchTimeout != 0 {
		opts = append(opts, urlcache.WithFetchTimeout(c.FetchTimeout))
	}
	return opts, nil
}
