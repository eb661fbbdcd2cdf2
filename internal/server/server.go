// Package server exposes a Cache over HTTP using gin.
//
// The surface is meant for administration and for processes that cannot
// link the cache directly: entries can be read, written and deleted, URLs
// can be fetched through the cache, and trims, settings and activity
// transitions can be driven remotely.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmgilman/go/urlcache"
	"github.com/jmgilman/go/urlcache/internal/logging"
)

// Server routes HTTP requests to a Cache.
type Server struct {
	cache  *urlcache.Cache
	logger *logging.Logger
	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server for cache.
func New(cache *urlcache.Cache, opts ...Option) *Server {
	s := &Server{
		cache:  cache,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler serving the cache.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/entries", s.getEntry)
		v1.HEAD("/entries", s.headEntry)
		v1.PUT("/entries", s.putEntry)
		v1.DELETE("/entries", s.deleteEntry)

		v1.POST("/fetch", s.fetch)
		v1.POST("/trim", s.trim)
		v1.GET("/stats", s.stats)
		v1.PUT("/settings", s.updateSettings)
		v1.POST("/lifecycle", s.lifecycle)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug(c.Request.Context(), "request handled",
			"operation", string(logging.OpRequest),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
