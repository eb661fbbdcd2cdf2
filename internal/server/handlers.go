package server

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmgilman/go/urlcache"
	"github.com/jmgilman/go/urlcache/internal/errs"
)

// Response headers describing cache state.
const (
	headerExpired   = "X-Cache-Expired"
	headerExpiresAt = "X-Cache-Expires-At"
	headerKind      = "X-Cache-Kind"
	headerStatus    = "X-Cache"
	headerShared    = "X-Cache-Shared"
)

// maxBodyBytes bounds payloads accepted by PUT /v1/entries.
const maxBodyBytes = 64 << 20

// maxTTLSeconds is the largest ttl that fits in a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

func ttlFromSeconds(secs int64) (time.Duration, error) {
	if secs < 0 || secs > maxTTLSeconds {
		return 0, errs.InvalidInput("ttl must be between 0 and %d seconds, got %d", maxTTLSeconds, secs)
	}
	return time.Duration(secs) * time.Second, nil
}

// FetchRequest is the body of POST /v1/fetch.
type FetchRequest struct {
	URL           string `json:"url" binding:"required"`
	TTLSeconds    int64  `json:"ttl_seconds"`
	KeepIfExpired bool   `json:"keep_if_expired"`
	Image         bool   `json:"image"`
}

// SettingsRequest is the body of PUT /v1/settings. Omitted fields are left unchanged.
type SettingsRequest struct {
	MaxBytes   *int64  `json:"max_bytes"`
	TrimPolicy *string `json:"trim_policy"`
}

// LifecycleRequest is the body of POST /v1/lifecycle.
type LifecycleRequest struct {
	Transition string `json:"transition" binding:"required"`
}

func urlParam(c *gin.Context) (string, bool) {
	url := c.Query("url")
	if url == "" {
		abortWithError(c, errs.InvalidInput("query parameter url is required"))
		return "", false
	}
	return url, true
}

func setEntryHeaders(c *gin.Context, info urlcache.EntryInfo) {
	c.Header(headerKind, string(info.Kind))
	c.Header(headerExpired, strconv.FormatBool(info.Expired))
	c.Header(headerExpiresAt, info.ExpiresAt.UTC().Format(time.RFC3339))
}

func (s *Server) getEntry(c *gin.Context) {
	url, ok := urlParam(c)
	if !ok {
		return
	}

	data, kind, err := s.cache.Entry(c.Request.Context(), url)
	if err != nil {
		abortWithError(c, err)
		return
	}
	// The entry may have been replaced or removed since the read; headers
	// are best effort.
	if info, err := s.cache.Info(url); err == nil {
		setEntryHeaders(c, info)
	}
	c.Data(http.StatusOK, kind.ContentType(), data)
}

func (s *Server) headEntry(c *gin.Context) {
	url, ok := urlParam(c)
	if !ok {
		return
	}

	info, err := s.cache.Info(url)
	if err != nil {
		abortWithError(c, err)
		return
	}
	setEntryHeaders(c, info)
	c.Header("Content-Type", info.Kind.ContentType())
	c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
	c.Status(http.StatusOK)
}

func (s *Server) putEntry(c *gin.Context) {
	url, ok := urlParam(c)
	if !ok {
		return
	}

	var ttl time.Duration
	if raw := c.Query("ttl"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abortWithError(c, errs.InvalidInput("ttl must be a number of seconds, got %q", raw))
			return
		}
		if ttl, err = ttlFromSeconds(secs); err != nil {
			abortWithError(c, err)
			return
		}
	}

	keep, err := strconv.ParseBool(c.DefaultQuery("keep", "false"))
	if err != nil {
		abortWithError(c, errs.InvalidInput("keep must be a boolean, got %q", c.Query("keep")))
		return
	}

	kind, err := urlcache.ParseKind(c.Query("kind"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		abortWithError(c, errs.InvalidInput("failed to read body: %v", err))
		return
	}

	if err := s.cache.Add(c.Request.Context(), url, body, kind, ttl, keep); err != nil {
		abortWithError(c, err)
		return
	}

	info, err := s.cache.Info(url)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) deleteEntry(c *gin.Context) {
	url, ok := urlParam(c)
	if !ok {
		return
	}
	if err := s.cache.Delete(c.Request.Context(), url); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fetch(c *gin.Context) {
	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.InvalidInput("invalid fetch request: %v", err))
		return
	}
	ttl, err := ttlFromSeconds(req.TTLSeconds)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()

	var r *urlcache.Request
	if req.Image {
		r = s.cache.RequestImage(ctx, req.URL, ttl, req.KeepIfExpired)
	} else {
		r = s.cache.RequestData(ctx, req.URL, ttl, req.KeepIfExpired)
	}

	res, err := r.Wait(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}

	cacheStatus := "MISS"
	if res.FromCache {
		cacheStatus = "HIT"
	}
	c.Header(headerStatus, cacheStatus)
	c.Header(headerShared, strconv.FormatBool(res.Shared))
	c.Header(headerKind, string(res.Kind))
	c.Data(http.StatusOK, res.Kind.ContentType(), res.Data)
}

func (s *Server) trim(c *gin.Context) {
	result, err := s.cache.Trim(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) updateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.InvalidInput("invalid settings: %v", err))
		return
	}

	// Validate everything before applying anything.
	var policy urlcache.TrimPolicy
	if req.TrimPolicy != nil {
		p, err := urlcache.ParseTrimPolicy(*req.TrimPolicy)
		if err != nil {
			abortWithError(c, err)
			return
		}
		policy = p
	}
	if req.MaxBytes != nil && *req.MaxBytes < 0 {
		abortWithError(c, errs.InvalidInput("max_bytes must not be negative"))
		return
	}

	if req.MaxBytes != nil {
		if err := s.cache.SetMaxBytes(*req.MaxBytes); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if req.TrimPolicy != nil {
		if err := s.cache.SetTrimPolicy(policy); err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) lifecycle(c *gin.Context) {
	var req LifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.InvalidInput("invalid lifecycle request: %v", err))
		return
	}
	t, err := urlcache.ParseActivityTransition(req.Transition)
	if err != nil {
		abortWithError(c, err)
		return
	}

	trimmed := s.cache.NotifyActivity(c.Request.Context(), t)
	c.JSON(http.StatusOK, gin.H{
		"transition": t.String(),
		"trimmed":    trimmed,
	})
}
