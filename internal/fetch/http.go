package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

const (
	defaultChunkSize = 32 * 1024
	defaultUserAgent = "urlcache/1"

	// maxPrealloc caps the buffer reserved from an announced Content-Length.
	maxPrealloc = 1 << 20
)

// Progress describes download progress for one fetch.
type Progress struct {
	// ChunkSize is the number of bytes received by the latest read.
	ChunkSize int64 `json:"chunk_size"`
	// Downloaded is the running total of received bytes.
	Downloaded int64 `json:"downloaded"`
	// Expected is the announced content length, or -1 when unknown.
	Expected int64 `json:"expected"`
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(Progress)

// Response is a completed, successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Fetcher retrieves the bytes behind a URL. Implementations must honor ctx
// cancellation and return either a complete body or an error, never both.
type Fetcher interface {
	Fetch(ctx context.Context, url string, progress ProgressFunc) (*Response, error)
}

// HTTPFetcher fetches URLs with net/http. Only 2xx responses succeed.
type HTTPFetcher struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Timeout bounds the whole fetch, including reading the body. Zero disables it.
	Timeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// ChunkSize is the read buffer size used for progress reporting.
	ChunkSize int
	// MaxBodyBytes fails fetches whose body exceeds it. Zero means no limit.
	MaxBodyBytes int64
}

// NewHTTPFetcher returns an HTTPFetcher with the given timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{},
		Timeout:   timeout,
		UserAgent: defaultUserAgent,
		ChunkSize: defaultChunkSize,
	}
}

// Fetch implements Fetcher. Bytes received before a failure are discarded.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, progress ProgressFunc) (*Response, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.InvalidInput("invalid url %q: %v", url, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, f.wrap(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errs.Status(url, resp.StatusCode)
	}

	body, err := readBody(resp, f.chunkSize(), f.MaxBodyBytes, progress)
	if err != nil {
		return nil, f.wrap(ctx, url, err)
	}

	return &Response{
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (f *HTTPFetcher) chunkSize() int {
	if f.ChunkSize > 0 {
		return f.ChunkSize
	}
	return defaultChunkSize
}

// wrap classifies a transport failure. Cancellation by the caller is
// reported as such rather than as a network error.
func (f *HTTPFetcher) wrap(ctx context.Context, url string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errs.Canceled(url, err)
	}
	return errs.Network(url, err)
}

func readBody(resp *http.Response, chunkSize int, limit int64, progress ProgressFunc) ([]byte, error) {
	expected := resp.ContentLength
	if limit > 0 && expected > limit {
		return nil, fmt.Errorf("announced body of %d bytes exceeds limit of %d", expected, limit)
	}

	var body []byte
	if expected > 0 {
		body = make([]byte, 0, min(expected, maxPrealloc))
	}

	buf := make([]byte, chunkSize)
	var downloaded int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			downloaded += int64(n)
			if limit > 0 && downloaded > limit {
				return nil, fmt.Errorf("body exceeds limit of %d bytes", limit)
			}
			if progress != nil {
				progress(Progress{ChunkSize: int64(n), Downloaded: downloaded, Expected: expected})
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	}

	if body == nil {
		body = []byte{}
	}
	return body, nil
}
