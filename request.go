package urlcache

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/fetch"
	"github.com/jmgilman/go/urlcache/internal/logging"
	"github.com/jmgilman/go/urlcache/internal/metrics"
)

// Result is the outcome of a request. Data and Image are shared between
// coalesced requests and must not be modified.
type Result struct {
	URL   string
	Data  []byte
	Image image.Image
	Kind  Kind
	// FromCache is true when the result was served without a fetch.
	FromCache bool
	// Shared is true when the request joined a fetch started by another request.
	Shared bool
	Err    error
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	callback func(*Result)
	progress func(Progress)
	dispatch func(func())
}

// WithCallback registers fn to receive the result. fn is called exactly
// once, including when the request fails or is canceled.
func WithCallback(fn func(*Result)) RequestOption {
	return func(o *requestOptions) {
		o.callback = fn
	}
}

// WithProgress registers fn to receive download progress. fn is called on
// the fetching goroutine and must not block.
func WithProgress(fn func(Progress)) RequestOption {
	return func(o *requestOptions) {
		o.progress = fn
	}
}

// WithDispatcher runs the callback through dispatch, for example to hand it
// to an event loop owned by the caller.
func WithDispatcher(dispatch func(func())) RequestOption {
	return func(o *requestOptions) {
		o.dispatch = dispatch
	}
}

// Request is an asynchronous fetch-or-load of one URL. It completes exactly
// once, with a result, an error or a cancellation.
type Request struct {
	url    string
	image  bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result *Result
}

// URL returns the requested URL.
func (r *Request) URL() string { return r.url }

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome, or nil while the request is running.
func (r *Request) Result() *Result {
	select {
	case <-r.done:
		return r.result
	default:
		return nil
	}
}

// Wait blocks until the request completes or ctx ends. Ending ctx does not
// cancel the request.
func (r *Request) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, r.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the request. The underlying fetch continues while other
// requests still wait on it. Canceling a completed request has no effect.
func (r *Request) Cancel() {
	r.cancel()
}

func (r *Request) finish(res *Result, o requestOptions) {
	r.once.Do(func() {
		r.result = res
		close(r.done)
		r.cancel()

		if o.callback == nil {
			return
		}
		cb := func() { o.callback(res) }
		if o.dispatch != nil {
			o.dispatch(cb)
			return
		}
		cb()
	})
}

// RequestData loads url from the cache when fresh, otherwise fetches and
// stores it. A zero ttl uses the configured default. Canceling ctx cancels
// the request.
func (c *Cache) RequestData(ctx context.Context, url string, ttl time.Duration, keepIfExpired bool, opts ...RequestOption) *Request {
	return c.request(ctx, url, ttl, keepIfExpired, false, opts)
}

// RequestImage is RequestData for images. Fetched bytes are stored only when
// they decode as a JPEG or PNG image.
func (c *Cache) RequestImage(ctx context.Context, url string, ttl time.Duration, keepIfExpired bool, opts ...RequestOption) *Request {
	return c.request(ctx, url, ttl, keepIfExpired, true, opts)
}

func (c *Cache) request(ctx context.Context, url string, ttl time.Duration, keep, asImage bool, opts []RequestOption) *Request {
	o := requestOptions{dispatch: c.cfg.Dispatcher}
	for _, opt := range opts {
		opt(&o)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Request{
		url:    url,
		image:  asImage,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.RLock()
	closed := c.closed
	if !closed {
		c.requests.Add(1)
	}
	c.mu.RUnlock()

	if closed {
		r.finish(&Result{URL: url, Err: errs.Closed()}, o)
		return r
	}

	go func() {
		defer c.requests.Done()
		r.finish(c.resolve(rctx, r, c.ttl(ttl), keep, o.progress), o)
	}()
	return r
}

func metricKind(asImage bool) string {
	if asImage {
		return metrics.KindImage
	}
	return metrics.KindData
}

// fetched is the value shared by every waiter of a flight. Data and image
// requests for the same URL join one flight; each image waiter decodes
// through decodeOnce so the bytes are decoded at most once.
type fetched struct {
	url         string
	data        []byte
	contentType string

	decodeOnce sync.Once
	img        image.Image
	imgKind    Kind
	decodeErr  error

	commitOnce sync.Once
	kind       Kind
	commitErr  error
}

func (f *fetched) decode(dec ImageDecoder) (image.Image, Kind, error) {
	f.decodeOnce.Do(func() {
		f.imgKind = DetectKind(f.contentType, f.url)
		if !f.imgKind.IsImage() {
			f.decodeErr = errs.Decode(f.url, nil)
			return
		}
		img, err := dec.Decode(f.data, f.imgKind)
		if err != nil {
			f.decodeErr = errs.Decode(f.url, err)
			return
		}
		f.img = img
	})
	return f.img, f.imgKind, f.decodeErr
}

func (c *Cache) resolve(ctx context.Context, r *Request, ttl time.Duration, keep bool, progress func(Progress)) *Result {
	if res, ok := c.fromCache(ctx, r); ok {
		return res
	}
	c.metrics.RecordMiss(metricKind(r.image))

	val, shared, err := c.flights.Do(ctx, r.url, func(fctx context.Context, fanOut fetch.ProgressFunc) (any, error) {
		return c.fetchAndStore(fctx, r.url, ttl, keep, r.image, fanOut)
	}, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) && !errors.Is(err, errs.ErrCanceled) {
			err = errs.Canceled(r.url, err)
		}
		return &Result{URL: r.url, Shared: shared, Err: err}
	}

	f := val.(*fetched)
	if r.image {
		img, kind, err := f.decode(c.decoder)
		if err != nil {
			return &Result{URL: r.url, Shared: shared, Err: err}
		}
		return &Result{URL: r.url, Data: f.data, Image: img, Kind: kind, Shared: shared}
	}

	// An image flight whose bytes did not decode stored nothing; the first
	// data waiter stores them instead.
	if err := c.commit(context.WithoutCancel(ctx), f, KindData, ttl, keep); err != nil {
		return &Result{URL: r.url, Shared: shared, Err: err}
	}
	return &Result{URL: r.url, Data: f.data, Kind: f.kind, Shared: shared}
}

// commit stores the fetched bytes once per flight.
func (c *Cache) commit(ctx context.Context, f *fetched, kind Kind, ttl time.Duration, keep bool) error {
	f.commitOnce.Do(func() {
		f.kind = kind
		if _, err := c.store.Put(ctx, f.url, f.data, kind, ttl, keep); err != nil {
			c.metrics.RecordError()
			f.commitErr = err
			return
		}
		c.metrics.ObserveBytesStored(c.store.TotalBytes())
	})
	return f.commitErr
}

// fromCache serves a fresh entry without touching the network. An image
// entry that no longer decodes is treated as a miss.
func (c *Cache) fromCache(ctx context.Context, r *Request) (*Result, bool) {
	rec, ok := c.store.Lookup(r.url)
	if !ok || rec.Expired(c.cfg.Clock()) {
		return nil, false
	}

	data, rec, err := c.store.Get(ctx, r.url)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.logger.Warn(ctx, "cached entry unreadable, fetching", "url", r.url, "error", err.Error())
		}
		return nil, false
	}

	res := &Result{URL: r.url, Data: data, Kind: rec.Kind, FromCache: true}
	if r.image {
		img, err := c.decoder.Decode(data, rec.Kind)
		if err != nil {
			c.logger.Warn(ctx, "cached image does not decode, fetching", "url", r.url, "error", err.Error())
			return nil, false
		}
		res.Image = img
	}

	logging.LogCacheHit(ctx, c.logger, logging.OpRequest, r.url, rec.Size)
	c.metrics.RecordHit(metricKind(r.image), rec.Size)
	return res, true
}

// fetchAndStore performs one network fetch and commits the result. A flight
// started by an image request stores the bytes only when they decode; a
// flight started by a data request stores them as they are.
func (c *Cache) fetchAndStore(ctx context.Context, url string, ttl time.Duration, keep, asImage bool, progress func(Progress)) (*fetched, error) {
	start := time.Now()
	resp, err := c.fetcher.Fetch(ctx, url, progress)
	var size int64
	if resp != nil {
		size = int64(len(resp.Body))
	}
	c.metrics.RecordFetch(size, time.Since(start), err)
	logging.LogFetch(ctx, c.logger, url, size, c.flights.Waiters(url), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	out := &fetched{url: url, data: resp.Body, contentType: resp.ContentType()}
	if asImage {
		_, kind, err := out.decode(c.decoder)
		if err != nil {
			return out, nil
		}
		return out, c.commit(ctx, out, kind, ttl, keep)
	}
	return out, c.commit(ctx, out, KindData, ttl, keep)
}
