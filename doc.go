// Package urlcache provides a persistent, size- and time-bounded cache for
// byte blobs and decoded images addressed by URL.
//
// Key features:
//   - Durable entries with per-entry expiry and a keep-if-expired flag
//   - Atomic replacement of entries, surviving process restarts
//   - Coalescing of concurrent fetches for the same URL into one download
//   - Cancellable asynchronous requests with exactly-once completion
//   - A byte budget enforced by trims, on demand or on activity transitions
//   - Filesystem abstraction (core.FS) or SQLite storage
//
// Basic usage:
//
//	c, err := urlcache.New(ctx, urlcache.WithMaxBytes(50<<20))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	// Synchronous access to cached content
//	err = c.AddData(ctx, "https://example.com/a.json", data, time.Hour, false)
//	data, err = c.Data(ctx, "https://example.com/a.json")
//
//	// Asynchronous fetch-and-store
//	req := c.RequestImage(ctx, "https://example.com/logo.png", urlcache.TTLOneYear, true,
//	    urlcache.WithCallback(func(res *urlcache.Result) {
//	        // res.Image or res.Err
//	    }),
//	)
//
//	// Hosting application lifecycle
//	c.NotifyActivity(ctx, urlcache.ResignedActive)
package urlcache
