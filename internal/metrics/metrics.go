// Package metrics collects operational statistics for the cache.
package metrics

import (
	"sync"
	"time"
)

// Request kinds for metrics tracking
const (
	KindData  = "data"
	KindImage = "image"
)

// maxLatencySamples bounds the latency ring per operation.
const maxLatencySamples = 1000

// Metrics tracks hits, fetches, evictions and bandwidth for one cache instance.
type Metrics struct {
	mu sync.RWMutex

	// Core hit/miss statistics
	hits   int64
	misses int64

	// Fetch tracking
	fetches         int64 // underlying network operations
	coalesced       int64 // callers that joined an existing fetch
	fetchErrors     int64
	canceled        int64
	bytesDownloaded int64

	// Eviction and error tracking
	evictions    int64
	bytesEvicted int64
	trims        int64
	errors       int64

	bytesServed int64
	dataGets    int64
	imageGets   int64

	fetchLatencies []time.Duration

	startTime        time.Time
	lastHitTime      time.Time
	lastMissTime     time.Time
	lastEvictionTime time.Time
	lastErrorTime    time.Time

	peakBytesStored int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	Fetches         int64 `json:"fetches"`
	Coalesced       int64 `json:"coalesced"`
	FetchErrors     int64 `json:"fetch_errors"`
	Canceled        int64 `json:"canceled"`
	BytesDownloaded int64 `json:"bytes_downloaded"`

	Evictions    int64 `json:"evictions"`
	BytesEvicted int64 `json:"bytes_evicted"`
	Trims        int64 `json:"trims"`
	Errors       int64 `json:"errors"`

	BytesServed    int64 `json:"bytes_served"`
	BandwidthSaved int64 `json:"bandwidth_saved"`
	DataGets       int64 `json:"data_gets"`
	ImageGets      int64 `json:"image_gets"`

	AverageFetchLatency time.Duration `json:"avg_fetch_latency_ns"`
	FetchLatencySamples int           `json:"fetch_latency_samples"`

	Uptime                time.Duration `json:"uptime"`
	TimeSinceLastHit      time.Duration `json:"time_since_last_hit"`
	TimeSinceLastMiss     time.Duration `json:"time_since_last_miss"`
	TimeSinceLastEviction time.Duration `json:"time_since_last_eviction"`
	TimeSinceLastError    time.Duration `json:"time_since_last_error"`

	PeakBytesStored int64 `json:"peak_bytes_stored"`
}

// New creates a new Metrics instance.
func New() *Metrics {
	now := time.Now()
	return &Metrics{
		startTime:        now,
		lastHitTime:      now,
		lastMissTime:     now,
		lastEvictionTime: now,
		lastErrorTime:    now,
		fetchLatencies:   make([]time.Duration, 0, maxLatencySamples),
	}
}

func (m *Metrics) countKind(kind string) {
	switch kind {
	case KindData:
		m.dataGets++
	case KindImage:
		m.imageGets++
	}
}

// RecordHit records a request answered from the store.
func (m *Metrics) RecordHit(kind string, bytesServed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	m.bytesServed += bytesServed
	m.lastHitTime = time.Now()
	m.countKind(kind)
}

// RecordMiss records a request that had to go to the network.
func (m *Metrics) RecordMiss(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
	m.lastMissTime = time.Now()
	m.countKind(kind)
}

// RecordFetch records the outcome of one underlying network operation.
func (m *Metrics) RecordFetch(bytesDownloaded int64, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if err != nil {
		m.fetchErrors++
		return
	}
	m.bytesDownloaded += bytesDownloaded
	if len(m.fetchLatencies) >= maxLatencySamples {
		m.fetchLatencies = m.fetchLatencies[1:]
	}
	m.fetchLatencies = append(m.fetchLatencies, duration)
}

// RecordCoalesced records a caller that joined an in-flight fetch.
func (m *Metrics) RecordCoalesced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coalesced++
}

// RecordCanceled records a request withdrawn by its caller.
func (m *Metrics) RecordCanceled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled++
}

// RecordEviction records a single entry removed by a trim.
func (m *Metrics) RecordEviction(bytesEvicted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictions++
	m.bytesEvicted += bytesEvicted
	m.lastEvictionTime = time.Now()
}

// RecordTrim records a completed trim pass.
func (m *Metrics) RecordTrim() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trims++
}

// RecordError records an operation error.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors++
	m.lastErrorTime = time.Now()
}

// ObserveBytesStored updates the peak stored bytes.
func (m *Metrics) ObserveBytesStored(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.peakBytesStored {
		m.peakBytesStored = total
	}
}

func (m *Metrics) hitRate() float64 {
	total := m.hits + m.misses
	if total == 0 {
		return 0.0
	}
	return float64(m.hits) / float64(total)
}

// Snapshot returns a thread-safe copy of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Each hit is assumed to save one average-sized download.
	var avgBytesPerFetch int64
	if ok := m.fetches - m.fetchErrors; ok > 0 {
		avgBytesPerFetch = m.bytesDownloaded / ok
	}

	var avgFetch time.Duration
	if len(m.fetchLatencies) > 0 {
		var total time.Duration
		for _, lat := range m.fetchLatencies {
			total += lat
		}
		avgFetch = total / time.Duration(len(m.fetchLatencies))
	}

	now := time.Now()
	return Snapshot{
		Hits:                  m.hits,
		Misses:                m.misses,
		HitRate:               m.hitRate(),
		Fetches:               m.fetches,
		Coalesced:             m.coalesced,
		FetchErrors:           m.fetchErrors,
		Canceled:              m.canceled,
		BytesDownloaded:       m.bytesDownloaded,
		Evictions:             m.evictions,
		BytesEvicted:          m.bytesEvicted,
		Trims:                 m.trims,
		Errors:                m.errors,
		BytesServed:           m.bytesServed,
		BandwidthSaved:        m.hits * avgBytesPerFetch,
		DataGets:              m.dataGets,
		ImageGets:             m.imageGets,
		AverageFetchLatency:   avgFetch,
		FetchLatencySamples:   len(m.fetchLatencies),
		Uptime:                now.Sub(m.startTime),
		TimeSinceLastHit:      now.Sub(m.lastHitTime),
		TimeSinceLastMiss:     now.Sub(m.lastMissTime),
		TimeSinceLastEviction: now.Sub(m.lastEvictionTime),
		TimeSinceLastError:    now.Sub(m.lastErrorTime),
		PeakBytesStored:       m.peakBytesStored,
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	fresh := New()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits, m.misses = 0, 0
	m.fetches, m.coalesced, m.fetchErrors, m.canceled, m.bytesDownloaded = 0, 0, 0, 0, 0
	m.evictions, m.bytesEvicted, m.trims, m.errors = 0, 0, 0, 0
	m.bytesServed, m.dataGets, m.imageGets = 0, 0, 0
	m.fetchLatencies = fresh.fetchLatencies
	m.startTime = fresh.startTime
	m.lastHitTime = fresh.lastHitTime
	m.lastMissTime = fresh.lastMissTime
	m.lastEvictionTime = fresh.lastEvictionTime
	m.lastErrorTime = fresh.lastErrorTime
	m.peakBytesStored = 0
}
