package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_HitsAndMisses(t *testing.T) {
	m := New()

	m.RecordHit(KindData, 100)
	m.RecordHit(KindImage, 50)
	m.RecordMiss(KindData)
	m.RecordFetch(200, 10*time.Millisecond, nil)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 0.0001)
	assert.Equal(t, int64(150), s.BytesServed)
	assert.Equal(t, int64(2), s.DataGets)
	assert.Equal(t, int64(1), s.ImageGets)
	assert.Equal(t, int64(400), s.BandwidthSaved)
	assert.Equal(t, 10*time.Millisecond, s.AverageFetchLatency)
}

func TestMetrics_FetchErrorsDoNotCountBytes(t *testing.T) {
	m := New()

	m.RecordFetch(500, time.Second, errors.New("reset"))
	m.RecordCoalesced()
	m.RecordCanceled()

	s := m.Snapshot()
	assert.Equal(t, int64(1), s.Fetches)
	assert.Equal(t, int64(1), s.FetchErrors)
	assert.Equal(t, int64(0), s.BytesDownloaded)
	assert.Equal(t, int64(1), s.Coalesced)
	assert.Equal(t, int64(1), s.Canceled)
	assert.Equal(t, 0, s.FetchLatencySamples)
}

func TestMetrics_EvictionsAndReset(t *testing.T) {
	m := New()

	m.RecordEviction(400)
	m.RecordEviction(400)
	m.RecordTrim()
	m.RecordError()
	m.ObserveBytesStored(1200)
	m.ObserveBytesStored(800)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.Evictions)
	assert.Equal(t, int64(800), s.BytesEvicted)
	assert.Equal(t, int64(1), s.Trims)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, int64(1200), s.PeakBytesStored)

	m.Reset()
	assert.Equal(t, Snapshot{}.Evictions, m.Snapshot().Evictions)
	assert.Equal(t, int64(0), m.Snapshot().PeakBytesStored)
}

func TestMetrics_Concurrent(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordHit(KindData, 1)
			m.RecordFetch(1, time.Millisecond, nil)
			_ = m.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.Snapshot().Hits)
	assert.Equal(t, int64(50), m.Snapshot().Fetches)
}
