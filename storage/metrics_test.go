package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordPageEviction()
	m.RecordDirtyWriteback()
	m.RecordPoolExhausted()
	m.RecordPrefetch()
	m.RecordDiskWrite()
	m.RecordDiskError()
	m.RecordBackgroundFlush()
	m.RecordPageFlush(2 * time.Millisecond)
	m.RecordDiskRead(time.Millisecond)
	m.RecordPageFetch(time.Microsecond)

	assert.Equal(t, uint64(3), m.GetCacheHits())
	assert.Equal(t, uint64(1), m.GetCacheMisses())
	assert.Equal(t, 0.75, m.GetCacheHitRate())
	assert.Equal(t, uint64(1), m.GetPageEvictions())
	assert.Equal(t, uint64(1), m.GetDirtyWritebacks())
	assert.Equal(t, uint64(1), m.GetPoolExhausted())
	assert.Equal(t, uint64(1), m.GetPagesPrefetched())
	assert.Equal(t, uint64(1), m.GetDiskWrites())
	assert.Equal(t, uint64(1), m.GetDiskErrors())
	assert.Equal(t, uint64(1), m.GetBackgroundFlushes())
	assert.Equal(t, uint64(1), m.GetPageFlushes())
	assert.Equal(t, uint64(1), m.GetDiskReads())

	assert.InDelta(t, 2000, m.GetPageFlushLatency().P50, 0.001)
	assert.InDelta(t, 1000, m.GetDiskReadLatency().Max, 0.001)
	assert.Equal(t, 1, m.GetPageFetchLatency().Count)
}

func TestCacheHitRateEdgeCases(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 0.0, m.GetCacheHitRate(), "no lookups yet")

	m.RecordCacheHit()
	assert.Equal(t, 1.0, m.GetCacheHitRate())

	m.Reset()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	assert.Equal(t, 0.0, m.GetCacheHitRate())
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordCacheHit()
	m.RecordPageEviction()
	m.RecordPageFetch(time.Millisecond)

	m.Reset()
	assert.Zero(t, m.GetCacheHits())
	assert.Zero(t, m.GetPageEvictions())
	assert.Zero(t, m.GetPageFetchLatency().Count)
}

func TestMetricsLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMetrics()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordDiskRead(3 * time.Millisecond)

	m.LogMetrics(zap.New(core))

	entries := logs.FilterMessage("buffer pool metrics").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	pool, ok := fields["buffer_pool"].(map[string]interface{})
	require.True(t, ok, "buffer_pool should be an object")
	assert.Equal(t, uint64(1), pool["cache_hits"])
	assert.Equal(t, 0.5, pool["cache_hit_rate"])
	assert.Contains(t, fields, "latency_us")
}

func TestPoolMetricsFlow(t *testing.T) {
	metrics := NewMetrics()
	bpm := newTestPool(t, 2, WithMetrics(metrics))
	assert.Same(t, metrics, bpm.GetMetrics())

	p0 := newStampedPage(t, bpm, "m0")
	_ = newUnpinnedPage(t, bpm)
	_ = newUnpinnedPage(t, bpm) // evicts p0, dirty

	_, err := bpm.FetchPage(p0) // miss
	require.NoError(t, err)
	_, err = bpm.FetchPage(p0) // hit
	require.NoError(t, err)

	assert.Equal(t, uint64(1), metrics.GetCacheHits())
	assert.Equal(t, uint64(1), metrics.GetCacheMisses())
	assert.Equal(t, uint64(2), metrics.GetPageEvictions())
	assert.Equal(t, uint64(1), metrics.GetDirtyWritebacks())
	assert.Equal(t, uint64(1), metrics.GetDiskReads())
	assert.Equal(t, 2, metrics.GetPageFetchLatency().Count)
}
