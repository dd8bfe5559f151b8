package storage

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Histogram keeps the most recent latency samples in a ring buffer and
// answers percentile queries over them.
type Histogram struct {
	mu      sync.Mutex
	samples []float64 // Latencies in microseconds
	next    int       // ring write position once full
	full    bool
}

// NewHistogram creates a new histogram with a max sample size
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 10000 // Default: keep last 10k samples
	}
	return &Histogram{
		samples: make([]float64, 0, maxSize),
	}
}

// Record adds a latency sample (in microseconds)
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		h.samples = append(h.samples, latencyUs)
		if len(h.samples) == cap(h.samples) {
			h.full = true
		}
		return
	}
	h.samples[h.next] = latencyUs
	h.next = (h.next + 1) % len(h.samples)
}

// RecordDuration adds d as a sample.
func (h *Histogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1000.0)
}

func (h *Histogram) sortedCopy() []float64 {
	h.mu.Lock()
	out := make([]float64, len(h.samples))
	copy(out, h.samples)
	h.mu.Unlock()

	sort.Float64s(out)
	return out
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	// Linear interpolation between lower and upper
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Percentile calculates the given percentile (0-100)
func (h *Histogram) Percentile(p float64) float64 {
	return percentileOf(h.sortedCopy(), p)
}

// Count returns the number of samples
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = h.samples[:0]
	h.next = 0
	h.full = false
}

// HistogramSnapshot holds percentile statistics at one point in time
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	Sum   float64
	P50   float64 // Median
	P95   float64
	P99   float64
	P999  float64
}

// Snapshot captures current histogram statistics
func (h *Histogram) Snapshot() HistogramSnapshot {
	sorted := h.sortedCopy()
	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return HistogramSnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / float64(len(sorted)),
		Sum:   sum,
		P50:   percentileOf(sorted, 50),
		P95:   percentileOf(sorted, 95),
		P99:   percentileOf(sorted, 99),
		P999:  percentileOf(sorted, 99.9),
	}
}

// Metrics tracks buffer pool performance counters
type Metrics struct {
	cacheHits         atomic.Uint64
	cacheMisses       atomic.Uint64
	pageEvictions     atomic.Uint64
	dirtyWritebacks   atomic.Uint64 // dirty victims written before reuse
	pageFlushes       atomic.Uint64 // FlushPage writes
	diskReads         atomic.Uint64
	diskWrites        atomic.Uint64
	diskErrors        atomic.Uint64
	poolExhausted     atomic.Uint64
	pagesPrefetched   atomic.Uint64
	backgroundFlushes atomic.Uint64

	// Latency Histograms (microseconds)
	pageFetchLatency *Histogram
	pageFlushLatency *Histogram
	diskReadLatency  *Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		pageFetchLatency: NewHistogram(10000),
		pageFlushLatency: NewHistogram(10000),
		diskReadLatency:  NewHistogram(10000),
	}
}

func (m *Metrics) RecordCacheHit()        { m.cacheHits.Add(1) }
func (m *Metrics) RecordCacheMiss()       { m.cacheMisses.Add(1) }
func (m *Metrics) RecordPageEviction()    { m.pageEvictions.Add(1) }
func (m *Metrics) RecordDirtyWriteback()  { m.dirtyWritebacks.Add(1) }
func (m *Metrics) RecordPoolExhausted()   { m.poolExhausted.Add(1) }
func (m *Metrics) RecordPrefetch()        { m.pagesPrefetched.Add(1) }
func (m *Metrics) RecordDiskWrite()       { m.diskWrites.Add(1) }
func (m *Metrics) RecordDiskError()       { m.diskErrors.Add(1) }
func (m *Metrics) RecordBackgroundFlush() { m.backgroundFlushes.Add(1) }

// RecordPageFetch records the latency of a FetchPage call.
func (m *Metrics) RecordPageFetch(d time.Duration) {
	m.pageFetchLatency.RecordDuration(d)
}

// RecordPageFlush records a FlushPage write and its latency.
func (m *Metrics) RecordPageFlush(d time.Duration) {
	m.pageFlushes.Add(1)
	m.pageFlushLatency.RecordDuration(d)
}

// RecordDiskRead records a page read and its latency.
func (m *Metrics) RecordDiskRead(d time.Duration) {
	m.diskReads.Add(1)
	m.diskReadLatency.RecordDuration(d)
}

func (m *Metrics) GetCacheHits() uint64         { return m.cacheHits.Load() }
func (m *Metrics) GetCacheMisses() uint64       { return m.cacheMisses.Load() }
func (m *Metrics) GetPageEvictions() uint64     { return m.pageEvictions.Load() }
func (m *Metrics) GetDirtyWritebacks() uint64   { return m.dirtyWritebacks.Load() }
func (m *Metrics) GetPageFlushes() uint64       { return m.pageFlushes.Load() }
func (m *Metrics) GetDiskReads() uint64         { return m.diskReads.Load() }
func (m *Metrics) GetDiskWrites() uint64        { return m.diskWrites.Load() }
func (m *Metrics) GetDiskErrors() uint64        { return m.diskErrors.Load() }
func (m *Metrics) GetPoolExhausted() uint64     { return m.poolExhausted.Load() }
func (m *Metrics) GetPagesPrefetched() uint64   { return m.pagesPrefetched.Load() }
func (m *Metrics) GetBackgroundFlushes() uint64 { return m.backgroundFlushes.Load() }

// GetCacheHitRate returns hits / (hits + misses), or 0 before any lookup.
func (m *Metrics) GetCacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

func (m *Metrics) GetPageFetchLatency() HistogramSnapshot { return m.pageFetchLatency.Snapshot() }
func (m *Metrics) GetPageFlushLatency() HistogramSnapshot { return m.pageFlushLatency.Snapshot() }
func (m *Metrics) GetDiskReadLatency() HistogramSnapshot  { return m.diskReadLatency.Snapshot() }

// Reset zeroes all counters and clears the histograms
func (m *Metrics) Reset() {
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.pageEvictions.Store(0)
	m.dirtyWritebacks.Store(0)
	m.pageFlushes.Store(0)
	m.diskReads.Store(0)
	m.diskWrites.Store(0)
	m.diskErrors.Store(0)
	m.poolExhausted.Store(0)
	m.pagesPrefetched.Store(0)
	m.backgroundFlushes.Store(0)

	m.pageFetchLatency.Reset()
	m.pageFlushLatency.Reset()
	m.diskReadLatency.Reset()
}

func latencyField(name string, s HistogramSnapshot) zap.Field {
	return zap.Dict(name,
		zap.Int("count", s.Count),
		zap.Float64("mean", s.Mean),
		zap.Float64("p50", s.P50),
		zap.Float64("p95", s.P95),
		zap.Float64("p99", s.P99),
		zap.Float64("max", s.Max),
	)
}

// LogMetrics writes the current counters and latency percentiles to logger
func (m *Metrics) LogMetrics(logger *zap.Logger) {
	logger.Info("buffer pool metrics",
		zap.Dict("buffer_pool",
			zap.Uint64("cache_hits", m.GetCacheHits()),
			zap.Uint64("cache_misses", m.GetCacheMisses()),
			zap.Float64("cache_hit_rate", m.GetCacheHitRate()),
			zap.Uint64("page_evictions", m.GetPageEvictions()),
			zap.Uint64("dirty_writebacks", m.GetDirtyWritebacks()),
			zap.Uint64("page_flushes", m.GetPageFlushes()),
			zap.Uint64("pool_exhausted", m.GetPoolExhausted()),
			zap.Uint64("pages_prefetched", m.GetPagesPrefetched()),
		),
		zap.Dict("disk",
			zap.Uint64("reads", m.GetDiskReads()),
			zap.Uint64("writes", m.GetDiskWrites()),
			zap.Uint64("errors", m.GetDiskErrors()),
		),
		zap.Dict("latency_us",
			latencyField("page_fetch", m.GetPageFetchLatency()),
			latencyField("page_flush", m.GetPageFlushLatency()),
			latencyField("disk_read", m.GetDiskReadLatency()),
		),
	)
}
