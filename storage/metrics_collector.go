package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hexpool"

// PoolCollector exports a buffer pool's Metrics and frame usage to
// prometheus. Values are read at scrape time.
type PoolCollector struct {
	bpm *BufferPoolManager

	cacheHits         *prometheus.Desc
	cacheMisses       *prometheus.Desc
	pageEvictions     *prometheus.Desc
	dirtyWritebacks   *prometheus.Desc
	pageFlushes       *prometheus.Desc
	backgroundFlushes *prometheus.Desc
	diskReads         *prometheus.Desc
	diskWrites        *prometheus.Desc
	diskErrors        *prometheus.Desc
	poolExhausted     *prometheus.Desc
	pagesPrefetched   *prometheus.Desc

	poolSize       *prometheus.Desc
	residentPages  *prometheus.Desc
	dirtyPages     *prometheus.Desc
	pinnedPages    *prometheus.Desc
	evictable      *prometheus.Desc
	freeFrames     *prometheus.Desc
	fetchLatency   *prometheus.Desc
	diskReadTiming *prometheus.Desc
}

// NewPoolCollector creates a collector for bpm. constLabels are attached to
// every metric.
func NewPoolCollector(bpm *BufferPoolManager, constLabels prometheus.Labels) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "buffer_pool", name), help, nil, constLabels)
	}
	diskDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "disk", name), help, nil, constLabels)
	}

	return &PoolCollector{
		bpm: bpm,

		cacheHits:         desc("cache_hits_total", "Fetches served from a resident frame."),
		cacheMisses:       desc("cache_misses_total", "Fetches that had to read from disk."),
		pageEvictions:     desc("evictions_total", "Frames reclaimed from the replacer."),
		dirtyWritebacks:   desc("dirty_writebacks_total", "Dirty victims written back before reuse."),
		pageFlushes:       desc("flushes_total", "Successful FlushPage calls."),
		backgroundFlushes: desc("background_flushes_total", "Pages flushed by the adaptive flusher."),
		poolExhausted:     desc("exhausted_total", "Frame requests that found every frame pinned."),
		pagesPrefetched:   desc("prefetched_total", "Pages loaded ahead of a sequential scan."),
		diskReads:         diskDesc("reads_total", "Pages read from the page store."),
		diskWrites:        diskDesc("writes_total", "Pages written to the page store."),
		diskErrors:        diskDesc("errors_total", "Failed page store calls."),

		poolSize:       desc("frames", "Number of frames in the pool."),
		residentPages:  desc("resident_pages", "Frames holding a page."),
		dirtyPages:     desc("dirty_pages", "Resident pages not yet written back."),
		pinnedPages:    desc("pinned_pages", "Resident pages with a pin count above zero."),
		evictable:      desc("evictable_frames", "Frames the replacer may evict."),
		freeFrames:     desc("free_frames", "Frames on the free list."),
		fetchLatency:   desc("fetch_latency_seconds", "FetchPage latency over recent samples."),
		diskReadTiming: diskDesc("read_latency_seconds", "Page read latency over recent samples."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.pageEvictions, c.dirtyWritebacks,
		c.pageFlushes, c.backgroundFlushes, c.poolExhausted, c.pagesPrefetched,
		c.diskReads, c.diskWrites, c.diskErrors,
		c.poolSize, c.residentPages, c.dirtyPages, c.pinnedPages,
		c.evictable, c.freeFrames, c.fetchLatency, c.diskReadTiming,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.bpm.GetMetrics()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.cacheHits, m.GetCacheHits())
	counter(c.cacheMisses, m.GetCacheMisses())
	counter(c.pageEvictions, m.GetPageEvictions())
	counter(c.dirtyWritebacks, m.GetDirtyWritebacks())
	counter(c.pageFlushes, m.GetPageFlushes())
	counter(c.backgroundFlushes, m.GetBackgroundFlushes())
	counter(c.poolExhausted, m.GetPoolExhausted())
	counter(c.pagesPrefetched, m.GetPagesPrefetched())
	counter(c.diskReads, m.GetDiskReads())
	counter(c.diskWrites, m.GetDiskWrites())
	counter(c.diskErrors, m.GetDiskErrors())

	stats := c.bpm.GetStats()
	gauge(c.poolSize, stats.PoolSize)
	gauge(c.residentPages, stats.Resident)
	gauge(c.dirtyPages, stats.Dirty)
	gauge(c.pinnedPages, stats.Pinned)
	gauge(c.evictable, stats.Evictable)
	gauge(c.freeFrames, stats.Free)

	ch <- latencySummary(c.fetchLatency, m.GetPageFetchLatency())
	ch <- latencySummary(c.diskReadTiming, m.GetDiskReadLatency())
}

// latencySummary turns a microsecond snapshot into a summary in seconds.
func latencySummary(d *prometheus.Desc, s HistogramSnapshot) prometheus.Metric {
	const usPerSecond = 1e6
	return prometheus.MustNewConstSummary(d, uint64(s.Count), s.Sum/usPerSecond, map[float64]float64{
		0.5:   s.P50 / usPerSecond,
		0.95:  s.P95 / usPerSecond,
		0.99:  s.P99 / usPerSecond,
		0.999: s.P999 / usPerSecond,
	})
}
