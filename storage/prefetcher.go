package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PrefetchConfig controls the scan prefetcher.
type PrefetchConfig struct {
	Distance           int           // Pages to load ahead at full confidence
	DetectionThreshold int           // Min accesses along one stride before prefetching
	MaxInFlight        int64         // Concurrent prefetch batches
	IdleTimeout        time.Duration // Stream resets after this long without a scan fetch
}

// DefaultPrefetchConfig returns the settings used when none are given.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Distance:           8,
		DetectionThreshold: 3,
		MaxInFlight:        2,
		IdleTimeout:        time.Second,
	}
}

const (
	streamHistorySize   = 10
	confidenceThreshold = 0.6 // Only prefetch when 60%+ confident
)

// scanStream is the stride state of the scan currently being observed.
type scanStream struct {
	lastPageID  PageID
	stride      int64
	accessCount int
	confidence  float64
	lastAccess  time.Time
	history     []PageID
}

func (s *scanStream) restart(pageID PageID, now time.Time) {
	s.lastPageID = pageID
	s.stride = 0
	s.accessCount = 1
	s.confidence = 0
	s.lastAccess = now
	s.history = append(s.history[:0], pageID)
}

// PrefetchStats tracks prefetching effectiveness
type PrefetchStats struct {
	PatternsDetected uint64
	PagesPrefetched  uint64
	StridesDetected  uint64 // Triggers with a stride other than +1/-1
	BatchesDropped   uint64 // Triggers skipped because MaxInFlight batches were running
	PrefetchErrors   uint64
}

// Prefetcher watches scan fetches for a constant stride and, once the stride
// is confirmed, loads the pages ahead of the scan in the background.
// Prefetched pages enter the pool with a scan access, so they carry no
// LRU-K history and are the first to go if nobody reads them.
type Prefetcher struct {
	bpm *BufferPoolManager
	cfg PrefetchConfig

	mu      sync.Mutex
	stream  scanStream
	started bool
	stats   PrefetchStats

	enabled  atomic.Bool
	inflight *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewPrefetcher creates a prefetcher loading pages into bpm.
func NewPrefetcher(bpm *BufferPoolManager, cfg PrefetchConfig) *Prefetcher {
	def := DefaultPrefetchConfig()
	if cfg.Distance <= 0 {
		cfg.Distance = def.Distance
	}
	if cfg.DetectionThreshold < 2 {
		cfg.DetectionThreshold = def.DetectionThreshold
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	p := &Prefetcher{
		bpm:      bpm,
		cfg:      cfg,
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
	}
	p.stream.history = make([]PageID, 0, streamHistorySize)
	p.enabled.Store(true)
	return p
}

// SetEnabled turns prefetching on or off. Batches already running finish.
func (p *Prefetcher) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// RecordAccess feeds one scan fetch of pageID into the stride detector.
func (p *Prefetcher) RecordAccess(pageID PageID) {
	if !p.enabled.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.started || now.Sub(p.stream.lastAccess) > p.cfg.IdleTimeout {
		p.started = true
		p.stream.restart(pageID, now)
		return
	}

	s := &p.stream
	stride := int64(pageID) - int64(s.lastPageID)
	if stride == 0 {
		s.lastAccess = now
		return
	}

	s.history = append(s.history, pageID)
	if len(s.history) > streamHistorySize {
		s.history = s.history[1:]
	}

	switch {
	case s.stride == 0:
		s.stride = stride
		s.accessCount = 2
		s.confidence = 0.5
	case s.stride == stride:
		s.accessCount++
		s.confidence = s.consistency()
	case p.shouldSwitchStride(stride):
		s.stride = stride
		s.accessCount = 2
		s.confidence = 0.3
	default:
		s.restart(pageID, now)
		return
	}

	s.lastPageID = pageID
	s.lastAccess = now

	if s.accessCount >= p.cfg.DetectionThreshold && s.confidence >= confidenceThreshold {
		p.triggerLocked()
	}
}

// consistency blends the share of history steps matching the stride (70%)
// with how long the stream has been running (30%).
func (s *scanStream) consistency() float64 {
	base := float64(s.accessCount) / 10.0
	if base > 1.0 {
		base = 1.0
	}
	if len(s.history) < 3 {
		return base
	}

	matching := 0
	for i := 1; i < len(s.history); i++ {
		if int64(s.history[i])-int64(s.history[i-1]) == s.stride {
			matching++
		}
	}
	ratio := float64(matching) / float64(len(s.history)-1)
	return 0.7*ratio + 0.3*base
}

// shouldSwitchStride reports whether newStride has shown up often enough in
// recent history to replace a weakly held stride.
func (p *Prefetcher) shouldSwitchStride(newStride int64) bool {
	s := &p.stream
	if s.confidence > 0.8 {
		return false
	}
	if len(s.history) < 3 {
		return true
	}

	count := 0
	for i := 1; i < len(s.history); i++ {
		if int64(s.history[i])-int64(s.history[i-1]) == newStride {
			count++
		}
	}
	return count >= 2
}

// triggerLocked starts a background batch. Caller holds p.mu.
func (p *Prefetcher) triggerLocked() {
	s := &p.stream

	count := int(float64(p.cfg.Distance) * s.confidence)
	if count < 2 {
		count = 2
	}

	pageIDs := make([]PageID, 0, count)
	next := int64(s.lastPageID)
	for i := 0; i < count; i++ {
		next += s.stride
		if next < 0 || next >= int64(InvalidPageID) {
			break
		}
		pageIDs = append(pageIDs, PageID(next))
	}
	if len(pageIDs) == 0 {
		return
	}

	if !p.inflight.TryAcquire(1) {
		p.stats.BatchesDropped++
		return
	}

	p.stats.PatternsDetected++
	if s.stride != 1 && s.stride != -1 {
		p.stats.StridesDetected++
	}

	p.wg.Add(1)
	go p.prefetch(pageIDs)
}

func (p *Prefetcher) prefetch(pageIDs []PageID) {
	defer p.wg.Done()
	defer p.inflight.Release(1)

	var loaded, failed uint64
	for _, pageID := range pageIDs {
		ok, err := p.bpm.prefetchPage(pageID)
		if err == nil {
			if ok {
				loaded++
			}
			continue
		}
		if IsErrorCode(err, ErrCodePageDeallocated) {
			continue
		}
		// Pool full of pinned pages or disk trouble: the scan will find out
		// on its own.
		failed++
		break
	}

	p.mu.Lock()
	p.stats.PagesPrefetched += loaded
	p.stats.PrefetchErrors += failed
	p.mu.Unlock()
}

// Wait blocks until every started batch has finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Reset forgets the current stream.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

// GetStats returns current prefetching statistics
func (p *Prefetcher) GetStats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats
}

// ResetStats resets prefetching statistics
func (p *Prefetcher) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = PrefetchStats{}
}
