package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveFlusher writes dirty pages back in the background so that
// eviction rarely has to.
//
// Every CheckInterval it samples the dirty ratio of the pool and feeds the
// distance from TargetDirtyRatio into a PID controller that picks how many
// pages to flush this round. Above MaxDirtyRatio it flushes MaxFlushPages
// outright. Page writes are paced by a token bucket so background flushing
// cannot monopolize the disk.

// FlushableBufferPool is the interface required by adaptive flusher
type FlushableBufferPool interface {
	GetDirtyPageCount() int
	GetCapacity() int
	GetDirtyPages(maxPages int) []PageID
	FlushPage(pageID PageID) error
}

type AdaptiveFlusher struct {
	bufferPool FlushableBufferPool
	logger     *zap.Logger
	limiter    *rate.Limiter
	metrics    *Metrics

	running       atomic.Bool
	flushesIssued atomic.Uint64
	pagesFlushed  atomic.Uint64
	flushErrors   atomic.Uint64

	// PID controller state (protected by mutex)
	mu            sync.Mutex
	config        AdaptiveFlushConfig
	integral      float64
	lastError     float64
	lastFlushRate float64
	stats         AdaptiveFlushStats

	cancel context.CancelFunc
	doneCh chan struct{}
}

// AdaptiveFlushConfig contains configuration for adaptive flushing
type AdaptiveFlushConfig struct {
	// Target dirty page ratio (0.0 - 1.0)
	TargetDirtyRatio float64

	// Maximum dirty ratio before aggressive flushing (0.0 - 1.0)
	MaxDirtyRatio float64

	CheckInterval time.Duration
	MinFlushPages int
	MaxFlushPages int

	// PID controller gains
	Kp float64
	Ki float64
	Kd float64

	// PagesPerSecond caps background page writes. 0 means unlimited.
	PagesPerSecond float64
}

// AdaptiveFlushStats contains statistics about adaptive flushing
type AdaptiveFlushStats struct {
	FlushesIssued  uint64
	PagesFlushed   uint64
	FlushErrors    uint64
	CurrentRate    float64 // Pages per round chosen by the controller
	DirtyRatio     float64
	AvgFlushTime   time.Duration
	LastAdjustment time.Time
}

// DefaultAdaptiveFlushConfig returns default configuration
func DefaultAdaptiveFlushConfig() AdaptiveFlushConfig {
	return AdaptiveFlushConfig{
		TargetDirtyRatio: 0.60,
		MaxDirtyRatio:    0.80,
		CheckInterval:    100 * time.Millisecond,
		MinFlushPages:    10,
		MaxFlushPages:    100,
		Kp:               2.0,
		Ki:               0.5,
		Kd:               0.1,
		PagesPerSecond:   0,
	}
}

// AdaptiveFlusherOption configures an AdaptiveFlusher.
type AdaptiveFlusherOption func(*AdaptiveFlusher)

// WithFlusherLogger sets the logger used for flush failures.
func WithFlusherLogger(l *zap.Logger) AdaptiveFlusherOption {
	return func(af *AdaptiveFlusher) { af.logger = l }
}

// WithFlusherMetrics counts background flushes in m.
func WithFlusherMetrics(m *Metrics) AdaptiveFlusherOption {
	return func(af *AdaptiveFlusher) { af.metrics = m }
}

// NewAdaptiveFlusher creates a new adaptive flusher
func NewAdaptiveFlusher(bp FlushableBufferPool, config AdaptiveFlushConfig, opts ...AdaptiveFlusherOption) *AdaptiveFlusher {
	def := DefaultAdaptiveFlushConfig()
	if config.TargetDirtyRatio <= 0 || config.TargetDirtyRatio >= 1 {
		config.TargetDirtyRatio = def.TargetDirtyRatio
	}
	if config.MaxDirtyRatio <= config.TargetDirtyRatio || config.MaxDirtyRatio >= 1 {
		config.MaxDirtyRatio = def.MaxDirtyRatio
		if config.MaxDirtyRatio <= config.TargetDirtyRatio {
			config.MaxDirtyRatio = (config.TargetDirtyRatio + 1) / 2
		}
	}
	if config.CheckInterval < 10*time.Millisecond {
		config.CheckInterval = def.CheckInterval
	}
	if config.MinFlushPages <= 0 {
		config.MinFlushPages = def.MinFlushPages
	}
	if config.MaxFlushPages <= 0 {
		config.MaxFlushPages = def.MaxFlushPages
	}
	if config.MaxFlushPages < config.MinFlushPages {
		config.MaxFlushPages = config.MinFlushPages
	}
	if config.Kp == 0 && config.Ki == 0 && config.Kd == 0 {
		config.Kp, config.Ki, config.Kd = def.Kp, def.Ki, def.Kd
	}

	limit := rate.Inf
	burst := config.MaxFlushPages
	if config.PagesPerSecond > 0 {
		limit = rate.Limit(config.PagesPerSecond)
	}

	af := &AdaptiveFlusher{
		bufferPool:    bp,
		config:        config,
		lastFlushRate: float64(config.MinFlushPages),
		limiter:       rate.NewLimiter(limit, burst),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(af)
	}
	return af
}

// Start starts the adaptive flusher background goroutine
func (af *AdaptiveFlusher) Start() error {
	if !af.running.CompareAndSwap(false, true) {
		return fmt.Errorf("adaptive flusher already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	af.cancel = cancel
	af.doneCh = make(chan struct{})
	go af.flushLoop(ctx, af.doneCh)

	af.logger.Debug("adaptive flusher started",
		zap.Float64("target_dirty_ratio", af.config.TargetDirtyRatio),
		zap.Duration("interval", af.config.CheckInterval))
	return nil
}

// Stop stops the adaptive flusher and waits for the current round to end.
func (af *AdaptiveFlusher) Stop() error {
	if !af.running.Load() {
		return nil
	}

	af.cancel()
	<-af.doneCh
	af.running.Store(false)
	return nil
}

func (af *AdaptiveFlusher) flushLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(af.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			af.performAdaptiveFlush(ctx)
		}
	}
}

// performAdaptiveFlush performs one round of adaptive flushing
func (af *AdaptiveFlusher) performAdaptiveFlush(ctx context.Context) {
	totalPages := af.bufferPool.GetCapacity()
	if totalPages == 0 {
		return
	}
	dirtyRatio := float64(af.bufferPool.GetDirtyPageCount()) / float64(totalPages)

	flushPages := af.calculateFlushRate(dirtyRatio)
	if flushPages <= 0 {
		return
	}

	start := time.Now()
	flushed := af.flushDirtyPages(ctx, flushPages)
	elapsed := time.Since(start)

	af.flushesIssued.Add(1)
	af.pagesFlushed.Add(uint64(flushed))

	af.mu.Lock()
	af.stats.FlushesIssued = af.flushesIssued.Load()
	af.stats.PagesFlushed = af.pagesFlushed.Load()
	af.stats.FlushErrors = af.flushErrors.Load()
	af.stats.CurrentRate = af.lastFlushRate
	af.stats.DirtyRatio = dirtyRatio
	af.stats.LastAdjustment = time.Now()
	if af.stats.AvgFlushTime == 0 {
		af.stats.AvgFlushTime = elapsed
	} else {
		af.stats.AvgFlushTime = time.Duration(0.9*float64(af.stats.AvgFlushTime) + 0.1*float64(elapsed))
	}
	af.mu.Unlock()
}

// calculateFlushRate runs one PID step and returns the pages to flush.
func (af *AdaptiveFlusher) calculateFlushRate(dirtyRatio float64) int {
	af.mu.Lock()
	defer af.mu.Unlock()

	cfg := af.config
	deviation := dirtyRatio - cfg.TargetDirtyRatio

	// Anti-windup
	const maxIntegral = 10.0
	af.integral += deviation
	if af.integral > maxIntegral {
		af.integral = maxIntegral
	} else if af.integral < -maxIntegral {
		af.integral = -maxIntegral
	}

	derivative := deviation - af.lastError
	af.lastError = deviation

	pidOutput := cfg.Kp*deviation + cfg.Ki*af.integral + cfg.Kd*derivative
	if dirtyRatio >= cfg.MaxDirtyRatio {
		pidOutput = float64(cfg.MaxFlushPages)
	}

	flushRate := float64(cfg.MinFlushPages) + pidOutput*float64(cfg.MaxFlushPages-cfg.MinFlushPages)
	if flushRate < float64(cfg.MinFlushPages) {
		flushRate = float64(cfg.MinFlushPages)
	} else if flushRate > float64(cfg.MaxFlushPages) {
		flushRate = float64(cfg.MaxFlushPages)
	}

	if dirtyRatio < cfg.TargetDirtyRatio {
		flushRate = 0
	}

	af.lastFlushRate = flushRate
	return int(flushRate)
}

// flushDirtyPages flushes up to maxPages dirty pages, pacing each write
// through the limiter. It stops early when ctx is cancelled.
func (af *AdaptiveFlusher) flushDirtyPages(ctx context.Context, maxPages int) int {
	flushed := 0
	for _, pageID := range af.bufferPool.GetDirtyPages(maxPages) {
		if err := af.limiter.Wait(ctx); err != nil {
			break
		}

		if err := af.bufferPool.FlushPage(pageID); err != nil {
			// Evicted in the meantime; eviction already wrote it.
			if IsErrorCode(err, ErrCodePageNotResident) {
				continue
			}
			af.flushErrors.Add(1)
			af.logger.Warn("background flush failed",
				zap.Uint32("page_id", uint32(pageID)),
				zap.Error(err))
			continue
		}

		flushed++
		if af.metrics != nil {
			af.metrics.RecordBackgroundFlush()
		}
		if flushed >= maxPages {
			break
		}
	}
	return flushed
}

// GetStats returns current statistics
func (af *AdaptiveFlusher) GetStats() AdaptiveFlushStats {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.stats
}

// SetTargetDirtyRatio dynamically adjusts the target dirty ratio
func (af *AdaptiveFlusher) SetTargetDirtyRatio(ratio float64) error {
	if ratio <= 0 || ratio >= 1 {
		return fmt.Errorf("invalid dirty ratio: %f (must be between 0 and 1)", ratio)
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if ratio >= af.config.MaxDirtyRatio {
		return fmt.Errorf("target ratio %f must be less than max ratio %f",
			ratio, af.config.MaxDirtyRatio)
	}

	af.config.TargetDirtyRatio = ratio
	return nil
}

// SetMaxDirtyRatio dynamically adjusts the maximum dirty ratio
func (af *AdaptiveFlusher) SetMaxDirtyRatio(ratio float64) error {
	if ratio <= 0 || ratio >= 1 {
		return fmt.Errorf("invalid max dirty ratio: %f (must be between 0 and 1)", ratio)
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if ratio <= af.config.TargetDirtyRatio {
		return fmt.Errorf("max ratio %f must be greater than target ratio %f",
			ratio, af.config.TargetDirtyRatio)
	}

	af.config.MaxDirtyRatio = ratio
	return nil
}

// TriggerFlush flushes up to maxPages dirty pages right away, ignoring the
// controller. maxPages <= 0 means MaxFlushPages.
func (af *AdaptiveFlusher) TriggerFlush(maxPages int) int {
	if maxPages <= 0 {
		maxPages = af.GetConfig().MaxFlushPages
	}
	return af.flushDirtyPages(context.Background(), maxPages)
}

// IsRunning returns whether the flusher is currently running
func (af *AdaptiveFlusher) IsRunning() bool {
	return af.running.Load()
}

// GetConfig returns the current configuration
func (af *AdaptiveFlusher) GetConfig() AdaptiveFlushConfig {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.config
}
