package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine owns a buffer pool together with everything it runs on: the disk
// manager, the disk scheduler, the page allocator and the background
// flusher.
type Engine struct {
	config    *Config
	logger    *zap.Logger
	poolID    uuid.UUID
	disk      DiskManager
	scheduler *DiskScheduler
	allocator *SequentialPageAllocator
	metrics   *Metrics
	bpm       *BufferPoolManager
	flusher   *AdaptiveFlusher

	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg and builds an engine from it. A nil logger discards
// all output.
func Open(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewStorageError(ErrCodeInvalidConfig, "Open", "invalid configuration", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// go-deadlock options are process-wide; the last engine opened wins.
	deadlock.Opts.Disable = !cfg.DetectDeadlocks

	poolID := uuid.New()
	logger = logger.With(zap.String("pool_id", poolID.String()))

	disk, err := openDisk(cfg)
	if err != nil {
		return nil, err
	}

	replacer, err := NewReplacer(cfg.CacheReplacer, int(cfg.BufferPoolSize), cfg.ReplacerK)
	if err != nil {
		_ = disk.Close()
		return nil, err
	}

	e := &Engine{
		config:    cfg.Clone(),
		logger:    logger,
		poolID:    poolID,
		disk:      disk,
		scheduler: NewDiskScheduler(disk, cfg.SchedulerWorkers, cfg.SchedulerQueueDepth, logger.Named("scheduler")),
		allocator: NewSequentialPageAllocator(disk.NumPages()),
		metrics:   NewMetrics(),
	}

	opts := []Option{
		WithReplacer(replacer),
		WithAllocator(e.allocator),
		WithMetrics(e.metrics),
		WithLogger(logger.Named("bpm")),
		WithFlushWorkers(cfg.FlushWorkers),
	}
	if cfg.EnablePrefetching {
		pcfg := DefaultPrefetchConfig()
		pcfg.Distance = cfg.PrefetchDistance
		opts = append(opts, WithPrefetcher(pcfg))
	}

	e.bpm, err = NewBufferPoolManager(int(cfg.BufferPoolSize), e.scheduler, opts...)
	if err != nil {
		_ = e.scheduler.Close()
		_ = disk.Close()
		return nil, err
	}

	if cfg.EnableAdaptiveFlush {
		fcfg := DefaultAdaptiveFlushConfig()
		fcfg.CheckInterval = time.Duration(cfg.FlushIntervalMs) * time.Millisecond
		fcfg.PagesPerSecond = cfg.FlushRateLimit
		e.flusher = NewAdaptiveFlusher(e.bpm, fcfg,
			WithFlusherLogger(logger.Named("flusher")),
			WithFlusherMetrics(e.metrics))
		if err := e.flusher.Start(); err != nil {
			_ = e.scheduler.Close()
			_ = disk.Close()
			return nil, err
		}
	}

	logger.Info("storage engine opened",
		zap.Uint32("pool_size", cfg.BufferPoolSize),
		zap.String("replacer", cfg.CacheReplacer),
		zap.String("disk_backend", cfg.DiskBackend),
		zap.String("compression", cfg.Compression),
		zap.Uint32("existing_pages", uint32(disk.NumPages())))

	return e, nil
}

func openDisk(cfg *Config) (DiskManager, error) {
	var (
		disk DiskManager
		err  error
	)

	if cfg.DiskBackend != DiskBackendMemory {
		if dir := filepath.Dir(cfg.DataFile); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	switch cfg.DiskBackend {
	case DiskBackendFile:
		disk, err = NewFileDiskManager(cfg.DataFile, FileDiskOptions{DirectIO: cfg.DirectIO})
	case DiskBackendMmap:
		disk, err = NewMmapDiskManager(cfg.DataFile, MmapOptions{})
	case DiskBackendMemory:
		disk = NewMemoryDiskManager()
	default:
		err = fmt.Errorf("invalid disk backend: %s", cfg.DiskBackend)
	}
	if err != nil {
		return nil, err
	}

	ct, err := ParseCompressionType(cfg.Compression)
	if err != nil {
		_ = disk.Close()
		return nil, err
	}
	if ct != CompressionNone {
		disk = NewCompressingDiskManager(disk, ct)
	}
	return disk, nil
}

// Pool returns the buffer pool.
func (e *Engine) Pool() *BufferPoolManager { return e.bpm }

// Metrics returns the counters shared by the pool and the flusher.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Flusher returns the background flusher, or nil if it is disabled.
func (e *Engine) Flusher() *AdaptiveFlusher { return e.flusher }

// Disk returns the disk manager below the scheduler.
func (e *Engine) Disk() DiskManager { return e.disk }

// PoolID identifies this engine instance in logs and metrics.
func (e *Engine) PoolID() uuid.UUID { return e.poolID }

// Config returns a copy of the configuration the engine was opened with.
func (e *Engine) Config() *Config { return e.config.Clone() }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// RegisterMetrics registers a collector for the pool with reg.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(NewPoolCollector(e.bpm, prometheus.Labels{"pool_id": e.poolID.String()}))
}

// Close stops background work, flushes every resident page and closes the
// disk. Every step runs even if an earlier one failed; the errors are
// returned together. Later calls return the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs error

		if e.flusher != nil {
			errs = multierr.Append(errs, e.flusher.Stop())
		}
		if p := e.bpm.GetPrefetcher(); p != nil {
			p.SetEnabled(false)
			p.Wait()
		}

		errs = multierr.Append(errs, e.bpm.FlushAllPages())
		errs = multierr.Append(errs, e.scheduler.Close())
		errs = multierr.Append(errs, e.disk.Sync())
		errs = multierr.Append(errs, e.disk.Close())

		e.metrics.LogMetrics(e.logger)
		if errs != nil {
			e.logger.Error("storage engine closed with errors", zap.Error(errs))
		} else {
			e.logger.Info("storage engine closed")
		}
		e.closeErr = errs
	})
	return e.closeErr
}
