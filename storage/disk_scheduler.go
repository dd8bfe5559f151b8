package storage

import (
	"encoding/binary"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// DiskRequest is one page read or write queued on the DiskScheduler.
type DiskRequest struct {
	IsWrite bool
	PageID  PageID
	// Data is the destination of a read or the source of a write. It must
	// stay untouched until Done fires.
	Data []byte
	// Done receives exactly one value: nil or the I/O error.
	Done chan error
}

// DiskScheduler runs page I/O on background workers. Requests for the same
// page always go to the same worker and complete in submission order;
// requests for different pages may complete in any order.
type DiskScheduler struct {
	disk   DiskManager
	queues []chan DiskRequest
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

const (
	DefaultSchedulerWorkers    = 4
	DefaultSchedulerQueueDepth = 64
)

// NewDiskScheduler starts workers goroutines serving disk.
func NewDiskScheduler(disk DiskManager, workers, queueDepth int, logger *zap.Logger) *DiskScheduler {
	if workers <= 0 {
		workers = DefaultSchedulerWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultSchedulerQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ds := &DiskScheduler{
		disk:   disk,
		queues: make([]chan DiskRequest, workers),
		logger: logger,
	}
	for i := range ds.queues {
		ds.queues[i] = make(chan DiskRequest, queueDepth)
		ds.wg.Add(1)
		go ds.worker(ds.queues[i])
	}
	return ds
}

// CreatePromise returns a channel suitable for DiskRequest.Done.
func (ds *DiskScheduler) CreatePromise() chan error {
	return make(chan error, 1)
}

func (ds *DiskScheduler) shard(pageID PageID) int {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], uint32(pageID))
	return int(murmur3.Sum32(key[:]) % uint32(len(ds.queues)))
}

// Schedule queues req. It blocks while the target worker's queue is full.
func (ds *DiskScheduler) Schedule(req DiskRequest) error {
	if req.Done == nil {
		req.Done = ds.CreatePromise()
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return ErrSchedulerClosed("Schedule")
	}
	ds.queues[ds.shard(req.PageID)] <- req
	return nil
}

func (ds *DiskScheduler) worker(queue <-chan DiskRequest) {
	defer ds.wg.Done()

	for req := range queue {
		var err error
		if req.IsWrite {
			err = ds.disk.WritePage(req.PageID, req.Data)
		} else {
			err = ds.disk.ReadPage(req.PageID, req.Data)
		}
		if err != nil {
			ds.logger.Warn("disk request failed",
				zap.Uint32("page_id", uint32(req.PageID)),
				zap.Bool("write", req.IsWrite),
				zap.Error(err))
		}
		req.Done <- err
	}
}

// ReadPage schedules a read into buf and waits for it.
func (ds *DiskScheduler) ReadPage(pageID PageID, buf []byte) error {
	done := ds.CreatePromise()
	if err := ds.Schedule(DiskRequest{PageID: pageID, Data: buf, Done: done}); err != nil {
		return err
	}
	return <-done
}

// WritePage schedules a write of data and waits for it.
func (ds *DiskScheduler) WritePage(pageID PageID, data []byte) error {
	done := ds.CreatePromise()
	if err := ds.Schedule(DiskRequest{IsWrite: true, PageID: pageID, Data: data, Done: done}); err != nil {
		return err
	}
	return <-done
}

// Close drains queued requests and stops the workers. The underlying disk
// manager is left open.
func (ds *DiskScheduler) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	for _, q := range ds.queues {
		close(q)
	}
	ds.mu.Unlock()

	ds.wg.Wait()
	return nil
}
