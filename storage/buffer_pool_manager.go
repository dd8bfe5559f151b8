package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LogFlusher is the write-ahead log as seen by the buffer pool: everything
// logged so far must be durable before a dirty page reaches disk.
type LogFlusher interface {
	Flush() error
}

// evictedPage remembers what a reused frame held before.
type evictedPage struct {
	pageID PageID
	dirty  bool
}

// BufferPoolManager caches disk pages in a fixed set of frames.
//
// Frames live in an arena indexed by FrameID. The page table and the free
// list are index sets over it and, together with the replacer, are guarded
// by one pool latch. Disk I/O happens without the latch: a frame being
// filled is tagged frameLoading and stays pinned until the read completes,
// and the page it evicted stays in writebacks until its bytes are on disk.
// Anyone asking for either page waits on frameReady and retries.
type BufferPoolManager struct {
	poolSize   int
	frames     []*Page
	pageTable  map[PageID]FrameID
	freeList   []FrameID
	writebacks map[PageID]struct{}

	latch      deadlock.Mutex
	frameReady *sync.Cond

	disk         PageStore
	replacer     Replacer
	allocator    PageAllocator
	logFlusher   LogFlusher
	metrics      *Metrics
	logger       *zap.Logger
	prefetcher   *Prefetcher
	flushWorkers int
	replacerK    int
	prefetchCfg  *PrefetchConfig
}

// Option configures a BufferPoolManager.
type Option func(*BufferPoolManager)

// WithReplacer sets the replacement policy. It must track poolSize frames.
func WithReplacer(r Replacer) Option {
	return func(bpm *BufferPoolManager) { bpm.replacer = r }
}

// WithReplacerK sets k for the default LRU-K replacer. It has no effect
// together with WithReplacer.
func WithReplacerK(k int) Option {
	return func(bpm *BufferPoolManager) { bpm.replacerK = k }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(bpm *BufferPoolManager) { bpm.logger = l }
}

// WithAllocator sets the page id allocator. The default starts at 0.
func WithAllocator(a PageAllocator) Option {
	return func(bpm *BufferPoolManager) { bpm.allocator = a }
}

// WithLogFlusher makes the pool flush the log before writing dirty pages.
func WithLogFlusher(l LogFlusher) Option {
	return func(bpm *BufferPoolManager) { bpm.logFlusher = l }
}

// WithMetrics shares a metrics instance with the pool.
func WithMetrics(m *Metrics) Option {
	return func(bpm *BufferPoolManager) { bpm.metrics = m }
}

// WithFlushWorkers bounds the parallelism of FlushAllPages.
func WithFlushWorkers(n int) Option {
	return func(bpm *BufferPoolManager) { bpm.flushWorkers = n }
}

// WithPrefetcher enables sequential prefetch for scan fetches.
func WithPrefetcher(cfg PrefetchConfig) Option {
	return func(bpm *BufferPoolManager) { bpm.prefetchCfg = &cfg }
}

const DefaultFlushWorkers = 4

// NewBufferPoolManager creates a pool of poolSize frames over disk.
func NewBufferPoolManager(poolSize int, disk PageStore, opts ...Option) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, NewStorageError(ErrCodeInvalidConfig, "NewBufferPoolManager",
			fmt.Sprintf("pool size must be greater than 0, got %d", poolSize), nil)
	}
	if disk == nil {
		return nil, NewStorageError(ErrCodeInvalidConfig, "NewBufferPoolManager", "page store is nil", nil)
	}

	bpm := &BufferPoolManager{
		poolSize:   poolSize,
		frames:     make([]*Page, poolSize),
		pageTable:  make(map[PageID]FrameID, poolSize),
		freeList:   make([]FrameID, 0, poolSize),
		writebacks: make(map[PageID]struct{}),
		disk:       disk,
	}
	bpm.frameReady = sync.NewCond(&bpm.latch)

	for _, opt := range opts {
		opt(bpm)
	}

	if bpm.replacer == nil {
		if bpm.replacerK <= 0 {
			bpm.replacerK = DefaultReplacerK
		}
		bpm.replacer = NewLRUKReplacer(poolSize, bpm.replacerK)
	}
	if bpm.allocator == nil {
		bpm.allocator = NewSequentialPageAllocator(0)
	}
	if bpm.metrics == nil {
		bpm.metrics = NewMetrics()
	}
	if bpm.logger == nil {
		bpm.logger = zap.NewNop()
	}
	if bpm.flushWorkers <= 0 {
		bpm.flushWorkers = DefaultFlushWorkers
	}

	for i := 0; i < poolSize; i++ {
		bpm.frames[i] = newFrame(FrameID(i))
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}

	if bpm.prefetchCfg != nil {
		bpm.prefetcher = NewPrefetcher(bpm, *bpm.prefetchCfg)
	}

	return bpm, nil
}

// mustReplacer panics on replacer errors. The pool only passes frame ids it
// owns, so an error here means the pool and replacer disagree on sizing.
func mustReplacer(err error) {
	if err != nil {
		panic(fmt.Sprintf("buffer pool: replacer rejected an owned frame: %v", err))
	}
}

// GetPoolSize returns the pool size
func (bpm *BufferPoolManager) GetPoolSize() int {
	return bpm.poolSize
}

// GetCapacity returns the total capacity of the buffer pool
func (bpm *BufferPoolManager) GetCapacity() int {
	return bpm.poolSize
}

// GetMetrics returns the buffer pool metrics
func (bpm *BufferPoolManager) GetMetrics() *Metrics {
	return bpm.metrics
}

// GetAllocator returns the page id allocator.
func (bpm *BufferPoolManager) GetAllocator() PageAllocator {
	return bpm.allocator
}

// GetPrefetcher returns the prefetcher, or nil if prefetching is off.
func (bpm *BufferPoolManager) GetPrefetcher() *Prefetcher {
	return bpm.prefetcher
}

// acquireFrameLocked takes a frame from the free list or, failing that, from
// the replacer. A victim's page id leaves the page table immediately; if it
// is dirty it is parked in writebacks until the caller has written it.
func (bpm *BufferPoolManager) acquireFrameLocked(op string) (FrameID, *evictedPage, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		bpm.metrics.RecordPoolExhausted()
		return InvalidFrameID, nil, ErrPoolExhausted(op)
	}

	page := bpm.frames[frameID]
	victim := &evictedPage{pageID: page.pageId, dirty: page.IsDirty()}
	delete(bpm.pageTable, victim.pageID)
	if victim.dirty {
		bpm.writebacks[victim.pageID] = struct{}{}
	}

	bpm.metrics.RecordPageEviction()
	bpm.logger.Debug("evicting page",
		zap.Uint32("page_id", uint32(victim.pageID)),
		zap.Int("frame_id", int(frameID)),
		zap.Bool("dirty", victim.dirty))

	return frameID, victim, nil
}

// claimFrameLocked maps pageID to a freshly acquired frame and pins it for
// the caller while I/O is outstanding.
func (bpm *BufferPoolManager) claimFrameLocked(frameID FrameID, pageID PageID) *Page {
	page := bpm.frames[frameID]
	page.pageId = pageID
	page.state = frameLoading
	page.pinCount.Store(1)
	bpm.pageTable[pageID] = frameID
	return page
}

func (bpm *BufferPoolManager) finishLoadLocked(page *Page, victim *evictedPage, accessType AccessType) {
	if victim != nil {
		delete(bpm.writebacks, victim.pageID)
	}
	page.state = frameResident
	mustReplacer(bpm.replacer.RecordAccess(page.frameID, accessType))
	mustReplacer(bpm.replacer.SetEvictable(page.frameID, false))
	bpm.frameReady.Broadcast()
}

// restoreVictimLocked puts back a dirty victim whose writeback failed. The
// frame becomes resident, dirty and evictable again under its old page id.
func (bpm *BufferPoolManager) restoreVictimLocked(page *Page, victim *evictedPage) {
	delete(bpm.pageTable, page.pageId)
	delete(bpm.writebacks, victim.pageID)

	page.pageId = victim.pageID
	page.pinCount.Store(0)
	page.state = frameResident
	bpm.pageTable[victim.pageID] = page.frameID

	mustReplacer(bpm.replacer.RecordAccess(page.frameID, AccessUnknown))
	mustReplacer(bpm.replacer.SetEvictable(page.frameID, true))
	bpm.frameReady.Broadcast()
}

// releaseFrameLocked abandons a load and returns the frame to the free list.
func (bpm *BufferPoolManager) releaseFrameLocked(page *Page, victim *evictedPage) {
	delete(bpm.pageTable, page.pageId)
	if victim != nil {
		delete(bpm.writebacks, victim.pageID)
	}
	page.reset()
	bpm.freeList = append(bpm.freeList, page.frameID)
	bpm.frameReady.Broadcast()
}

func (bpm *BufferPoolManager) flushLog() error {
	if bpm.logFlusher == nil {
		return nil
	}
	if err := bpm.logFlusher.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before page write: %w", err)
	}
	return nil
}

// writeBack writes a dirty victim's bytes, still held by page, to disk.
func (bpm *BufferPoolManager) writeBack(page *Page, victim *evictedPage) error {
	if victim == nil || !victim.dirty {
		return nil
	}

	// WRITE-AHEAD RULE: Flush log before writing dirty page
	if err := bpm.flushLog(); err != nil {
		return err
	}

	if err := bpm.disk.WritePage(victim.pageID, page.data); err != nil {
		bpm.metrics.RecordDiskError()
		bpm.logger.Warn("failed to write back dirty page",
			zap.Uint32("page_id", uint32(victim.pageID)),
			zap.Error(err))
		return err
	}

	page.isDirty.Store(false)
	bpm.metrics.RecordDiskWrite()
	bpm.metrics.RecordDirtyWriteback()
	return nil
}

// pinLocked adds a pin; the first pin takes the frame out of eviction.
func (bpm *BufferPoolManager) pinLocked(page *Page) {
	if page.pinCount.Add(1) == 1 {
		mustReplacer(bpm.replacer.SetEvictable(page.frameID, false))
	}
}

// unpinLocked drops a pin; the last one makes the frame evictable.
func (bpm *BufferPoolManager) unpinLocked(page *Page) {
	if page.pinCount.Add(-1) == 0 {
		mustReplacer(bpm.replacer.SetEvictable(page.frameID, true))
	}
}

// NewPage allocates a new page id and places a zeroed page for it in the
// pool, pinned once.
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	bpm.latch.Lock()
	frameID, victim, err := bpm.acquireFrameLocked("NewPage")
	if err != nil {
		bpm.latch.Unlock()
		return nil, err
	}
	pageID := bpm.allocator.AllocatePage()
	page := bpm.claimFrameLocked(frameID, pageID)
	bpm.latch.Unlock()

	if err := bpm.writeBack(page, victim); err != nil {
		bpm.latch.Lock()
		bpm.restoreVictimLocked(page, victim)
		bpm.latch.Unlock()
		bpm.allocator.DeallocatePage(pageID)
		return nil, ErrDiskWrite("NewPage", victim.pageID, err)
	}

	clear(page.data)

	bpm.latch.Lock()
	bpm.finishLoadLocked(page, victim, AccessUnknown)
	bpm.latch.Unlock()

	return page, nil
}

// FetchPage returns the page pinned, reading it from disk on a miss.
func (bpm *BufferPoolManager) FetchPage(pageID PageID) (*Page, error) {
	return bpm.FetchPageWithAccessType(pageID, AccessUnknown)
}

// FetchPageWithAccessType is FetchPage with an access hint for the replacer.
// Scan fetches do not count towards LRU-K history and drive the prefetcher.
func (bpm *BufferPoolManager) FetchPageWithAccessType(pageID PageID, accessType AccessType) (*Page, error) {
	start := time.Now()
	page, err := bpm.fetchPage("FetchPage", pageID, accessType)
	if err != nil {
		return nil, err
	}
	bpm.metrics.RecordPageFetch(time.Since(start))

	if accessType == AccessScan && bpm.prefetcher != nil {
		bpm.prefetcher.RecordAccess(pageID)
	}
	return page, nil
}

func (bpm *BufferPoolManager) fetchPage(op string, pageID PageID, accessType AccessType) (*Page, error) {
	if pageID == InvalidPageID {
		return nil, ErrInvalidPageID(op, pageID)
	}

	bpm.latch.Lock()
	for {
		if frameID, ok := bpm.pageTable[pageID]; ok {
			page := bpm.frames[frameID]
			if page.state == frameLoading {
				bpm.frameReady.Wait()
				continue
			}
			bpm.pinLocked(page)
			mustReplacer(bpm.replacer.RecordAccess(frameID, accessType))
			bpm.latch.Unlock()
			bpm.metrics.RecordCacheHit()
			return page, nil
		}
		if _, pending := bpm.writebacks[pageID]; pending {
			bpm.frameReady.Wait()
			continue
		}
		break
	}

	if bpm.allocator.IsDeallocated(pageID) {
		bpm.latch.Unlock()
		return nil, ErrPageDeallocated(op, pageID)
	}

	bpm.metrics.RecordCacheMiss()
	frameID, victim, err := bpm.acquireFrameLocked(op)
	if err != nil {
		bpm.latch.Unlock()
		return nil, err
	}
	page := bpm.claimFrameLocked(frameID, pageID)
	bpm.latch.Unlock()

	if err := bpm.writeBack(page, victim); err != nil {
		bpm.latch.Lock()
		bpm.restoreVictimLocked(page, victim)
		bpm.latch.Unlock()
		return nil, ErrDiskWrite(op, victim.pageID, err)
	}

	readStart := time.Now()
	if err := bpm.disk.ReadPage(pageID, page.data); err != nil {
		bpm.metrics.RecordDiskError()
		bpm.logger.Warn("failed to read page",
			zap.Uint32("page_id", uint32(pageID)),
			zap.Error(err))

		bpm.latch.Lock()
		bpm.releaseFrameLocked(page, victim)
		bpm.latch.Unlock()
		return nil, ErrDiskRead(op, pageID, err)
	}
	bpm.metrics.RecordDiskRead(time.Since(readStart))

	bpm.latch.Lock()
	bpm.finishLoadLocked(page, victim, accessType)
	bpm.latch.Unlock()

	return page, nil
}

// UnpinPage drops one pin on pageID and ORs isDirty into its dirty flag.
// When the last pin goes the frame becomes an eviction candidate.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, isDirty bool) error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return ErrPageNotResident("UnpinPage", pageID)
	}

	page := bpm.frames[frameID]
	if page.state != frameResident || page.pinCount.Load() <= 0 {
		return ErrInvalidPin("UnpinPage", pageID)
	}

	if isDirty {
		page.isDirty.Store(true)
		page.dirtyGen++
	}
	bpm.unpinLocked(page)
	return nil
}

// residentLocked looks pageID up, waiting out any load in progress.
func (bpm *BufferPoolManager) residentLocked(op string, pageID PageID) (*Page, error) {
	for {
		frameID, ok := bpm.pageTable[pageID]
		if !ok {
			return nil, ErrPageNotResident(op, pageID)
		}
		page := bpm.frames[frameID]
		if page.state == frameLoading {
			bpm.frameReady.Wait()
			continue
		}
		return page, nil
	}
}

// FlushPage writes pageID to disk whether or not it is dirty and then
// clears its dirty flag, unless the page was dirtied again meanwhile.
//
// The write holds the page read latch, so it must not be called by a
// goroutine holding the same page's write latch.
func (bpm *BufferPoolManager) FlushPage(pageID PageID) error {
	start := time.Now()

	bpm.latch.Lock()
	page, err := bpm.residentLocked("FlushPage", pageID)
	if err != nil {
		bpm.latch.Unlock()
		return err
	}
	// Pinned for the duration of the write so it cannot be evicted.
	bpm.pinLocked(page)
	gen := page.dirtyGen
	wasDirty := page.IsDirty()
	bpm.latch.Unlock()

	err = bpm.flushLatched(page, wasDirty)

	bpm.latch.Lock()
	if err == nil && page.dirtyGen == gen {
		page.isDirty.Store(false)
	}
	bpm.unpinLocked(page)
	bpm.latch.Unlock()

	if err != nil {
		return ErrDiskWrite("FlushPage", pageID, err)
	}
	bpm.metrics.RecordPageFlush(time.Since(start))
	return nil
}

func (bpm *BufferPoolManager) flushLatched(page *Page, dirty bool) error {
	if dirty {
		if err := bpm.flushLog(); err != nil {
			return err
		}
	}

	page.RLatch()
	err := bpm.disk.WritePage(page.pageId, page.data)
	page.RUnlatch()

	if err != nil {
		bpm.metrics.RecordDiskError()
		bpm.logger.Warn("failed to flush page",
			zap.Uint32("page_id", uint32(page.pageId)),
			zap.Error(err))
		return err
	}
	bpm.metrics.RecordDiskWrite()
	return nil
}

// FlushAllPages flushes every resident page. Failures do not stop the pass;
// they are returned together once all pages have been tried.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.latch.Lock()
	pageIDs := make([]PageID, 0, len(bpm.pageTable))
	for pageID, frameID := range bpm.pageTable {
		if bpm.frames[frameID].state == frameResident {
			pageIDs = append(pageIDs, pageID)
		}
	}
	bpm.latch.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(bpm.flushWorkers)

	for _, pageID := range pageIDs {
		g.Go(func() error {
			err := bpm.FlushPage(pageID)
			// Evicted or deleted since the snapshot: nothing left to flush.
			if err != nil && !IsErrorCode(err, ErrCodePageNotResident) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		bpm.logger.Warn("flush all pages incomplete",
			zap.Int("pages", len(pageIDs)),
			zap.Int("failed", len(multierr.Errors(errs))))
	}
	return errs
}

// DeletePage drops pageID from the pool and deallocates its id. Deleting a
// page that is not resident succeeds; deleting a pinned page fails. A page
// still being written back as a victim is waited for, since a failed write
// puts it back in the pool.
func (bpm *BufferPoolManager) DeletePage(pageID PageID) error {
	bpm.latch.Lock()
	for {
		if _, pending := bpm.writebacks[pageID]; !pending {
			break
		}
		bpm.frameReady.Wait()
	}
	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.frames[frameID]
		if pins := page.pinCount.Load(); pins > 0 {
			bpm.latch.Unlock()
			return ErrPagePinned("DeletePage", pageID, pins)
		}

		delete(bpm.pageTable, pageID)
		mustReplacer(bpm.replacer.Remove(frameID))
		page.reset()
		bpm.freeList = append(bpm.freeList, frameID)
	}
	bpm.latch.Unlock()

	bpm.allocator.DeallocatePage(pageID)
	return nil
}

// prefetchPage loads pageID with a scan access and releases it straight
// away, leaving it resident but first in line for eviction. It reports
// whether a disk read happened.
func (bpm *BufferPoolManager) prefetchPage(pageID PageID) (bool, error) {
	if pageID == InvalidPageID || pageID >= bpm.allocator.NextPageID() {
		return false, nil
	}

	bpm.latch.Lock()
	_, resident := bpm.pageTable[pageID]
	_, pending := bpm.writebacks[pageID]
	bpm.latch.Unlock()
	if resident || pending {
		return false, nil
	}

	if _, err := bpm.fetchPage("Prefetch", pageID, AccessScan); err != nil {
		return false, err
	}
	bpm.metrics.RecordPrefetch()
	return true, bpm.UnpinPage(pageID, false)
}

// GetDirtyPageCount returns the number of dirty pages in the buffer pool
func (bpm *BufferPoolManager) GetDirtyPageCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	count := 0
	for _, frameID := range bpm.pageTable {
		if page := bpm.frames[frameID]; page.state == frameResident && page.IsDirty() {
			count++
		}
	}
	return count
}

// GetDirtyPages returns up to maxPages dirty page IDs
func (bpm *BufferPoolManager) GetDirtyPages(maxPages int) []PageID {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	dirtyPages := make([]PageID, 0, maxPages)
	for pageID, frameID := range bpm.pageTable {
		if len(dirtyPages) >= maxPages {
			break
		}
		if page := bpm.frames[frameID]; page.state == frameResident && page.IsDirty() {
			dirtyPages = append(dirtyPages, pageID)
		}
	}
	return dirtyPages
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID PageID) bool {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

// PoolStats is a consistent snapshot of frame usage.
type PoolStats struct {
	PoolSize  int
	Resident  int
	Free      int
	Dirty     int
	Pinned    int
	Evictable int
	Loading   int
}

// GetStats returns a snapshot of frame usage taken under the pool latch.
func (bpm *BufferPoolManager) GetStats() PoolStats {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	stats := PoolStats{
		PoolSize:  bpm.poolSize,
		Free:      len(bpm.freeList),
		Evictable: bpm.replacer.Size(),
	}
	for _, frameID := range bpm.pageTable {
		page := bpm.frames[frameID]
		if page.state == frameLoading {
			stats.Loading++
			continue
		}
		stats.Resident++
		if page.IsDirty() {
			stats.Dirty++
		}
		if page.GetPinCount() > 0 {
			stats.Pinned++
		}
	}
	return stats
}
