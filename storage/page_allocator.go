package storage

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// PageAllocator hands out page ids for new pages.
type PageAllocator interface {
	// AllocatePage returns an id that has never been returned before.
	AllocatePage() PageID
	// DeallocatePage is called when a page is deleted from the pool.
	DeallocatePage(pageID PageID)
	// IsDeallocated reports whether pageID was deallocated.
	IsDeallocated(pageID PageID) bool
	// NextPageID returns the id the next AllocatePage call will return.
	NextPageID() PageID
}

// SequentialPageAllocator allocates ids from a monotonically increasing
// counter. Deallocated ids are remembered but never reused.
type SequentialPageAllocator struct {
	next  atomic.Uint32
	freed mapset.Set[PageID]
}

// NewSequentialPageAllocator starts allocating at start, typically the
// number of pages already present in the backing store.
func NewSequentialPageAllocator(start PageID) *SequentialPageAllocator {
	a := &SequentialPageAllocator{
		freed: mapset.NewSet[PageID](),
	}
	a.next.Store(uint32(start))
	return a
}

func (a *SequentialPageAllocator) AllocatePage() PageID {
	return PageID(a.next.Add(1) - 1)
}

func (a *SequentialPageAllocator) DeallocatePage(pageID PageID) {
	a.freed.Add(pageID)
}

func (a *SequentialPageAllocator) IsDeallocated(pageID PageID) bool {
	return a.freed.Contains(pageID)
}

func (a *SequentialPageAllocator) NextPageID() PageID {
	return PageID(a.next.Load())
}

// DeallocatedCount returns how many distinct ids have been deallocated.
func (a *SequentialPageAllocator) DeallocatedCount() int {
	return a.freed.Cardinality()
}
