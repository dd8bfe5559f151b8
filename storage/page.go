package storage

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
)

// PageSize is the size of every page on disk and every frame in memory.
const PageSize = 4096

// PageID identifies a page on disk.
type PageID uint32

// InvalidPageID marks an empty frame.
const InvalidPageID PageID = math.MaxUint32

type frameState uint8

const (
	frameFree frameState = iota
	frameLoading
	frameResident
)

// Page is one frame of the buffer pool together with the page it holds.
//
// Pin count and dirty flag are only changed by the BufferPoolManager while it
// holds the pool latch; the accessors are safe to call from anywhere. The page
// latch protects Data and must be held by callers that read or modify bytes
// while other goroutines may do the same.
type Page struct {
	frameID  FrameID
	pageId   PageID
	pinCount atomic.Int32
	isDirty  atomic.Bool
	data     []byte

	// Owned by the pool latch.
	state    frameState
	dirtyGen uint64

	latch sync.RWMutex
}

func newFrame(frameID FrameID) *Page {
	return &Page{
		frameID: frameID,
		pageId:  InvalidPageID,
		// Aligned so the same buffer can be handed to an O_DIRECT file.
		data:  directio.AlignedBlock(PageSize),
		state: frameFree,
	}
}

// GetPageId returns the page ID
func (p *Page) GetPageId() PageID {
	return p.pageId
}

// GetFrameId returns the frame the page occupies.
func (p *Page) GetFrameId() FrameID {
	return p.frameID
}

// GetPinCount returns the pin count
func (p *Page) GetPinCount() int32 {
	return p.pinCount.Load()
}

// IsDirty returns whether the page is dirty
func (p *Page) IsDirty() bool {
	return p.isDirty.Load()
}

// GetData returns the raw page bytes. The slice aliases the frame and is only
// valid while the page is pinned.
func (p *Page) GetData() []byte {
	return p.data
}

// RLatch acquires the page latch for reading.
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases a read latch.
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// WLatch acquires the page latch for writing.
func (p *Page) WLatch() { p.latch.Lock() }

// WUnlatch releases a write latch.
func (p *Page) WUnlatch() { p.latch.Unlock() }

// reset returns the frame to the empty state. Caller holds the pool latch.
func (p *Page) reset() {
	p.pageId = InvalidPageID
	p.pinCount.Store(0)
	p.isDirty.Store(false)
	p.state = frameFree
	p.dirtyGen = 0
	clear(p.data)
}
