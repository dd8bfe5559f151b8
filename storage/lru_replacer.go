package storage

import (
	"container/list"
	"sync"
)

// LRUNode represents a tracked frame in the LRU list
type LRUNode struct {
	frameID   FrameID
	evictable bool
}

// LRUReplacer implements LRU (Least Recently Used) replacement policy.
// It ranks frames by their single most recent access, which is LRU-K with
// K=1, but keeps recency order in a list so Evict does not scan the pool.
type LRUReplacer struct {
	numFrames int
	lruList   *list.List // front is least recently used
	lruMap    map[FrameID]*list.Element
	currSize  int
	mutex     sync.Mutex
}

// NewLRUReplacer creates a new LRU replacer
func NewLRUReplacer(numFrames int) *LRUReplacer {
	return &LRUReplacer{
		numFrames: numFrames,
		lruList:   list.New(),
		lruMap:    make(map[FrameID]*list.Element),
	}
}

func (lru *LRUReplacer) checkFrame(op string, frameID FrameID) error {
	if frameID < 0 || int(frameID) >= lru.numFrames {
		return ErrInvalidFrame(op, frameID, lru.numFrames)
	}
	return nil
}

func (lru *LRUReplacer) element(frameID FrameID) *list.Element {
	if elem, exists := lru.lruMap[frameID]; exists {
		return elem
	}
	// Untouched frames are older than anything accessed.
	elem := lru.lruList.PushFront(&LRUNode{frameID: frameID})
	lru.lruMap[frameID] = elem
	return elem
}

// RecordAccess moves frameID to the most recently used end.
// Scan accesses do not refresh recency.
func (lru *LRUReplacer) RecordAccess(frameID FrameID, accessType AccessType) error {
	if err := lru.checkFrame("RecordAccess", frameID); err != nil {
		return err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	elem := lru.element(frameID)
	if accessType != AccessScan {
		lru.lruList.MoveToBack(elem)
	}
	return nil
}

// Evict selects the least recently used evictable frame
func (lru *LRUReplacer) Evict() (FrameID, bool) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if lru.currSize == 0 {
		return InvalidFrameID, false
	}

	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		node := elem.Value.(*LRUNode)
		if !node.evictable {
			continue
		}
		lru.lruList.Remove(elem)
		delete(lru.lruMap, node.frameID)
		lru.currSize--
		return node.frameID, true
	}

	return InvalidFrameID, false
}

// SetEvictable marks a frame as evictable or pinned
func (lru *LRUReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	if err := lru.checkFrame("SetEvictable", frameID); err != nil {
		return err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	node := lru.element(frameID).Value.(*LRUNode)
	if node.evictable == evictable {
		return nil
	}
	node.evictable = evictable
	if evictable {
		lru.currSize++
	} else {
		lru.currSize--
	}
	return nil
}

// Remove forgets an evictable frame
func (lru *LRUReplacer) Remove(frameID FrameID) error {
	if err := lru.checkFrame("Remove", frameID); err != nil {
		return err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	elem, exists := lru.lruMap[frameID]
	if !exists {
		return nil
	}
	node := elem.Value.(*LRUNode)
	if !node.evictable {
		return ErrFrameNotEvictable("Remove", frameID)
	}

	lru.lruList.Remove(elem)
	delete(lru.lruMap, frameID)
	lru.currSize--
	return nil
}

// Size returns the number of evictable frames
func (lru *LRUReplacer) Size() int {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	return lru.currSize
}
