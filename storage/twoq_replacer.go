package storage

import (
	"container/list"
	"sync"
)

type twoQEntry struct {
	frameID   FrameID
	evictable bool
	hot       bool // in am
}

// TwoQReplacer implements a simplified 2Q replacement policy.
// It keeps two queues:
//   - a1: frames touched once since they were loaded (FIFO, probationary)
//   - am: frames touched again while resident (LRU, protected)
//
// Evict drains a1 before touching am, so a burst of one-off pages cannot
// push out the working set. Scan accesses never promote a frame.
//
// The classic A1out ghost queue is omitted: it remembers evicted page ids,
// and a replacer here only ever sees frame ids.
type TwoQReplacer struct {
	mu sync.Mutex

	a1 *list.List // front is oldest
	am *list.List // front is least recently used

	entries  []*list.Element // by frame id, nil when untracked
	currSize int
}

// NewTwoQReplacer creates a new 2Q replacer for numFrames frames
func NewTwoQReplacer(numFrames int) *TwoQReplacer {
	return &TwoQReplacer{
		a1:      list.New(),
		am:      list.New(),
		entries: make([]*list.Element, numFrames),
	}
}

func (r *TwoQReplacer) checkFrame(op string, frameID FrameID) error {
	if frameID < 0 || int(frameID) >= len(r.entries) {
		return ErrInvalidFrame(op, frameID, len(r.entries))
	}
	return nil
}

func (r *TwoQReplacer) element(frameID FrameID) (*list.Element, bool) {
	if elem := r.entries[frameID]; elem != nil {
		return elem, false
	}
	elem := r.a1.PushBack(&twoQEntry{frameID: frameID})
	r.entries[frameID] = elem
	return elem, true
}

// RecordAccess enters new frames in a1, promotes a1 frames to am on their
// second access and refreshes am frames.
func (r *TwoQReplacer) RecordAccess(frameID FrameID, accessType AccessType) error {
	if err := r.checkFrame("RecordAccess", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	elem, created := r.element(frameID)
	if created || accessType == AccessScan {
		return nil
	}

	entry := elem.Value.(*twoQEntry)
	if entry.hot {
		r.am.MoveToBack(elem)
		return nil
	}

	r.a1.Remove(elem)
	entry.hot = true
	r.entries[frameID] = r.am.PushBack(entry)
	return nil
}

func (r *TwoQReplacer) evictFrom(l *list.List) (FrameID, bool) {
	for elem := l.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*twoQEntry)
		if !entry.evictable {
			continue
		}
		l.Remove(elem)
		r.entries[entry.frameID] = nil
		r.currSize--
		return entry.frameID, true
	}
	return InvalidFrameID, false
}

// Evict takes the oldest evictable a1 frame, else the least recently used
// evictable am frame.
func (r *TwoQReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return InvalidFrameID, false
	}
	if frameID, ok := r.evictFrom(r.a1); ok {
		return frameID, true
	}
	return r.evictFrom(r.am)
}

// SetEvictable marks a frame as evictable or pinned
func (r *TwoQReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	if err := r.checkFrame("SetEvictable", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	elem, _ := r.element(frameID)
	entry := elem.Value.(*twoQEntry)
	if entry.evictable == evictable {
		return nil
	}
	entry.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
	return nil
}

// Remove forgets an evictable frame
func (r *TwoQReplacer) Remove(frameID FrameID) error {
	if err := r.checkFrame("Remove", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	elem := r.entries[frameID]
	if elem == nil {
		return nil
	}
	entry := elem.Value.(*twoQEntry)
	if !entry.evictable {
		return ErrFrameNotEvictable("Remove", frameID)
	}

	if entry.hot {
		r.am.Remove(elem)
	} else {
		r.a1.Remove(elem)
	}
	r.entries[frameID] = nil
	r.currSize--
	return nil
}

// Size returns the number of evictable frames
func (r *TwoQReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

// QueueSizes returns the number of tracked frames in a1 and am.
func (r *TwoQReplacer) QueueSizes() (a1, am int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.a1.Len(), r.am.Len()
}
