package storage

import "sync"

// lruKNode is the access history of one frame. Slots live in an arena
// indexed by frame id; tracked marks whether the slot is in use.
type lruKNode struct {
	tracked   bool
	evictable bool
	history   []uint64 // oldest first, at most k entries
}

// LRUKReplacer implements the LRU-K replacement policy.
//
// The backward k-distance of a frame is the difference between the current
// logical time and the timestamp of its k-th most recent access. Frames with
// fewer than k recorded accesses have an infinite distance and are evicted
// first, oldest earliest-surviving access first. Among frames with a full
// history the one with the largest distance is evicted.
//
// Scan accesses advance the clock but are not added to history, so a
// sequential scan cannot push hot pages out of the ranking.
type LRUKReplacer struct {
	mu               sync.Mutex
	nodes            []lruKNode
	currentTimestamp uint64
	currSize         int
	k                int
}

// NewLRUKReplacer creates a replacer tracking frames [0, numFrames).
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if k <= 0 {
		k = DefaultReplacerK
	}
	return &LRUKReplacer{
		nodes: make([]lruKNode, numFrames),
		k:     k,
	}
}

// K returns the history depth of the replacer.
func (r *LRUKReplacer) K() int {
	return r.k
}

func (r *LRUKReplacer) checkFrame(op string, frameID FrameID) error {
	if frameID < 0 || int(frameID) >= len(r.nodes) {
		return ErrInvalidFrame(op, frameID, len(r.nodes))
	}
	return nil
}

// track turns an unused slot into a zero-history, non-evictable node.
func (r *LRUKReplacer) track(frameID FrameID) *lruKNode {
	node := &r.nodes[frameID]
	if !node.tracked {
		node.tracked = true
		node.evictable = false
		if node.history == nil {
			node.history = make([]uint64, 0, r.k)
		}
	}
	return node
}

// RecordAccess records an access to frameID at the next logical timestamp.
func (r *LRUKReplacer) RecordAccess(frameID FrameID, accessType AccessType) error {
	if err := r.checkFrame("RecordAccess", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTimestamp++
	node := r.track(frameID)
	if accessType == AccessScan {
		return nil
	}

	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, r.currentTimestamp)
	return nil
}

// Evict removes and returns the evictable frame with the largest backward
// k-distance.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return InvalidFrameID, false
	}

	// Both classes rank by the oldest retained timestamp: for a full history
	// that is the k-th most recent access, for a cold one the earliest
	// surviving access. An empty history sorts before everything.
	victim := InvalidFrameID
	victimCold := false
	var victimStamp uint64

	for i := range r.nodes {
		node := &r.nodes[i]
		if !node.tracked || !node.evictable {
			continue
		}

		cold := len(node.history) < r.k
		var stamp uint64
		if len(node.history) > 0 {
			stamp = node.history[0]
		}

		switch {
		case victim == InvalidFrameID:
		case cold && !victimCold:
		case cold == victimCold && stamp < victimStamp:
		default:
			continue
		}
		victim, victimCold, victimStamp = FrameID(i), cold, stamp
	}

	if victim == InvalidFrameID {
		return InvalidFrameID, false
	}

	r.forget(victim)
	return victim, true
}

// forget erases a tracked, evictable node.
func (r *LRUKReplacer) forget(frameID FrameID) {
	node := &r.nodes[frameID]
	node.tracked = false
	node.evictable = false
	node.history = node.history[:0]
	r.currSize--
}

// SetEvictable marks frameID evictable or not. A frame that has never been
// seen gets a fresh node with no history first.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	if err := r.checkFrame("SetEvictable", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.track(frameID)
	if node.evictable == evictable {
		return nil
	}

	node.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
	return nil
}

// Remove erases the history of frameID. Removing an untracked frame is a
// no-op; removing a tracked, non-evictable one fails.
func (r *LRUKReplacer) Remove(frameID FrameID) error {
	if err := r.checkFrame("Remove", frameID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node := &r.nodes[frameID]
	if !node.tracked {
		return nil
	}
	if !node.evictable {
		return ErrFrameNotEvictable("Remove", frameID)
	}

	r.forget(frameID)
	return nil
}

// Size returns the number of evictable frames
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

// History returns a copy of the timestamps retained for frameID, oldest
// first, and whether the frame is tracked.
func (r *LRUKReplacer) History(frameID FrameID) ([]uint64, bool) {
	if r.checkFrame("History", frameID) != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node := &r.nodes[frameID]
	if !node.tracked {
		return nil, false
	}
	out := make([]uint64, len(node.history))
	copy(out, node.history)
	return out, true
}
