package storage

import "fmt"

// FrameID identifies a slot in the buffer pool's frame arena.
type FrameID int

// InvalidFrameID is never a valid frame.
const InvalidFrameID FrameID = -1

// AccessType is a hint passed from the page-fetch call down to the replacer.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessLookup
	AccessScan
	AccessIndex
)

func (a AccessType) String() string {
	switch a {
	case AccessLookup:
		return "lookup"
	case AccessScan:
		return "scan"
	case AccessIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Replacer interface for page replacement policies.
// Implementations guard their own state; callers only ever receive values.
type Replacer interface {
	// RecordAccess notes that frameID was touched at the current logical time.
	RecordAccess(frameID FrameID, accessType AccessType) error

	// Evict picks a victim among evictable frames and forgets its history.
	// Returns false if no frame is evictable.
	Evict() (FrameID, bool)

	// SetEvictable toggles whether frameID may be chosen by Evict.
	SetEvictable(frameID FrameID, evictable bool) error

	// Remove drops the history of an evictable frame.
	Remove(frameID FrameID) error

	// Size returns the number of evictable frames
	Size() int
}

const (
	ReplacerLRUK = "lru-k"
	ReplacerLRU  = "lru"
	Replacer2Q   = "2q"

	// DefaultReplacerK is the K used when none is configured.
	DefaultReplacerK = 2
)

// NewReplacer creates a replacer based on the specified algorithm
func NewReplacer(algorithm string, numFrames, k int) (Replacer, error) {
	if numFrames <= 0 {
		return nil, NewStorageError(ErrCodeInvalidConfig, "NewReplacer",
			fmt.Sprintf("frame count must be positive, got %d", numFrames), nil)
	}

	switch algorithm {
	case ReplacerLRUK, "":
		if k <= 0 {
			k = DefaultReplacerK
		}
		return NewLRUKReplacer(numFrames, k), nil
	case ReplacerLRU:
		return NewLRUReplacer(numFrames), nil
	case Replacer2Q:
		return NewTwoQReplacer(numFrames), nil
	default:
		return nil, NewStorageError(ErrCodeInvalidConfig, "NewReplacer",
			fmt.Sprintf("unknown replacer %q", algorithm), nil)
	}
}
