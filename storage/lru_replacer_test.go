package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUVictim(t *testing.T) {
	lru := NewLRUReplacer(5)

	for fid := FrameID(0); fid < 3; fid++ {
		require.NoError(t, lru.RecordAccess(fid, AccessUnknown))
		require.NoError(t, lru.SetEvictable(fid, true))
	}
	assert.Equal(t, 3, lru.Size())

	assert.Equal(t, FrameID(0), mustEvict(t, lru))
	assert.Equal(t, FrameID(1), mustEvict(t, lru))
	assert.Equal(t, FrameID(2), mustEvict(t, lru))

	_, ok := lru.Evict()
	assert.False(t, ok)
}

func TestLRUAccessRefreshesRecency(t *testing.T) {
	lru := NewLRUReplacer(3)

	for fid := FrameID(0); fid < 3; fid++ {
		require.NoError(t, lru.RecordAccess(fid, AccessUnknown))
		require.NoError(t, lru.SetEvictable(fid, true))
	}
	require.NoError(t, lru.RecordAccess(0, AccessLookup))

	assert.Equal(t, FrameID(1), mustEvict(t, lru))
	assert.Equal(t, FrameID(2), mustEvict(t, lru))
	assert.Equal(t, FrameID(0), mustEvict(t, lru))
}

func TestLRUScanKeepsPosition(t *testing.T) {
	lru := NewLRUReplacer(2)

	require.NoError(t, lru.RecordAccess(0, AccessUnknown))
	require.NoError(t, lru.RecordAccess(1, AccessUnknown))
	require.NoError(t, lru.RecordAccess(0, AccessScan))
	require.NoError(t, lru.SetEvictable(0, true))
	require.NoError(t, lru.SetEvictable(1, true))

	assert.Equal(t, FrameID(0), mustEvict(t, lru))
}

func TestLRUPinUnpin(t *testing.T) {
	lru := NewLRUReplacer(3)

	for fid := FrameID(0); fid < 3; fid++ {
		require.NoError(t, lru.RecordAccess(fid, AccessUnknown))
		require.NoError(t, lru.SetEvictable(fid, true))
	}

	require.NoError(t, lru.SetEvictable(0, false))
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, FrameID(1), mustEvict(t, lru))

	require.NoError(t, lru.SetEvictable(0, true))
	assert.Equal(t, FrameID(0), mustEvict(t, lru))
	assert.Equal(t, FrameID(2), mustEvict(t, lru))
}

func TestLRURemove(t *testing.T) {
	lru := NewLRUReplacer(3)

	require.NoError(t, lru.Remove(1))

	require.NoError(t, lru.RecordAccess(1, AccessUnknown))
	assert.True(t, IsErrorCode(lru.Remove(1), ErrCodeFrameNotEvictable))

	require.NoError(t, lru.SetEvictable(1, true))
	require.NoError(t, lru.Remove(1))
	assert.Equal(t, 0, lru.Size())

	_, ok := lru.Evict()
	assert.False(t, ok)
}

func TestLRUInvalidFrame(t *testing.T) {
	lru := NewLRUReplacer(2)

	assert.True(t, IsErrorCode(lru.RecordAccess(2, AccessUnknown), ErrCodeInvalidFrame))
	assert.True(t, IsErrorCode(lru.SetEvictable(-1, true), ErrCodeInvalidFrame))
	assert.True(t, IsErrorCode(lru.Remove(5), ErrCodeInvalidFrame))
}

func TestLRUAsPoolReplacer(t *testing.T) {
	bpm := newTestPool(t, 2, WithReplacer(NewLRUReplacer(2)))

	p0 := newUnpinnedPage(t, bpm)
	p1 := newUnpinnedPage(t, bpm)

	// Touch p0 so p1 becomes least recently used.
	_, err := bpm.FetchPage(p0)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p0, false))

	_ = newUnpinnedPage(t, bpm)
	assert.True(t, bpm.IsResident(p0))
	assert.False(t, bpm.IsResident(p1))
}
