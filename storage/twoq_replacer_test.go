package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoQProbationaryFramesGoFirst(t *testing.T) {
	r := NewTwoQReplacer(4)

	for fid := FrameID(0); fid < 4; fid++ {
		require.NoError(t, r.RecordAccess(fid, AccessUnknown))
		require.NoError(t, r.SetEvictable(fid, true))
	}
	// Second access promotes frames 0 and 1.
	require.NoError(t, r.RecordAccess(0, AccessUnknown))
	require.NoError(t, r.RecordAccess(1, AccessUnknown))

	a1, am := r.QueueSizes()
	assert.Equal(t, 2, a1)
	assert.Equal(t, 2, am)

	assert.Equal(t, FrameID(2), mustEvict(t, r))
	assert.Equal(t, FrameID(3), mustEvict(t, r))
	assert.Equal(t, FrameID(0), mustEvict(t, r))
	assert.Equal(t, FrameID(1), mustEvict(t, r))
	assert.Equal(t, 0, r.Size())
}

func TestTwoQProtectedQueueIsLRU(t *testing.T) {
	r := NewTwoQReplacer(3)

	for fid := FrameID(0); fid < 3; fid++ {
		require.NoError(t, r.RecordAccess(fid, AccessUnknown))
		require.NoError(t, r.RecordAccess(fid, AccessUnknown))
		require.NoError(t, r.SetEvictable(fid, true))
	}
	require.NoError(t, r.RecordAccess(0, AccessUnknown))

	assert.Equal(t, FrameID(1), mustEvict(t, r))
	assert.Equal(t, FrameID(2), mustEvict(t, r))
	assert.Equal(t, FrameID(0), mustEvict(t, r))
}

func TestTwoQScanDoesNotPromote(t *testing.T) {
	r := NewTwoQReplacer(2)

	require.NoError(t, r.RecordAccess(0, AccessUnknown))
	require.NoError(t, r.RecordAccess(0, AccessScan))
	require.NoError(t, r.RecordAccess(0, AccessScan))

	a1, am := r.QueueSizes()
	assert.Equal(t, 1, a1)
	assert.Equal(t, 0, am)
}

func TestTwoQPinnedFramesSkipped(t *testing.T) {
	r := NewTwoQReplacer(3)

	for fid := FrameID(0); fid < 3; fid++ {
		require.NoError(t, r.RecordAccess(fid, AccessUnknown))
	}
	require.NoError(t, r.SetEvictable(2, true))
	assert.Equal(t, 1, r.Size())
	assert.Equal(t, FrameID(2), mustEvict(t, r))

	_, ok := r.Evict()
	assert.False(t, ok)
}

func TestTwoQRemove(t *testing.T) {
	r := NewTwoQReplacer(2)

	require.NoError(t, r.Remove(0))

	require.NoError(t, r.RecordAccess(0, AccessUnknown))
	require.NoError(t, r.RecordAccess(0, AccessUnknown))
	assert.True(t, IsErrorCode(r.Remove(0), ErrCodeFrameNotEvictable))

	require.NoError(t, r.SetEvictable(0, true))
	require.NoError(t, r.Remove(0))
	assert.Equal(t, 0, r.Size())

	a1, am := r.QueueSizes()
	assert.Zero(t, a1)
	assert.Zero(t, am)

	assert.True(t, IsErrorCode(r.RecordAccess(2, AccessUnknown), ErrCodeInvalidFrame))
}
