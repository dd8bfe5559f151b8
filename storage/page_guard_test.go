package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicPageGuardDrop(t *testing.T) {
	bpm := newTestPool(t, 2)

	guard, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	pageID := guard.PageID()
	assert.Equal(t, int32(1), guard.Page().GetPinCount())

	require.NoError(t, guard.Drop())
	assert.Equal(t, InvalidPageID, guard.PageID())
	assert.Nil(t, guard.Page())
	require.NoError(t, guard.Drop(), "second Drop is a no-op")

	assert.Equal(t, 0, bpm.GetStats().Pinned)
	assert.Equal(t, 0, bpm.GetDirtyPageCount(), "read-only guard leaves the page clean")
	assert.True(t, bpm.IsResident(pageID))
}

func TestBasicPageGuardMutMarksDirty(t *testing.T) {
	bpm := newTestPool(t, 2)
	pageID := newUnpinnedPage(t, bpm)

	guard, err := bpm.FetchPageBasic(pageID)
	require.NoError(t, err)
	copy(guard.GetDataMut(), "dirty")
	require.NoError(t, guard.Drop())

	assert.Equal(t, []PageID{pageID}, bpm.GetDirtyPages(4))
}

func TestUpgradeMovesPin(t *testing.T) {
	bpm := newTestPool(t, 2)
	pageID := newUnpinnedPage(t, bpm)

	basic, err := bpm.FetchPageBasic(pageID)
	require.NoError(t, err)

	read := basic.UpgradeRead()
	assert.Equal(t, InvalidPageID, basic.PageID())
	require.NoError(t, basic.Drop(), "emptied guard must not unpin")
	assert.Equal(t, 1, bpm.GetStats().Pinned)

	assert.Equal(t, pageID, read.PageID())
	require.NoError(t, read.Drop())
	require.NoError(t, read.Drop())
	assert.Equal(t, 0, bpm.GetStats().Pinned)

	// Upgrading an empty guard yields an empty guard.
	empty := basic.UpgradeWrite()
	assert.Equal(t, InvalidPageID, empty.PageID())
	require.NoError(t, empty.Drop())
}

func TestReadGuardsShareLatch(t *testing.T) {
	bpm := newTestPool(t, 2)
	pageID := newStampedPage(t, bpm, "shared")

	first, err := bpm.FetchPageRead(pageID)
	require.NoError(t, err)
	second, err := bpm.FetchPageRead(pageID)
	require.NoError(t, err)

	assert.Equal(t, []byte("shared"), first.GetData()[:6])
	assert.Equal(t, []byte("shared"), second.GetData()[:6])
	assert.Equal(t, int32(2), bpm.frames[bpm.pageTable[pageID]].GetPinCount())

	require.NoError(t, first.Drop())
	require.NoError(t, second.Drop())
}

func TestWriteGuardUnpinsDirty(t *testing.T) {
	bpm, store := newTestPoolWithStore(t, 1)
	pageID := newUnpinnedPage(t, bpm)

	guard, err := bpm.FetchPageWrite(pageID)
	require.NoError(t, err)
	copy(guard.GetDataMut(), "written")
	require.NoError(t, guard.Drop())
	require.NoError(t, guard.Drop())

	assert.Equal(t, 1, bpm.GetDirtyPageCount())

	// The page can be latched again once the guard is gone.
	read, err := bpm.FetchPageRead(pageID)
	require.NoError(t, err)
	require.NoError(t, read.Drop())

	_ = newUnpinnedPage(t, bpm)
	assert.Equal(t, []byte("written"), storedBytes(t, store, pageID, 7))
}

func TestGuardFetchErrors(t *testing.T) {
	bpm := newTestPool(t, 1)

	_, err := bpm.NewPageGuarded()
	require.NoError(t, err)

	_, err = bpm.NewPageGuarded()
	assert.True(t, IsErrorCode(err, ErrCodePoolExhausted))

	_, err = bpm.FetchPageRead(InvalidPageID)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidPageID))

	_, err = bpm.FetchPageWrite(7)
	assert.True(t, IsErrorCode(err, ErrCodePoolExhausted))
}
