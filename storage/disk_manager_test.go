package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func filledPage(b byte) []byte {
	data := directio.AlignedBlock(PageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func newTestFileDisk(t *testing.T, opts FileDiskOptions) *FileDiskManager {
	t.Helper()
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

// testDiskManager runs the behaviour every DiskManager shares.
func testDiskManager(t *testing.T, dm DiskManager) {
	t.Helper()
	assert.Equal(t, PageID(0), dm.NumPages())

	require.NoError(t, dm.WritePage(0, filledPage('a')))
	require.NoError(t, dm.WritePage(3, filledPage('d')))
	assert.Equal(t, PageID(4), dm.NumPages())

	buf := directio.AlignedBlock(PageSize)
	require.NoError(t, dm.ReadPage(0, buf))
	assert.Equal(t, filledPage('a'), buf)

	require.NoError(t, dm.ReadPage(3, buf))
	assert.Equal(t, filledPage('d'), buf)

	// The gap and anything past the end read as zeroes.
	require.NoError(t, dm.ReadPage(1, buf))
	assert.Equal(t, make([]byte, PageSize), buf)
	copy(buf, "junk")
	require.NoError(t, dm.ReadPage(100, buf))
	assert.Equal(t, make([]byte, PageSize), buf)

	require.NoError(t, dm.WritePage(0, filledPage('z')))
	require.NoError(t, dm.ReadPage(0, buf))
	assert.Equal(t, filledPage('z'), buf)

	assert.Error(t, dm.WritePage(5, make([]byte, 10)))
	assert.Error(t, dm.ReadPage(5, make([]byte, PageSize+1)))

	require.NoError(t, dm.Sync())
}

func TestFileDiskManager(t *testing.T) {
	testDiskManager(t, newTestFileDisk(t, FileDiskOptions{}))
}

func TestFileDiskManagerSyncOnWrite(t *testing.T) {
	testDiskManager(t, newTestFileDisk(t, FileDiskOptions{SyncOnWrite: true}))
}

func TestFileDiskManagerDirectIO(t *testing.T) {
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "direct.db"), FileDiskOptions{DirectIO: true})
	if err != nil {
		t.Skipf("O_DIRECT not supported here: %v", err)
	}
	defer dm.Close()

	if err := dm.WritePage(0, filledPage('x')); err != nil {
		t.Skipf("O_DIRECT write not supported here: %v", err)
	}
	buf := directio.AlignedBlock(PageSize)
	require.NoError(t, dm.ReadPage(0, buf))
	assert.Equal(t, filledPage('x'), buf)
}

func TestMemoryDiskManager(t *testing.T) {
	dm := NewMemoryDiskManager()
	testDiskManager(t, dm)
	assert.Equal(t, uint64(3), dm.NumWrites())

	require.NoError(t, dm.Close())
	assert.Error(t, dm.WritePage(0, filledPage('a')))
	assert.Error(t, dm.ReadPage(0, make([]byte, PageSize)))
}

func TestFileDiskManagerReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	dm, err := NewFileDiskManager(path, FileDiskOptions{})
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(2, filledPage('p')))
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "Close twice")

	dm, err = NewFileDiskManager(path, FileDiskOptions{})
	require.NoError(t, err)
	defer dm.Close()

	assert.Equal(t, PageID(3), dm.NumPages())
	assert.Equal(t, path, dm.FileName())
	buf := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(2, buf))
	assert.Equal(t, filledPage('p'), buf)
}

func TestWritePagesV(t *testing.T) {
	dm := newTestFileDisk(t, FileDiskOptions{})

	require.NoError(t, dm.WritePagesV(nil))
	require.NoError(t, dm.WritePagesV([]PageWrite{
		{PageID: 0, Data: filledPage('0')},
		{PageID: 1, Data: filledPage('1')},
		{PageID: 5, Data: filledPage('5')},
	}))
	assert.Equal(t, PageID(6), dm.NumPages())

	buf := make([]byte, PageSize)
	for _, pageID := range []PageID{0, 1, 5} {
		require.NoError(t, dm.ReadPage(pageID, buf))
		assert.Equal(t, filledPage(byte('0'+pageID)), buf)
	}

	err := dm.WritePagesV([]PageWrite{{PageID: 9, Data: []byte("short")}})
	assert.Error(t, err)
}

func TestDiskSchedulerReadWrite(t *testing.T) {
	disk := NewMemoryDiskManager()
	ds := NewDiskScheduler(disk, 3, 4, zaptest.NewLogger(t))

	require.NoError(t, ds.WritePage(7, filledPage('s')))
	buf := make([]byte, PageSize)
	require.NoError(t, ds.ReadPage(7, buf))
	assert.Equal(t, filledPage('s'), buf)

	// Manual scheduling with promises.
	done := ds.CreatePromise()
	require.NoError(t, ds.Schedule(DiskRequest{PageID: 7, Data: buf, Done: done}))
	require.NoError(t, <-done)

	assert.Error(t, ds.WritePage(8, []byte("short")))
	require.NoError(t, ds.Close())
}

func TestDiskSchedulerSamePageOrdering(t *testing.T) {
	disk := NewMemoryDiskManager()
	ds := NewDiskScheduler(disk, 4, 16, nil)
	defer ds.Close()

	// Writes to one page land in submission order.
	var promises []chan error
	for i := 0; i < 20; i++ {
		done := ds.CreatePromise()
		require.NoError(t, ds.Schedule(DiskRequest{IsWrite: true, PageID: 3, Data: filledPage(byte(i)), Done: done}))
		promises = append(promises, done)
	}
	for _, done := range promises {
		require.NoError(t, <-done)
	}

	buf := make([]byte, PageSize)
	require.NoError(t, ds.ReadPage(3, buf))
	assert.Equal(t, filledPage(19), buf)
}

func TestDiskSchedulerConcurrent(t *testing.T) {
	disk := NewMemoryDiskManager()
	ds := NewDiskScheduler(disk, 4, 8, nil)
	defer ds.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(pageID PageID) {
			defer wg.Done()
			assert.NoError(t, ds.WritePage(pageID, filledPage(byte(pageID))))
			buf := make([]byte, PageSize)
			if assert.NoError(t, ds.ReadPage(pageID, buf)) {
				assert.Equal(t, filledPage(byte(pageID)), buf)
			}
		}(PageID(i))
	}
	wg.Wait()

	assert.Equal(t, uint64(32), disk.NumWrites())
}

func TestDiskSchedulerClosed(t *testing.T) {
	ds := NewDiskScheduler(NewMemoryDiskManager(), 2, 2, nil)
	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())

	err := ds.WritePage(0, filledPage(0))
	assert.True(t, IsErrorCode(err, ErrCodeSchedulerClosed))
	err = ds.Schedule(DiskRequest{PageID: 1, Data: make([]byte, PageSize)})
	assert.True(t, errors.Is(err, ErrSchedulerClosed("")))
}

func TestDiskSchedulerUnderPool(t *testing.T) {
	disk := NewMemoryDiskManager()
	ds := NewDiskScheduler(disk, 2, 4, nil)
	defer ds.Close()

	bpm, err := NewBufferPoolManager(2, ds)
	require.NoError(t, err)

	var pageIDs []PageID
	for i := 0; i < 6; i++ {
		pageIDs = append(pageIDs, newStampedPage(t, bpm, string(rune('a'+i))))
	}
	for i, pageID := range pageIDs {
		page, err := bpm.FetchPage(pageID)
		require.NoError(t, err)
		assert.Equal(t, byte('a'+i), page.GetData()[0])
		require.NoError(t, bpm.UnpinPage(pageID, false))
	}
	assert.Greater(t, disk.NumWrites(), uint64(0))
}
