package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
)

// MemoryDiskManager keeps pages in an in-memory file. It has the same layout
// as FileDiskManager and is used for tests and throwaway pools.
type MemoryDiskManager struct {
	file      *memfile.File
	numPages  PageID
	numWrites uint64
	numReads  uint64
	closed    bool
	mutex     sync.Mutex
}

// NewMemoryDiskManager creates an empty in-memory store.
func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{
		file: memfile.New(make([]byte, 0)),
	}
}

var errDiskClosed = errors.New("disk manager is closed")

// ReadPage copies the stored image of pageID into buf. Unwritten pages read
// as zeroes.
func (dm *MemoryDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if err := checkPageBuffer(buf); err != nil {
		return err
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.closed {
		return errDiskClosed
	}

	dm.numReads++
	n, err := dm.file.ReadAt(buf, int64(pageID)*PageSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	clear(buf[n:])
	return nil
}

// WritePage stores data as the image of pageID.
func (dm *MemoryDiskManager) WritePage(pageID PageID, data []byte) error {
	if err := checkPageBuffer(data); err != nil {
		return err
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.closed {
		return errDiskClosed
	}

	if _, err := dm.file.WriteAt(data, int64(pageID)*PageSize); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageID, err)
	}
	dm.numWrites++
	if pageID >= dm.numPages {
		dm.numPages = pageID + 1
	}
	return nil
}

// Sync is a no-op.
func (dm *MemoryDiskManager) Sync() error { return nil }

func (dm *MemoryDiskManager) NumPages() PageID {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	return dm.numPages
}

// NumWrites returns how many page writes reached the store.
func (dm *MemoryDiskManager) NumWrites() uint64 {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	return dm.numWrites
}

// NumReads returns how many page reads the store served.
func (dm *MemoryDiskManager) NumReads() uint64 {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	return dm.numReads
}

func (dm *MemoryDiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	dm.closed = true
	return nil
}
