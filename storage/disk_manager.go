package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// PageStore is the page-granular I/O the buffer pool depends on.
// Both DiskManager implementations and the DiskScheduler satisfy it.
type PageStore interface {
	// ReadPage fills buf (PageSize bytes) with the stored image of pageID.
	ReadPage(pageID PageID, buf []byte) error
	// WritePage stores data (PageSize bytes) as the image of pageID.
	WritePage(pageID PageID, data []byte) error
}

// DiskManager owns a backing store of fixed-size pages.
type DiskManager interface {
	PageStore
	// Sync makes completed writes durable.
	Sync() error
	// NumPages returns one past the highest page ever written.
	NumPages() PageID
	Close() error
}

func checkPageBuffer(buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(buf))
	}
	return nil
}

// FileDiskManager stores page N at offset N*PageSize of a single file.
type FileDiskManager struct {
	file     *os.File
	fileName string
	numPages PageID
	syncEach bool
	mutex    sync.RWMutex
}

// FileDiskOptions tune FileDiskManager.
type FileDiskOptions struct {
	// DirectIO opens the file with O_DIRECT where supported. Frame buffers
	// are allocated aligned, so pool I/O can bypass the page cache.
	DirectIO bool
	// SyncOnWrite fsyncs after every page write.
	SyncOnWrite bool
}

// NewFileDiskManager opens or creates fileName.
func NewFileDiskManager(fileName string, opts FileDiskOptions) (*FileDiskManager, error) {
	var (
		file *os.File
		err  error
	)
	if opts.DirectIO {
		file, err = directio.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	} else {
		file, err = os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file %s: %w", fileName, err)
	}

	return &FileDiskManager{
		file:     file,
		fileName: fileName,
		numPages: PageID((info.Size() + PageSize - 1) / PageSize),
		syncEach: opts.SyncOnWrite,
	}, nil
}

// ReadPage reads a page from disk given its page ID. Pages beyond the end of
// the file read as zeroes.
func (dm *FileDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if err := checkPageBuffer(buf); err != nil {
		return err
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageID) * PageSize
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	clear(buf[n:])
	return nil
}

// WritePage writes a page to disk at the specified page ID
func (dm *FileDiskManager) WritePage(pageID PageID, data []byte) error {
	if err := checkPageBuffer(data); err != nil {
		return err
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	offset := int64(pageID) * PageSize
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageID, err)
	}
	if pageID >= dm.numPages {
		dm.numPages = pageID + 1
	}

	if dm.syncEach {
		return dm.file.Sync()
	}
	return nil
}

// PageWrite represents a single page write operation
type PageWrite struct {
	PageID PageID
	Data   []byte
}

// WritePagesV writes multiple pages and syncs once at the end.
func (dm *FileDiskManager) WritePagesV(writes []PageWrite) error {
	if len(writes) == 0 {
		return nil
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	for _, pw := range writes {
		if err := checkPageBuffer(pw.Data); err != nil {
			return err
		}

		offset := int64(pw.PageID) * PageSize
		if _, err := dm.file.WriteAt(pw.Data, offset); err != nil {
			return fmt.Errorf("failed to write page %d: %w", pw.PageID, err)
		}
		if pw.PageID >= dm.numPages {
			dm.numPages = pw.PageID + 1
		}
	}

	return dm.file.Sync()
}

// Sync flushes the file to stable storage.
func (dm *FileDiskManager) Sync() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	return dm.file.Sync()
}

// NumPages returns the number of pages the file covers.
func (dm *FileDiskManager) NumPages() PageID {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.numPages
}

// FileName returns the path of the backing file.
func (dm *FileDiskManager) FileName() string {
	return dm.fileName
}

// Close closes the disk manager and its underlying file
func (dm *FileDiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.file == nil {
		return nil
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
