//go:build linux || darwin

package storage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapDiskManager serves pages out of a shared memory mapping of the data
// file. Writes land in the page cache immediately and reach disk on Sync.
type MmapDiskManager struct {
	file     *os.File
	mmapData []byte
	fileSize int64
	growSize int64
	numPages PageID
	mutex    sync.RWMutex // exclusive while the mapping is replaced
}

const (
	// InitialFileSize is the size a new data file is extended to (16MB).
	InitialFileSize = 16 * 1024 * 1024
	// FileGrowSize is added whenever a write lands past the mapping.
	FileGrowSize = 16 * 1024 * 1024
)

// MmapOptions tune MmapDiskManager.
type MmapOptions struct {
	InitialSize int64
	GrowSize    int64
}

func (o MmapOptions) withDefaults() MmapOptions {
	if o.InitialSize <= 0 {
		o.InitialSize = InitialFileSize
	}
	if o.GrowSize <= 0 {
		o.GrowSize = FileGrowSize
	}
	o.InitialSize = roundUpToPage(o.InitialSize)
	o.GrowSize = roundUpToPage(o.GrowSize)
	return o
}

func roundUpToPage(n int64) int64 {
	return (n + PageSize - 1) / PageSize * PageSize
}

// NewMmapDiskManager creates a new memory-mapped disk manager
func NewMmapDiskManager(fileName string, opts MmapOptions) (*MmapDiskManager, error) {
	opts = opts.withDefaults()

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	existing := info.Size()
	fileSize := roundUpToPage(existing)
	if fileSize < opts.InitialSize {
		fileSize = opts.InitialSize
	}
	if fileSize != existing {
		if err := file.Truncate(fileSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to grow file: %w", err)
		}
	}

	dm := &MmapDiskManager{
		file:     file,
		fileSize: fileSize,
		growSize: opts.GrowSize,
		numPages: PageID(roundUpToPage(existing) / PageSize),
	}

	if err := dm.mapFile(); err != nil {
		file.Close()
		return nil, err
	}

	return dm, nil
}

func (dm *MmapDiskManager) mapFile() error {
	data, err := unix.Mmap(int(dm.file.Fd()), 0, int(dm.fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to map file: %w", err)
	}
	dm.mmapData = data
	return nil
}

// growTo extends file and mapping to cover size bytes. Caller holds the
// exclusive lock.
func (dm *MmapDiskManager) growTo(size int64) error {
	newSize := dm.fileSize
	for newSize < size {
		newSize += dm.growSize
	}

	if err := unix.Msync(dm.mmapData, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync mapping before growth: %w", err)
	}
	if err := unix.Munmap(dm.mmapData); err != nil {
		return fmt.Errorf("failed to unmap file: %w", err)
	}
	dm.mmapData = nil

	if err := dm.file.Truncate(newSize); err != nil {
		// Restore the old mapping so the manager stays usable.
		if mapErr := dm.mapFile(); mapErr != nil {
			return fmt.Errorf("failed to grow file: %w (remap: %v)", err, mapErr)
		}
		return fmt.Errorf("failed to grow file: %w", err)
	}
	dm.fileSize = newSize

	return dm.mapFile()
}

// ReadPage copies a page out of the mapping. Pages past the end of the file
// read as zeroes.
func (dm *MmapDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if err := checkPageBuffer(buf); err != nil {
		return err
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.mmapData == nil {
		return errDiskClosed
	}

	offset := int64(pageID) * PageSize
	if offset+PageSize > dm.fileSize {
		clear(buf)
		return nil
	}

	copy(buf, dm.mmapData[offset:offset+PageSize])
	return nil
}

// WritePage copies data into the mapping, growing the file if needed.
func (dm *MmapDiskManager) WritePage(pageID PageID, data []byte) error {
	if err := checkPageBuffer(data); err != nil {
		return err
	}

	offset := int64(pageID) * PageSize

	dm.mutex.RLock()
	if dm.mmapData != nil && offset+PageSize <= dm.fileSize {
		copy(dm.mmapData[offset:offset+PageSize], data)
		dm.mutex.RUnlock()
		dm.bumpNumPages(pageID)
		return nil
	}
	dm.mutex.RUnlock()

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.mmapData == nil {
		return errDiskClosed
	}
	if offset+PageSize > dm.fileSize {
		if err := dm.growTo(offset + PageSize); err != nil {
			return err
		}
	}
	copy(dm.mmapData[offset:offset+PageSize], data)
	if pageID >= dm.numPages {
		dm.numPages = pageID + 1
	}
	return nil
}

func (dm *MmapDiskManager) bumpNumPages(pageID PageID) {
	dm.mutex.Lock()
	if pageID >= dm.numPages {
		dm.numPages = pageID + 1
	}
	dm.mutex.Unlock()
}

// Sync flushes dirty mapped pages to the file.
func (dm *MmapDiskManager) Sync() error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.mmapData == nil {
		return nil
	}
	if err := unix.Msync(dm.mmapData, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync mapping: %w", err)
	}
	return nil
}

// AdviceType represents memory access advice
type AdviceType int

const (
	AdviceNormal     AdviceType = 0 // No special treatment
	AdviceRandom     AdviceType = 1 // Random access pattern
	AdviceSequential AdviceType = 2 // Sequential access pattern
	AdviceWillNeed   AdviceType = 3 // Will need these pages soon (prefetch)
	AdviceDontNeed   AdviceType = 4 // Won't need these pages (can evict)
)

func (a AdviceType) madvise() int {
	switch a {
	case AdviceRandom:
		return unix.MADV_RANDOM
	case AdviceSequential:
		return unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		return unix.MADV_WILLNEED
	case AdviceDontNeed:
		return unix.MADV_DONTNEED
	default:
		return unix.MADV_NORMAL
	}
}

// Advise passes an access-pattern hint for count pages starting at pageID.
func (dm *MmapDiskManager) Advise(pageID PageID, count int, advice AdviceType) error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.mmapData == nil {
		return errDiskClosed
	}

	start := int64(pageID) * PageSize
	end := start + int64(count)*PageSize
	if start >= dm.fileSize || count <= 0 {
		return nil
	}
	if end > dm.fileSize {
		end = dm.fileSize
	}
	return unix.Madvise(dm.mmapData[start:end], advice.madvise())
}

func (dm *MmapDiskManager) NumPages() PageID {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.numPages
}

// MmapStats describes the mapping.
type MmapStats struct {
	FileSize   int64
	MappedSize int64
	NumPages   PageID
}

func (dm *MmapDiskManager) GetStats() MmapStats {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	return MmapStats{
		FileSize:   dm.fileSize,
		MappedSize: int64(len(dm.mmapData)),
		NumPages:   dm.numPages,
	}
}

// Close syncs, unmaps memory and closes the file
func (dm *MmapDiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.mmapData != nil {
		if err := unix.Msync(dm.mmapData, unix.MS_SYNC); err != nil {
			return fmt.Errorf("failed to sync mapping: %w", err)
		}
		if err := unix.Munmap(dm.mmapData); err != nil {
			return fmt.Errorf("failed to unmap file: %w", err)
		}
		dm.mmapData = nil
	}

	if dm.file != nil {
		err := dm.file.Close()
		dm.file = nil
		return err
	}
	return nil
}
