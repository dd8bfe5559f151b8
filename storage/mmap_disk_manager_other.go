//go:build !(linux || darwin)

package storage

import (
	"fmt"
	"runtime"
)

// MmapOptions tune MmapDiskManager.
type MmapOptions struct {
	InitialSize int64
	GrowSize    int64
}

// MmapDiskManager is only available on linux and darwin.
type MmapDiskManager struct {
	DiskManager
}

// NewMmapDiskManager reports that memory-mapped storage is unsupported.
func NewMmapDiskManager(fileName string, opts MmapOptions) (*MmapDiskManager, error) {
	return nil, fmt.Errorf("mmap disk manager is not supported on %s", runtime.GOOS)
}
