package storage

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of storage errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal
	ErrCodeInvalidConfig

	// Replacer errors
	ErrCodeInvalidFrame
	ErrCodeFrameNotEvictable

	// Buffer pool errors
	ErrCodePoolExhausted
	ErrCodePageNotResident
	ErrCodePagePinned
	ErrCodeInvalidPin
	ErrCodeInvalidPageID
	ErrCodePageDeallocated

	// Disk errors
	ErrCodeDiskReadFailed
	ErrCodeDiskWriteFailed
	ErrCodePageCorrupted
	ErrCodeSchedulerClosed
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeUnknown:           "unknown",
	ErrCodeInternal:          "internal",
	ErrCodeInvalidConfig:     "invalid_config",
	ErrCodeInvalidFrame:      "invalid_frame",
	ErrCodeFrameNotEvictable: "frame_not_evictable",
	ErrCodePoolExhausted:     "pool_exhausted",
	ErrCodePageNotResident:   "page_not_resident",
	ErrCodePagePinned:        "page_pinned",
	ErrCodeInvalidPin:        "invalid_pin",
	ErrCodeInvalidPageID:     "invalid_page_id",
	ErrCodePageDeallocated:   "page_deallocated",
	ErrCodeDiskReadFailed:    "disk_read_failed",
	ErrCodeDiskWriteFailed:   "disk_write_failed",
	ErrCodePageCorrupted:     "page_corrupted",
	ErrCodeSchedulerClosed:   "scheduler_closed",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error_code(%d)", int(c))
}

// StorageError represents a storage engine error with context
type StorageError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StorageError carrying the same code.
func (e *StorageError) Is(target error) bool {
	if t, ok := target.(*StorageError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewStorageError creates a new storage error
func NewStorageError(code ErrorCode, op, message string, err error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// Helper functions for common errors

func ErrInvalidFrame(op string, frameID FrameID, numFrames int) *StorageError {
	return NewStorageError(
		ErrCodeInvalidFrame,
		op,
		fmt.Sprintf("frame %d out of range [0, %d)", frameID, numFrames),
		nil,
	)
}

func ErrFrameNotEvictable(op string, frameID FrameID) *StorageError {
	return NewStorageError(
		ErrCodeFrameNotEvictable,
		op,
		fmt.Sprintf("frame %d is not evictable", frameID),
		nil,
	)
}

func ErrPoolExhausted(op string) *StorageError {
	return NewStorageError(
		ErrCodePoolExhausted,
		op,
		"no free frame and no evictable frame in buffer pool",
		nil,
	)
}

func ErrPageNotResident(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodePageNotResident,
		op,
		fmt.Sprintf("page %d not resident in buffer pool", pageID),
		nil,
	)
}

func ErrPagePinned(op string, pageID PageID, pinCount int32) *StorageError {
	return NewStorageError(
		ErrCodePagePinned,
		op,
		fmt.Sprintf("page %d is pinned (pin count: %d)", pageID, pinCount),
		nil,
	)
}

func ErrInvalidPin(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPin,
		op,
		fmt.Sprintf("page %d has pin count 0", pageID),
		nil,
	)
}

func ErrInvalidPageID(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPageID,
		op,
		fmt.Sprintf("invalid page id %d", pageID),
		nil,
	)
}

func ErrPageDeallocated(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodePageDeallocated,
		op,
		fmt.Sprintf("page %d was deallocated", pageID),
		nil,
	)
}

func ErrDiskRead(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskReadFailed,
		op,
		fmt.Sprintf("failed to read page %d", pageID),
		err,
	)
}

func ErrDiskWrite(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskWriteFailed,
		op,
		fmt.Sprintf("failed to write page %d", pageID),
		err,
	)
}

func ErrSchedulerClosed(op string) *StorageError {
	return NewStorageError(
		ErrCodeSchedulerClosed,
		op,
		"disk scheduler is closed",
		nil,
	)
}

// IsErrorCode checks if an error, or any error it wraps, has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnknown
}
