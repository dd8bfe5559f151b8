package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/ncw/directio"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression algorithm used
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return "none"
	}
}

// ParseCompressionType maps a config value to a CompressionType.
func ParseCompressionType(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression %q (must be none, lz4 or snappy)", name)
	}
}

// CompressedPage represents a compressed page with metadata
type CompressedPage struct {
	CompressionType  CompressionType
	UncompressedSize uint16
	CompressedSize   uint16
	CompressedData   []byte
	OriginalChecksum uint32 // CRC32 of original data
}

// Compressed page layout:
// [0-1]: Magic number (0xC0DE)
// [2]: Compression type (1=LZ4, 2=Snappy)
// [3]: Reserved
// [4-5]: Uncompressed size
// [6-7]: Compressed size
// [8-11]: CRC32 (IEEE) of the uncompressed page
// [12+]: Compressed data, zero padded to PageSize
//
// Pages that do not compress well are stored as-is. A raw page is told apart
// from a compressed one by the magic number and a matching checksum.

const (
	CompressedPageMagic     = 0xC0DE
	CompressedHeaderSize    = 12
	MinCompressionThreshold = 100 // Minimum bytes saved to use compression
)

// CompressPage compresses a page using the specified algorithm. If the
// savings are below MinCompressionThreshold the result has CompressionNone.
func CompressPage(data []byte, compressionType CompressionType) (*CompressedPage, error) {
	if err := checkPageBuffer(data); err != nil {
		return nil, err
	}

	checksum := crc32.ChecksumIEEE(data)

	var compressed []byte
	switch compressionType {
	case CompressionNone:
		compressed = data

	case CompressionLZ4:
		compressed = make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		if n == 0 {
			// lz4 signals incompressible input with an empty block.
			compressed = data
			compressionType = CompressionNone
		} else {
			compressed = compressed[:n]
		}

	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compressionType)
	}

	if compressionType != CompressionNone && len(data)-len(compressed) < MinCompressionThreshold {
		compressionType = CompressionNone
		compressed = data
	}

	return &CompressedPage{
		CompressionType:  compressionType,
		UncompressedSize: uint16(len(data)),
		CompressedSize:   uint16(len(compressed)),
		CompressedData:   compressed,
		OriginalChecksum: checksum,
	}, nil
}

// DecompressPage decompresses a compressed page and verifies its checksum
func DecompressPage(cp *CompressedPage) ([]byte, error) {
	var decompressed []byte

	switch cp.CompressionType {
	case CompressionNone:
		decompressed = cp.CompressedData

	case CompressionLZ4:
		decompressed = make([]byte, cp.UncompressedSize)
		n, err := lz4.UncompressBlock(cp.CompressedData, decompressed)
		if err != nil {
			return nil, fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		if n != int(cp.UncompressedSize) {
			return nil, fmt.Errorf("LZ4 decompression size mismatch: got %d, expected %d", n, cp.UncompressedSize)
		}

	case CompressionSnappy:
		var err error
		decompressed, err = snappy.Decode(nil, cp.CompressedData)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		if len(decompressed) != int(cp.UncompressedSize) {
			return nil, fmt.Errorf("snappy decompression size mismatch: got %d, expected %d", len(decompressed), cp.UncompressedSize)
		}

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", cp.CompressionType)
	}

	if checksum := crc32.ChecksumIEEE(decompressed); checksum != cp.OriginalChecksum {
		return nil, NewStorageError(ErrCodePageCorrupted, "DecompressPage",
			fmt.Sprintf("checksum mismatch: got %08x, expected %08x", checksum, cp.OriginalChecksum), nil)
	}

	return decompressed, nil
}

// encodeInto writes the on-disk form of cp into dst (PageSize bytes).
func (cp *CompressedPage) encodeInto(dst []byte) error {
	if cp.CompressionType == CompressionNone {
		copy(dst, cp.CompressedData)
		return nil
	}

	if CompressedHeaderSize+len(cp.CompressedData) > len(dst) {
		return fmt.Errorf("compressed page too large: %d bytes (max %d)",
			CompressedHeaderSize+len(cp.CompressedData), len(dst))
	}

	binary.LittleEndian.PutUint16(dst[0:2], CompressedPageMagic)
	dst[2] = uint8(cp.CompressionType)
	dst[3] = 0
	binary.LittleEndian.PutUint16(dst[4:6], cp.UncompressedSize)
	binary.LittleEndian.PutUint16(dst[6:8], cp.CompressedSize)
	binary.LittleEndian.PutUint32(dst[8:12], cp.OriginalChecksum)
	n := copy(dst[CompressedHeaderSize:], cp.CompressedData)
	clear(dst[CompressedHeaderSize+n:])
	return nil
}

// parseCompressedPage reads a header written by encodeInto. ok is false when
// data does not carry a well-formed compressed header.
func parseCompressedPage(data []byte) (cp *CompressedPage, ok bool) {
	if len(data) < CompressedHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint16(data[0:2]) != CompressedPageMagic {
		return nil, false
	}

	ct := CompressionType(data[2])
	if ct != CompressionLZ4 && ct != CompressionSnappy {
		return nil, false
	}

	uncompressedSize := binary.LittleEndian.Uint16(data[4:6])
	compressedSize := binary.LittleEndian.Uint16(data[6:8])
	if int(uncompressedSize) != PageSize || CompressedHeaderSize+int(compressedSize) > len(data) {
		return nil, false
	}

	return &CompressedPage{
		CompressionType:  ct,
		UncompressedSize: uncompressedSize,
		CompressedSize:   compressedSize,
		CompressedData:   data[CompressedHeaderSize : CompressedHeaderSize+int(compressedSize)],
		OriginalChecksum: binary.LittleEndian.Uint32(data[8:12]),
	}, true
}

// IsCompressedPage checks if the page data carries a compressed page header
func IsCompressedPage(data []byte) bool {
	_, ok := parseCompressedPage(data)
	return ok
}

// GetCompressionRatio returns the compression ratio (original size / compressed size)
func (cp *CompressedPage) GetCompressionRatio() float64 {
	if cp.CompressedSize == 0 {
		return 1.0
	}
	return float64(cp.UncompressedSize) / float64(cp.CompressedSize)
}

// PageCompressionStats tracks compression statistics
type PageCompressionStats struct {
	TotalPages         uint64
	CompressedPages    uint64
	UncompressedPages  uint64
	TotalBytesOriginal uint64
	TotalBytesStored   uint64
}

// GetCompressionRatio returns overall compression ratio
func (pcs PageCompressionStats) GetCompressionRatio() float64 {
	if pcs.TotalBytesStored == 0 {
		return 1.0
	}
	return float64(pcs.TotalBytesOriginal) / float64(pcs.TotalBytesStored)
}

// CompressingDiskManager compresses pages on their way to an inner
// DiskManager and verifies them on the way back. The inner layout is
// unchanged (one PageSize slot per page), so the gain is less data for the
// inner store to move and a checksum on every compressed page.
type CompressingDiskManager struct {
	inner       DiskManager
	compression CompressionType

	totalPages      atomic.Uint64
	compressedPages atomic.Uint64
	bytesStored     atomic.Uint64
}

// NewCompressingDiskManager wraps inner. CompressionNone turns the wrapper
// into a pass-through that still decodes previously compressed pages.
func NewCompressingDiskManager(inner DiskManager, compression CompressionType) *CompressingDiskManager {
	return &CompressingDiskManager{inner: inner, compression: compression}
}

func (dm *CompressingDiskManager) WritePage(pageID PageID, data []byte) error {
	cp, err := CompressPage(data, dm.compression)
	if err != nil {
		return err
	}

	// Aligned so an O_DIRECT inner store accepts it.
	buf := directio.AlignedBlock(PageSize)
	if err := cp.encodeInto(buf); err != nil {
		return err
	}

	dm.totalPages.Add(1)
	if cp.CompressionType != CompressionNone {
		dm.compressedPages.Add(1)
		dm.bytesStored.Add(uint64(cp.CompressedSize) + CompressedHeaderSize)
	} else {
		dm.bytesStored.Add(PageSize)
	}

	return dm.inner.WritePage(pageID, buf)
}

func (dm *CompressingDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if err := dm.inner.ReadPage(pageID, buf); err != nil {
		return err
	}

	cp, ok := parseCompressedPage(buf)
	if !ok {
		return nil
	}

	decompressed, err := DecompressPage(cp)
	if err != nil {
		// A raw page that happens to start with the magic fails the
		// checksum and is returned unchanged.
		return nil
	}
	copy(buf, decompressed)
	return nil
}

func (dm *CompressingDiskManager) Sync() error { return dm.inner.Sync() }

func (dm *CompressingDiskManager) NumPages() PageID { return dm.inner.NumPages() }

func (dm *CompressingDiskManager) Close() error { return dm.inner.Close() }

// Stats reports what the wrapper has written since it was created.
func (dm *CompressingDiskManager) Stats() PageCompressionStats {
	total := dm.totalPages.Load()
	compressed := dm.compressedPages.Load()
	return PageCompressionStats{
		TotalPages:         total,
		CompressedPages:    compressed,
		UncompressedPages:  total - compressed,
		TotalBytesOriginal: total * PageSize,
		TotalBytesStored:   dm.bytesStored.Load(),
	}
}
