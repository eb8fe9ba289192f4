package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/hash"
)

const (
	// RootBlockSize is the size reserved for the root block at address 0.
	RootBlockSize = 4096
	// RootMagic identifies an initialized root block.
	RootMagic uint32 = 0x474B564C

	rootHeaderSize = 12
	rootEntrySize  = 8
	// MaxSegments is the number of segment entries that fit in the root block.
	MaxSegments = (RootBlockSize - rootHeaderSize) / rootEntrySize
)

// segmentExtent is one RootBlockLogSegment entry.
type segmentExtent struct {
	Start uint32
	Size  uint32
}

// encodeRoot lays out the root block:
//
//	[magic u32][checksum u32][num u32][num x (start u32, size u32)]
//
// The checksum is CRC32C over num and the table.
func encodeRoot(extents []segmentExtent) ([]byte, error) {
	if len(extents) > MaxSegments {
		return nil, fmt.Errorf("%d log segments exceed root block capacity %d: %w",
			len(extents), MaxSegments, errs.ErrCapacity)
	}

	buf := make([]byte, RootBlockSize)
	binary.LittleEndian.PutUint32(buf[0:], RootMagic)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(extents)))
	for i, e := range extents {
		off := rootHeaderSize + i*rootEntrySize
		binary.LittleEndian.PutUint32(buf[off:], e.Start)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Size)
	}

	end := rootHeaderSize + len(extents)*rootEntrySize
	binary.LittleEndian.PutUint32(buf[4:], hash.CRC32C(buf[8:end]))
	return buf, nil
}

func decodeRoot(buf []byte) ([]segmentExtent, error) {
	if len(buf) < rootHeaderSize {
		return nil, fmt.Errorf("root block of %d bytes: %w", len(buf), errs.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(buf); magic != RootMagic {
		return nil, fmt.Errorf("root block magic %#x: %w", magic, errs.ErrCorrupt)
	}

	num := binary.LittleEndian.Uint32(buf[8:])
	if num == 0 || num > MaxSegments {
		return nil, fmt.Errorf("root block lists %d segments: %w", num, errs.ErrCorrupt)
	}
	end := rootHeaderSize + int(num)*rootEntrySize
	if end > len(buf) {
		return nil, fmt.Errorf("root block table truncated: %w", errs.ErrCorrupt)
	}
	if sum := hash.CRC32C(buf[8:end]); sum != binary.LittleEndian.Uint32(buf[4:]) {
		return nil, fmt.Errorf("root block checksum mismatch: %w", errs.ErrCorrupt)
	}

	extents := make([]segmentExtent, num)
	for i := range extents {
		off := rootHeaderSize + i*rootEntrySize
		extents[i] = segmentExtent{
			Start: binary.LittleEndian.Uint32(buf[off:]),
			Size:  binary.LittleEndian.Uint32(buf[off+4:]),
		}
	}
	return extents, nil
}

// ReservedBytes returns the address space occupied by the root block and the
// default segments. Region allocation must start above it.
func ReservedBytes(segments int, segmentSize uint64) uint64 {
	return RootBlockSize + uint64(segments)*segmentSize
}
