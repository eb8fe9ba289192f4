package block

import (
	"fmt"

	"github.com/hupe1980/genkv/internal/errs"
)

// Format identifies the payload layout of a block.
type Format uint8

const (
	// FormatBasic is the length-prefixed, binary-searchable layout.
	FormatBasic Format = 1
	// FormatOffsetList is the entries-then-index layout.
	FormatOffsetList Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatBasic:
		return "basic"
	case FormatOffsetList:
		return "offset-list"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "basic", "":
		return FormatBasic, nil
	case "offset-list", "offsetlist":
		return FormatOffsetList, nil
	default:
		return 0, fmt.Errorf("unknown block format %q: %w", s, errs.ErrInvalidArgument)
	}
}

// Compression identifies the codec applied to a block payload.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "lz4", "":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression %q: %w", s, errs.ErrInvalidArgument)
	}
}

const (
	frameHeaderSize = 2
	countSize       = 4
	indexEntrySize  = 12

	// MaxRawSize bounds the uncompressed payload of one block.
	MaxRawSize = 1 << 30
)
