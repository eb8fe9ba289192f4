package block

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve every block.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawSize))
	})
)

// lz4MaxRatio is the largest expansion an LZ4 block can encode: every
// length byte extends a match by at most 255 bytes.
const lz4MaxRatio = 255

// compress wraps raw as [uncompressed len u32][compressed]. It reports
// CompressionNone with raw unchanged when the codec does not shrink it.
func compress(raw []byte, c Compression) ([]byte, Compression, error) {
	var body []byte

	switch c {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return raw, CompressionNone, nil
		}
		body = buf[:n]
	case CompressionZSTD:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, 0, fmt.Errorf("zstd encoder: %w", err)
		}
		body = enc.EncodeAll(raw, nil)
	default:
		return nil, 0, fmt.Errorf("compression %s: %w", c, errs.ErrInvalidArgument)
	}

	if len(body)+4 >= len(raw) {
		return raw, CompressionNone, nil
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	copy(out[4:], body)
	return out, c, nil
}

func decompress(payload []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return payload, nil
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("compressed payload of %d bytes: %w", len(payload), errs.ErrCorrupt)
	}

	want := binary.LittleEndian.Uint32(payload)
	body := payload[4:]
	if want > MaxRawSize {
		return nil, fmt.Errorf("uncompressed length %d exceeds %d: %w", want, MaxRawSize, errs.ErrCorrupt)
	}

	switch c {
	case CompressionLZ4:
		if uint64(want) > lz4MaxRatio*uint64(len(body))+16 {
			return nil, fmt.Errorf("uncompressed length %d from %d lz4 bytes: %w", want, len(body), errs.ErrCorrupt)
		}
		out := make([]byte, want)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %v: %w", err, errs.ErrCorrupt)
		}
		if uint32(n) != want {
			return nil, fmt.Errorf("decompressed %d bytes, want %d: %w", n, want, errs.ErrCorrupt)
		}
		return out, nil
	case CompressionZSTD:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		// Trust the recorded length only up to a plausible ratio.
		out, err := dec.DecodeAll(body, make([]byte, 0, min(uint64(want), 64*uint64(len(body)))))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %v: %w", err, errs.ErrCorrupt)
		}
		if uint32(len(out)) != want {
			return nil, fmt.Errorf("decompressed %d bytes, want %d: %w", len(out), want, errs.ErrCorrupt)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d: %w", uint8(c), errs.ErrCorrupt)
	}
}
