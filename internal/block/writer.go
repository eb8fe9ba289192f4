package block

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/genkv/internal/conv"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/record"
)

// Options configures a Writer.
type Options struct {
	Format      Format
	Compression Compression
}

// DefaultOptions returns the basic format with LZ4 compression.
func DefaultOptions() Options {
	return Options{Format: FormatBasic, Compression: CompressionLZ4}
}

// Writer accumulates entries for one block.
type Writer struct {
	opts Options

	data  []byte
	index []byte
	count int

	first []byte
	last  []byte
}

// NewWriter returns a Writer. Zero option fields take their defaults.
func NewWriter(opts Options) *Writer {
	if opts.Format == 0 {
		opts.Format = FormatBasic
	}
	return &Writer{opts: opts}
}

// Add appends an entry. Keys must be added in strictly ascending order for
// the basic format; the offset-list format keeps insertion order.
func (w *Writer) Add(key []byte, u record.Update) error {
	if w.opts.Format == FormatBasic && w.count > 0 && bytes.Compare(key, w.last) <= 0 {
		return fmt.Errorf("key %x added after %x: %w", key, w.last, errs.ErrInvalidArgument)
	}

	switch w.opts.Format {
	case FormatBasic:
		w.data = binary.AppendUvarint(w.data, uint64(len(key)))
		w.data = append(w.data, key...)
		w.data = binary.AppendUvarint(w.data, uint64(u.EncodedLen()))
		w.data = u.AppendEncoded(w.data)
	case FormatOffsetList:
		off := len(w.data)
		w.data = append(w.data, key...)
		w.data = u.AppendEncoded(w.data)
		w.index = binary.LittleEndian.AppendUint32(w.index, uint32(off))
		w.index = binary.LittleEndian.AppendUint32(w.index, uint32(len(key)))
		w.index = binary.LittleEndian.AppendUint32(w.index, uint32(u.EncodedLen()))
	default:
		return fmt.Errorf("block format %s: %w", w.opts.Format, errs.ErrInvalidArgument)
	}

	if w.count == 0 {
		w.first = append([]byte(nil), key...)
	}
	w.last = append(w.last[:0], key...)
	w.count++
	return nil
}

// Len returns the number of entries added.
func (w *Writer) Len() int { return w.count }

// Size estimates the uncompressed size of the finished block.
func (w *Writer) Size() int {
	return frameHeaderSize + len(w.data) + len(w.index) + countSize
}

// First returns the first key added.
func (w *Writer) First() []byte { return w.first }

// Last returns the last key added.
func (w *Writer) Last() []byte { return w.last }

// EncodedSize returns the framed size the block would have if it were
// finished now. It runs the compressor, so callers should sample it.
func (w *Writer) EncodedSize() (int, error) {
	out, err := w.encode()
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// Finish returns the framed block. The Writer must not be reused.
func (w *Writer) Finish() ([]byte, error) {
	return w.encode()
}

func (w *Writer) encode() ([]byte, error) {
	count, err := conv.Count32(w.count)
	if err != nil {
		return nil, err
	}
	if n := len(w.data) + len(w.index) + countSize; n > MaxRawSize {
		return nil, fmt.Errorf("block of %d bytes exceeds %d: %w", n, MaxRawSize, errs.ErrCapacity)
	}
	raw := make([]byte, 0, len(w.data)+len(w.index)+countSize)
	raw = append(raw, w.data...)
	raw = append(raw, w.index...)
	raw = binary.LittleEndian.AppendUint32(raw, count)

	payload, c, err := compress(raw, w.opts.Compression)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, frameHeaderSize+len(payload))
	out = append(out, byte(w.opts.Format), byte(c))
	return append(out, payload...), nil
}

// Entry is one decoded (key, update) pair.
type Entry struct {
	Key    []byte
	Update record.Update
}

// Encode builds a block from entries in one call.
func Encode(opts Options, entries []Entry) ([]byte, error) {
	w := NewWriter(opts)
	for _, e := range entries {
		if err := w.Add(e.Key, e.Update); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}
