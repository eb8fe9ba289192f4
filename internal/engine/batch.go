package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/record"
)

// encodeBatch builds the payload of an UPDATE command:
// [uvarint count] then per entry [uvarint key_len][key][uvarint upd_len][update].
func encodeBatch(batch []block.Entry) []byte {
	n := binary.MaxVarintLen64
	for _, e := range batch {
		n += 2*binary.MaxVarintLen64 + len(e.Key) + e.Update.EncodedLen()
	}
	buf := make([]byte, 0, n)
	buf = binary.AppendUvarint(buf, uint64(len(batch)))
	for _, e := range batch {
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.AppendUvarint(buf, uint64(e.Update.EncodedLen()))
		buf = e.Update.AppendEncoded(buf)
	}
	return buf
}

// decodeBatch parses an UPDATE payload. The result does not alias b.
func decodeBatch(b []byte) ([]block.Entry, error) {
	b = bytes.Clone(b)

	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, fmt.Errorf("batch count: %w", errs.ErrCorrupt)
	}
	b = b[n:]
	// Every entry takes at least three bytes.
	if count > uint64(len(b))/3+1 {
		return nil, fmt.Errorf("batch of %d entries in %d bytes: %w", count, len(b), errs.ErrCorrupt)
	}

	out := make([]block.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		key, rest, err := chunk(b)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d key: %w", i, err)
		}
		raw, rest, err := chunk(rest)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d update: %w", i, err)
		}
		u, err := record.DecodeUpdate(raw)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out = append(out, block.Entry{Key: key, Update: u})
		b = rest
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after batch: %w", len(b), errs.ErrCorrupt)
	}
	return out, nil
}

func chunk(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return nil, nil, errs.ErrCorrupt
	}
	end := n + int(l)
	return b[n:end:end], b[end:], nil
}
