package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"sort"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/record"
)

// Decoder reads one decoded block.
//
// FindNext returns the first entry whose key is greater than key (or equal
// when equalOK). FindPrev returns the last entry whose key is less than key
// (or equal when equalOK). Both return errs.ErrNotFound at the end of the
// block. ScanForward and ScanBackward call fn from the FindNext/FindPrev
// position until fn returns false; a nil key starts at the respective end.
//
// Decoders that cannot search return errs.ErrUnsupported from the Find and
// Scan methods; SortedWalk and At are always available.
type Decoder interface {
	Format() Format
	Len() int
	At(i int) (Entry, error)
	SortedWalk() *Iterator
	FindNext(key []byte, equalOK bool) (Entry, error)
	FindPrev(key []byte, equalOK bool) (Entry, error)
	ScanForward(key []byte, fn func(Entry) bool) error
	ScanBackward(key []byte, fn func(Entry) bool) error
}

// Open decodes a framed block. The returned Decoder aliases data.
func Open(data []byte) (Decoder, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty block: %w", errs.ErrCorrupt)
	}
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("block of %d bytes has no frame: %w", len(data), errs.ErrCorrupt)
	}

	format := Format(data[0])
	raw, err := decompress(data[frameHeaderSize:], Compression(data[1]))
	if err != nil {
		return nil, err
	}
	if len(raw) < countSize {
		return nil, fmt.Errorf("block payload of %d bytes has no count: %w", len(raw), errs.ErrCorrupt)
	}

	switch format {
	case FormatBasic:
		return openBasic(raw)
	case FormatOffsetList:
		return openOffsetList(raw)
	default:
		return nil, fmt.Errorf("unknown block format %d: %w", uint8(format), errs.ErrCorrupt)
	}
}

// Iterator walks a block in stored order. Each Iterator has its own position.
type Iterator struct {
	d   Decoder
	i   int
	cur Entry
	err error
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.err != nil || it.i >= it.d.Len() {
		return false
	}
	it.cur, it.err = it.d.At(it.i)
	if it.err != nil {
		return false
	}
	it.i++
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry { return it.cur }

// Err returns the first decode error.
func (it *Iterator) Err() error { return it.err }

// All returns the entries of d in stored order. Iteration stops at the first
// error, which is yielded.
func All(d Decoder) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		it := d.SortedWalk()
		for it.Next() {
			if !yield(it.Entry(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Entry{}, err)
		}
	}
}

func readCount(raw []byte) (int, []byte) {
	n := len(raw) - countSize
	return int(binary.LittleEndian.Uint32(raw[n:])), raw[:n]
}

// offsetList decodes FormatOffsetList payloads.
type offsetList struct {
	data  []byte
	index []byte
	count int
}

func openOffsetList(raw []byte) (*offsetList, error) {
	count, rest := readCount(raw)
	if count < 0 || count*indexEntrySize > len(rest) {
		return nil, fmt.Errorf("offset-list count %d exceeds block: %w", count, errs.ErrCorrupt)
	}
	split := len(rest) - count*indexEntrySize
	return &offsetList{data: rest[:split], index: rest[split:], count: count}, nil
}

func (d *offsetList) Format() Format { return FormatOffsetList }
func (d *offsetList) Len() int       { return d.count }

func (d *offsetList) At(i int) (Entry, error) {
	if i < 0 || i >= d.count {
		return Entry{}, fmt.Errorf("entry %d of %d: %w", i, d.count, errs.ErrNotFound)
	}
	ix := d.index[i*indexEntrySize:]
	off := uint64(binary.LittleEndian.Uint32(ix))
	klen := uint64(binary.LittleEndian.Uint32(ix[4:]))
	dlen := uint64(binary.LittleEndian.Uint32(ix[8:]))
	if off+klen+dlen > uint64(len(d.data)) {
		return Entry{}, fmt.Errorf("entry %d spans past block: %w", i, errs.ErrCorrupt)
	}

	u, err := record.DecodeUpdate(d.data[off+klen : off+klen+dlen])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: d.data[off : off+klen : off+klen], Update: u}, nil
}

func (d *offsetList) SortedWalk() *Iterator { return &Iterator{d: d} }

func (d *offsetList) FindNext([]byte, bool) (Entry, error) {
	return Entry{}, fmt.Errorf("offset-list FindNext: %w", errs.ErrUnsupported)
}

func (d *offsetList) FindPrev([]byte, bool) (Entry, error) {
	return Entry{}, fmt.Errorf("offset-list FindPrev: %w", errs.ErrUnsupported)
}

func (d *offsetList) ScanForward([]byte, func(Entry) bool) error {
	return fmt.Errorf("offset-list ScanForward: %w", errs.ErrUnsupported)
}

func (d *offsetList) ScanBackward([]byte, func(Entry) bool) error {
	return fmt.Errorf("offset-list ScanBackward: %w", errs.ErrUnsupported)
}

// basic decodes FormatBasic payloads. The entry table is built once at open.
type basic struct {
	entries []Entry
}

func openBasic(raw []byte) (*basic, error) {
	count, rest := readCount(raw)
	if count < 0 || count > len(rest) {
		return nil, fmt.Errorf("basic count %d exceeds block: %w", count, errs.ErrCorrupt)
	}

	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		key, n, err := readChunk(rest)
		if err != nil {
			return nil, fmt.Errorf("entry %d key: %w", i, err)
		}
		rest = rest[n:]

		val, n, err := readChunk(rest)
		if err != nil {
			return nil, fmt.Errorf("entry %d data: %w", i, err)
		}
		rest = rest[n:]

		u, err := record.DecodeUpdate(val)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if i > 0 && bytes.Compare(entries[i-1].Key, key) >= 0 {
			return nil, fmt.Errorf("entry %d out of order: %w", i, errs.ErrCorrupt)
		}
		entries = append(entries, Entry{Key: key, Update: u})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d entries: %w", len(rest), count, errs.ErrCorrupt)
	}
	return &basic{entries: entries}, nil
}

func readChunk(b []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return nil, 0, fmt.Errorf("bad length prefix: %w", errs.ErrCorrupt)
	}
	end := n + int(l)
	return b[n:end:end], end, nil
}

func (d *basic) Format() Format { return FormatBasic }
func (d *basic) Len() int       { return len(d.entries) }

func (d *basic) At(i int) (Entry, error) {
	if i < 0 || i >= len(d.entries) {
		return Entry{}, fmt.Errorf("entry %d of %d: %w", i, len(d.entries), errs.ErrNotFound)
	}
	return d.entries[i], nil
}

func (d *basic) SortedWalk() *Iterator { return &Iterator{d: d} }

// next returns the index of the first entry after (or at, with equalOK) key.
func (d *basic) next(key []byte, equalOK bool) int {
	if key == nil {
		return 0
	}
	return sort.Search(len(d.entries), func(i int) bool {
		c := bytes.Compare(d.entries[i].Key, key)
		return c > 0 || (equalOK && c == 0)
	})
}

// prev returns the index of the last entry before (or at, with equalOK) key,
// or -1.
func (d *basic) prev(key []byte, equalOK bool) int {
	if key == nil {
		return len(d.entries) - 1
	}
	i := sort.Search(len(d.entries), func(i int) bool {
		c := bytes.Compare(d.entries[i].Key, key)
		return c > 0 || (!equalOK && c == 0)
	})
	return i - 1
}

func (d *basic) FindNext(key []byte, equalOK bool) (Entry, error) {
	i := d.next(key, equalOK)
	if i >= len(d.entries) {
		return Entry{}, errs.ErrNotFound
	}
	return d.entries[i], nil
}

func (d *basic) FindPrev(key []byte, equalOK bool) (Entry, error) {
	i := d.prev(key, equalOK)
	if i < 0 {
		return Entry{}, errs.ErrNotFound
	}
	return d.entries[i], nil
}

func (d *basic) ScanForward(key []byte, fn func(Entry) bool) error {
	for i := d.next(key, true); i < len(d.entries); i++ {
		if !fn(d.entries[i]) {
			return nil
		}
	}
	return nil
}

func (d *basic) ScanBackward(key []byte, fn func(Entry) bool) error {
	for i := d.prev(key, true); i >= 0; i-- {
		if !fn(d.entries[i]) {
			return nil
		}
	}
	return nil
}
