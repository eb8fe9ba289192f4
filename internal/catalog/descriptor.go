package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
)

var (
	// RootPrefix is the reserved subtree holding engine metadata.
	RootPrefix = keys.Path(".ROOT")
	// GenPrefix holds one record per live segment.
	GenPrefix = keys.Path(".ROOT/GEN")
	// VarsPrefix holds scalar variables.
	VarsPrefix = keys.Path(".ROOT/VARS")
)

const locationSize = 8 + 8 + 4 + 1

// Location says where a segment's block is stored.
type Location struct {
	Addr    uint64
	Length  uint64
	Entries uint32
	Format  block.Format
}

// Descriptor identifies one immutable segment.
//
// Start and End are inclusive. Within one generation the ranges of live
// descriptors never overlap.
type Descriptor struct {
	Generation int
	Start      keys.Key
	End        keys.Key
	Uniq       uint64
	Location

	lo, hi []byte
}

// NewDescriptor returns a descriptor for the range [start, end].
func NewDescriptor(gen int, start, end keys.Key, uniq uint64, loc Location) Descriptor {
	return Descriptor{
		Generation: gen,
		Start:      start,
		End:        end,
		Uniq:       uniq,
		Location:   loc,
		lo:         start.Encode(),
		hi:         end.Encode(),
	}
}

// Lo returns the encoded start key.
func (d Descriptor) Lo() []byte {
	if d.lo == nil {
		return d.Start.Encode()
	}
	return d.lo
}

// Hi returns the encoded end key.
func (d Descriptor) Hi() []byte {
	if d.hi == nil {
		return d.End.Encode()
	}
	return d.hi
}

// WithGeneration returns a copy of d relabeled to gen. The region is shared.
func (d Descriptor) WithGeneration(gen int) Descriptor {
	d.Generation = gen
	return d
}

// Contains reports whether the encoded key lies in d's range.
func (d Descriptor) Contains(key []byte) bool {
	return bytes.Compare(d.Lo(), key) <= 0 && bytes.Compare(key, d.Hi()) <= 0
}

// Overlaps reports whether the ranges of d and o intersect.
func (d Descriptor) Overlaps(o Descriptor) bool {
	return d.OverlapsRange(o.Lo(), o.Hi())
}

// OverlapsRange reports whether d intersects the inclusive encoded range
// [lo, hi].
func (d Descriptor) OverlapsRange(lo, hi []byte) bool {
	return bytes.Compare(d.Lo(), hi) <= 0 && bytes.Compare(lo, d.Hi()) <= 0
}

// Key returns the catalog key of d:
// .ROOT/GEN/int(gen)/nested(start)/nested(end)/int(uniq).
func (d Descriptor) Key() keys.Key {
	return GenPrefix.Append(
		keys.Int(int64(d.Generation)),
		keys.Nested(d.Start),
		keys.Nested(d.End),
		keys.Int(int64(d.Uniq)),
	)
}

// Value encodes the location as stored in the catalog record.
func (d Descriptor) Value() []byte {
	buf := make([]byte, 0, locationSize)
	buf = binary.LittleEndian.AppendUint64(buf, d.Addr)
	buf = binary.LittleEndian.AppendUint64(buf, d.Length)
	buf = binary.LittleEndian.AppendUint32(buf, d.Entries)
	return append(buf, byte(d.Format))
}

// Same reports whether d and o name the same catalog record.
func (d Descriptor) Same(o Descriptor) bool {
	return d.Generation == o.Generation && d.Uniq == o.Uniq &&
		bytes.Equal(d.Lo(), o.Lo()) && bytes.Equal(d.Hi(), o.Hi())
}

func (d Descriptor) String() string {
	return fmt.Sprintf("gen=%d [%s, %s] uniq=%d addr=%#x", d.Generation, d.Start, d.End, d.Uniq, d.Addr)
}

// IsDescriptorKey reports whether k lies under .ROOT/GEN.
func IsDescriptorKey(k keys.Key) bool { return k.HasPrefix(GenPrefix) }

// ParseDescriptorKey decodes the identity part of a descriptor key. The
// returned descriptor has no location.
func ParseDescriptorKey(k keys.Key) (Descriptor, error) {
	n := GenPrefix.Len()
	if !k.HasPrefix(GenPrefix) || k.Len() != n+4 {
		return Descriptor{}, fmt.Errorf("descriptor key %s: %w", k, errs.ErrCorrupt)
	}
	gen, start, end, uniq := k.Part(n), k.Part(n+1), k.Part(n+2), k.Part(n+3)
	if gen.Kind() != keys.KindInt || start.Kind() != keys.KindNested ||
		end.Kind() != keys.KindNested || uniq.Kind() != keys.KindInt {
		return Descriptor{}, fmt.Errorf("descriptor key %s has unexpected part kinds: %w", k, errs.ErrCorrupt)
	}
	if gen.Int() < 0 || gen.Int() > math.MaxInt32 || uniq.Int() < 0 {
		return Descriptor{}, fmt.Errorf("descriptor key %s out of range: %w", k, errs.ErrCorrupt)
	}
	d := NewDescriptor(int(gen.Int()), start.Nested(), end.Nested(), uint64(uniq.Int()), Location{})
	if bytes.Compare(d.lo, d.hi) > 0 {
		return Descriptor{}, fmt.Errorf("descriptor %s has start after end: %w", d, errs.ErrCorrupt)
	}
	return d, nil
}

// ParseDescriptor decodes a descriptor record.
func ParseDescriptor(k keys.Key, value []byte) (Descriptor, error) {
	d, err := ParseDescriptorKey(k)
	if err != nil {
		return Descriptor{}, err
	}
	if len(value) != locationSize {
		return Descriptor{}, fmt.Errorf("descriptor %s: value of %d bytes: %w", d, len(value), errs.ErrCorrupt)
	}
	d.Addr = binary.LittleEndian.Uint64(value[0:8])
	d.Length = binary.LittleEndian.Uint64(value[8:16])
	d.Entries = binary.LittleEndian.Uint32(value[16:20])
	d.Format = block.Format(value[20])
	return d, nil
}
