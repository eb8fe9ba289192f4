package backup

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/conv"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/hash"
	"github.com/hupe1980/genkv/internal/keys"
)

const (
	binaryMagic   = 0x474B5642 // "GKVB"
	binaryVersion = 1
	headerSize    = 16
)

// Segment describes one archived segment.
type Segment struct {
	Generation int
	Uniq       uint64
	Start, End []byte
	Entries    uint32
	Format     block.Format
	Length     uint64
	// Checksum is the CRC32C of the block.
	Checksum uint32
}

// SegmentFromDescriptor describes d, whose block is data.
func SegmentFromDescriptor(d catalog.Descriptor, data []byte) Segment {
	return Segment{
		Generation: d.Generation,
		Uniq:       d.Uniq,
		Start:      d.Start.Encode(),
		End:        d.End.Encode(),
		Entries:    d.Entries,
		Format:     d.Format,
		Length:     d.Length,
		Checksum:   hash.CRC32C(data),
	}
}

// Descriptor rebuilds the catalog descriptor of s. The location carries no
// address; the caller stores the block first.
func (s Segment) Descriptor() (catalog.Descriptor, error) {
	start, err := keys.Decode(s.Start)
	if err != nil {
		return catalog.Descriptor{}, fmt.Errorf("segment %d start key: %w", s.Uniq, err)
	}
	end, err := keys.Decode(s.End)
	if err != nil {
		return catalog.Descriptor{}, fmt.Errorf("segment %d end key: %w", s.Uniq, err)
	}
	return catalog.NewDescriptor(s.Generation, start, end, s.Uniq, catalog.Location{
		Length:  s.Length,
		Entries: s.Entries,
		Format:  s.Format,
	}), nil
}

// Verify checks data against the recorded length and checksum.
func (s Segment) Verify(data []byte) error {
	if uint64(len(data)) != s.Length {
		return fmt.Errorf("segment %d: %d bytes, manifest says %d: %w", s.Uniq, len(data), s.Length, errs.ErrCorrupt)
	}
	if sum := hash.CRC32C(data); sum != s.Checksum {
		return fmt.Errorf("segment %d: checksum %08x, manifest says %08x: %w", s.Uniq, sum, s.Checksum, errs.ErrCorrupt)
	}
	return nil
}

// BlobName returns the blob holding the segment.
func (s Segment) BlobName() string {
	return SegmentBlobName(s.Uniq)
}

// SegmentBlobName returns the blob name of segment uniq.
func SegmentBlobName(uniq uint64) string {
	return fmt.Sprintf("%s%016x.blk", segmentPrefix, uniq)
}

// Manifest describes one backup.
type Manifest struct {
	ID        string
	Parent    string
	Seq       uint64
	CreatedAt time.Time
	Segments  []Segment
	// Archived holds the ids of every segment blob in the store.
	Archived *roaring64.Bitmap
}

// Next returns an empty manifest following m. m may be nil.
func Next(m *Manifest) *Manifest {
	next := &Manifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Archived:  roaring64.New(),
	}
	if m != nil {
		next.Parent = m.ID
		next.Seq = m.Seq + 1
		next.Archived = m.Archived.Clone()
	}
	return next
}

// Bytes returns the number of block bytes the manifest references.
func (m *Manifest) Bytes() uint64 {
	var n uint64
	for _, s := range m.Segments {
		n += s.Length
	}
	return n
}

// MarshalBinary encodes the manifest.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	archived, err := m.Archived.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("encode archived set: %w", err)
	}
	count, err := conv.Count32(len(m.Segments))
	if err != nil {
		return nil, fmt.Errorf("manifest segments: %w", err)
	}

	pb := newPayloadBuffer(make([]byte, headerSize, headerSize+128+len(m.Segments)*96+len(archived)))
	pb.writeString(m.ID)
	pb.writeString(m.Parent)
	pb.writeUint64(m.Seq)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeUint32(count)
	for _, s := range m.Segments {
		pb.writeUint32(uint32(s.Generation))
		pb.writeUint64(s.Uniq)
		pb.writeBytes(s.Start)
		pb.writeBytes(s.End)
		pb.writeUint32(s.Entries)
		pb.writeUint8(uint8(s.Format))
		pb.writeUint64(s.Length)
		pb.writeUint32(s.Checksum)
	}
	pb.writeBytes(archived)

	out := pb.buf
	payload := out[headerSize:]
	binary.LittleEndian.PutUint32(out[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(out[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(out[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
	return out, nil
}

// UnmarshalBinary decodes a manifest. Every failure wraps errs.ErrCorrupt.
func (m *Manifest) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("manifest: %d bytes: %w", len(data), errs.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != binaryMagic {
		return fmt.Errorf("manifest: invalid magic %x: %w", magic, errs.ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != binaryVersion {
		return fmt.Errorf("manifest: unsupported version %d: %w", v, errs.ErrCorrupt)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	payload := data[headerSize:]
	if uint64(len(payload)) != uint64(length) {
		return fmt.Errorf("manifest: payload %d bytes, header says %d: %w", len(payload), length, errs.ErrCorrupt)
	}
	if hash.CRC32C(payload) != checksum {
		return fmt.Errorf("manifest: checksum mismatch: %w", errs.ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	out := Manifest{
		ID:     pb.readString(),
		Parent: pb.readString(),
		Seq:    pb.readUint64(),
	}
	out.CreatedAt = time.Unix(0, int64(pb.readUint64()))

	n := pb.readUint32()
	// Every segment takes at least 37 bytes.
	if int(n) > pb.remaining()/37 {
		return fmt.Errorf("manifest: %d segments in %d bytes: %w", n, pb.remaining(), errs.ErrCorrupt)
	}
	out.Segments = make([]Segment, n)
	for i := range out.Segments {
		s := &out.Segments[i]
		s.Generation = int(pb.readUint32())
		s.Uniq = pb.readUint64()
		s.Start = pb.readBytes()
		s.End = pb.readBytes()
		s.Entries = pb.readUint32()
		s.Format = block.Format(pb.readUint8())
		s.Length = pb.readUint64()
		s.Checksum = pb.readUint32()
	}
	archived := pb.readBytes()
	if pb.err != nil {
		return fmt.Errorf("manifest: %w: %w", pb.err, errs.ErrCorrupt)
	}
	if pb.remaining() != 0 {
		return fmt.Errorf("manifest: %d trailing bytes: %w", pb.remaining(), errs.ErrCorrupt)
	}

	out.Archived = roaring64.New()
	if err := out.Archived.UnmarshalBinary(archived); err != nil {
		return fmt.Errorf("manifest: archived set: %v: %w", err, errs.ErrCorrupt)
	}
	*m = out
	return nil
}
