package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/genkv/blobstore"
)

const (
	segmentPrefix  = "segments/"
	manifestPrefix = "manifests/"
)

// ErrNoBackup is returned when the store holds no committed backup.
var ErrNoBackup = errors.New("no backup")

// Store reads and commits manifests.
type Store struct {
	blobs blobstore.Store
}

// NewStore returns a Store over blobs.
func NewStore(blobs blobstore.Store) *Store {
	return &Store{blobs: blobs}
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() blobstore.Store { return s.blobs }

func manifestName(m *Manifest) string {
	return fmt.Sprintf("%s%020d-%s", manifestPrefix, m.Seq, m.ID)
}

// Latest loads the manifest CURRENT names.
func (s *Store) Latest(ctx context.Context) (*Manifest, error) {
	name, err := blobstore.ReadAll(ctx, s.blobs, blobstore.CurrentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNoBackup
		}
		return nil, fmt.Errorf("read %s: %w", blobstore.CurrentName, err)
	}
	return s.load(ctx, string(name))
}

// Load loads the manifest with the given id.
func (s *Store) Load(ctx context.Context, id string) (*Manifest, error) {
	names, err := s.blobs.List(ctx, manifestPrefix)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.HasSuffix(name, "-"+id) {
			return s.load(ctx, name)
		}
	}
	return nil, fmt.Errorf("backup %s: %w", id, ErrNoBackup)
}

func (s *Store) load(ctx context.Context, name string) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, s.blobs, name)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	m := &Manifest{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// List returns every readable manifest, oldest first. Unreadable manifests
// are skipped.
func (s *Store) List(ctx context.Context) ([]*Manifest, error) {
	names, err := s.blobs.List(ctx, manifestPrefix)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, name := range names {
		m, err := s.load(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PutSegment uploads the block of a segment.
func (s *Store) PutSegment(ctx context.Context, uniq uint64, data []byte) error {
	return s.blobs.Put(ctx, SegmentBlobName(uniq), data)
}

// ReadSegment downloads and verifies the block of seg.
func (s *Store) ReadSegment(ctx context.Context, seg Segment) ([]byte, error) {
	data, err := blobstore.ReadAll(ctx, s.blobs, seg.BlobName())
	if err != nil {
		return nil, fmt.Errorf("read segment %d: %w", seg.Uniq, err)
	}
	if err := seg.Verify(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Commit writes m and then points CURRENT at it. A backup is visible only
// after CURRENT moved.
func (s *Store) Commit(ctx context.Context, m *Manifest) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	name := manifestName(m)
	if err := s.blobs.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write manifest %s: %w", name, err)
	}
	if err := s.blobs.Put(ctx, blobstore.CurrentName, []byte(name)); err != nil {
		return fmt.Errorf("commit manifest %s: %w", name, err)
	}
	return nil
}

// Prune deletes all but the newest keep manifests and every segment blob
// none of the kept manifests references. It returns the number of deleted
// blobs.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	names, err := s.blobs.List(ctx, manifestPrefix)
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}

	kept := names[len(names)-keep:]
	live := make(map[string]struct{})
	for _, name := range kept {
		m, err := s.load(ctx, name)
		if err != nil {
			return 0, err
		}
		for _, seg := range m.Segments {
			live[seg.BlobName()] = struct{}{}
		}
	}

	deleted := 0
	for _, name := range names[:len(names)-keep] {
		if err := s.blobs.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted++
	}
	segs, err := s.blobs.List(ctx, segmentPrefix)
	if err != nil {
		return deleted, err
	}
	for _, name := range segs {
		if _, ok := live[name]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
