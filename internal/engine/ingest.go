package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/region"
)

// SegmentData is a segment descriptor together with its stored block.
type SegmentData struct {
	Descriptor catalog.Descriptor
	Data       []byte
}

// Snapshot returns the current catalog view. The caller must Release it;
// until then none of its regions is disposed.
func (e *Engine) Snapshot() (*catalog.View, error) {
	if e.closed.Load() {
		return nil, errs.ErrClosed
	}
	return e.store.Acquire(), nil
}

// ReadSegment returns the stored block of d.
func (e *Engine) ReadSegment(d catalog.Descriptor) ([]byte, error) {
	data, err := region.ReadAll(e.mgr, d.Addr)
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", d, err)
	}
	if uint64(len(data)) != d.Length {
		return nil, fmt.Errorf("segment %s: %d bytes, catalog says %d: %w", d, len(data), d.Length, errs.ErrCorrupt)
	}
	return data, nil
}

// Ingest stores segments under fresh addresses and publishes them at their
// generations in one catalog change. Every block is checked against its
// descriptor first. Into an empty catalog the segments keep their ids, so a
// restored database names its segments like the one it was backed up from;
// otherwise they get fresh ids.
func (e *Engine) Ingest(ctx context.Context, segs []SegmentData) (err error) {
	if e.closed.Load() {
		return errs.ErrClosed
	}

	var added []catalog.Descriptor
	defer func() {
		if err == nil {
			return
		}
		for _, d := range added {
			if !e.store.Referenced(d.Addr) {
				_ = e.mgr.Dispose(d.Addr)
			}
		}
	}()

	keepIDs := e.keepIngestIDs(segs)

	for _, s := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := s.Descriptor
		dec, err := block.Open(s.Data)
		if err != nil {
			return fmt.Errorf("segment %s: %w", d, err)
		}
		if dec.Len() != int(d.Entries) {
			return fmt.Errorf("segment %s: %d entries, descriptor says %d: %w", d, dec.Len(), d.Entries, errs.ErrCorrupt)
		}
		addr, err := e.writeRegion(s.Data)
		if err != nil {
			return fmt.Errorf("store segment %s: %w", d, err)
		}
		uniq := d.Uniq
		if !keepIDs {
			uniq = e.store.NextUniq()
		}
		added = append(added, catalog.NewDescriptor(d.Generation, d.Start, d.End, uniq, catalog.Location{
			Addr:    addr,
			Length:  uint64(len(s.Data)),
			Entries: d.Entries,
			Format:  dec.Format(),
		}))
	}
	if len(added) == 0 {
		return nil
	}

	_, err = e.store.Publish(ctx, func(*catalog.View) (catalog.Mutation, error) {
		return catalog.Mutation{Added: added}, nil
	})
	if err != nil {
		return fmt.Errorf("publish ingested segments: %w", err)
	}
	e.logger.Info("segments ingested", "segments", len(added))
	return nil
}

// keepIngestIDs reports whether segs may keep their ids and, if so, moves
// the id allocator past them.
func (e *Engine) keepIngestIDs(segs []SegmentData) bool {
	v := e.store.Acquire()
	empty := v.Len() == 0
	v.Release()
	if !empty {
		return false
	}

	seen := make(map[uint64]struct{}, len(segs))
	var top uint64
	for _, s := range segs {
		u := s.Descriptor.Uniq
		if _, dup := seen[u]; dup || u == 0 {
			return false
		}
		seen[u] = struct{}{}
		top = max(top, u)
	}
	e.store.ReserveUniq(top + 1)
	return true
}
