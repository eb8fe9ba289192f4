package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/conv"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
)

// Flush checkpoints the working segment: its user records become a
// generation-0 segment, its .ROOT records a new root segment, and the log
// space they occupied is released.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return errs.ErrClosed
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) (err error) {
	if e.rm.Active().Len() == 0 && e.rm.Frozen() == 0 {
		return nil
	}

	start := time.Now()
	entries := 0
	defer func() {
		e.metrics.OnFlush(time.Since(start), entries, err)
	}()

	seq, err := e.log.CheckpointStart()
	if err != nil {
		return fmt.Errorf("checkpoint start: %w", err)
	}
	dropped := false
	defer func() {
		if !dropped {
			e.log.CheckpointAbort()
		}
	}()

	// Frozen segments left by failed flushes are flushed together with the
	// new one.
	frozen := e.rm.FrozenSegments()
	combined := rangemap.NewWorkingSegment()
	for i := len(frozen) - 1; i >= 0; i-- {
		for _, en := range frozen[i].Entries() {
			combined.Apply(en.Key, en.Update)
		}
	}
	user, rootRecs := combined.Split()
	entries = len(user)

	var (
		segAddr, rootAddr     uint64
		publishing, published bool
	)
	defer func() {
		if err == nil || published {
			return
		}
		// A publish that failed after logging may still reference the
		// segment. The root segment is left to the resume sweep.
		if segAddr != 0 && !e.store.Referenced(segAddr) {
			_ = e.mgr.Dispose(segAddr)
		}
		if rootAddr != 0 && !publishing {
			_ = e.mgr.Dispose(rootAddr)
		}
	}()

	var seg *catalog.Descriptor
	if len(user) > 0 {
		d, err := e.writeSegment(user)
		if err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
		segAddr = d.Addr
		seg = &d
	}

	oldRoot := e.rm.Root()
	root, err := e.writeRoot(oldRoot, rootRecs)
	if err != nil {
		return fmt.Errorf("write root segment: %w", err)
	}
	rootAddr = root.Addr

	publishing = true
	_, err = e.store.Publish(ctx, func(v *catalog.View) (catalog.Mutation, error) {
		m := catalog.Mutation{Vars: map[string]uint64{
			catalog.VarRootSegment:     root.Addr,
			catalog.VarRootLength:      root.Length,
			catalog.VarFlushCheckpoint: seq,
		}}
		if seg != nil {
			m.Added, m.Retired = cascade(v, *seg)
		}
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("publish flush: %w", err)
	}
	published = true
	e.rm.Retire(frozen, root)

	if e.afterPublish != nil {
		e.afterPublish()
	}

	if err := e.log.CheckpointDrop(seq); err != nil {
		return fmt.Errorf("checkpoint drop: %w", err)
	}
	dropped = true

	if oldRoot != nil && oldRoot.Addr != 0 && oldRoot.Addr != root.Addr {
		e.loader.Forget(oldRoot.Addr)
		if err := e.mgr.Dispose(oldRoot.Addr); err != nil {
			e.logger.Warn("dispose root segment failed", "addr", oldRoot.Addr, "error", err)
		} else {
			e.metrics.OnSegmentFreed(oldRoot.Addr)
		}
	}

	attrs := []any{"checkpoint", seq, "entries", entries, "frozen", len(frozen), "root", root.Addr, "took", time.Since(start)}
	if seg != nil {
		attrs = append(attrs, "uniq", seg.Uniq, "bytes", seg.Length)
	}
	e.logger.Info("flush done", attrs...)
	return nil
}

// cascade places d at generation 0. Every segment it overlaps moves one
// generation down, and so on, so a fresher segment always sits above an
// older one covering the same keys.
func cascade(v *catalog.View, d catalog.Descriptor) (added, retired []catalog.Descriptor) {
	added = []catalog.Descriptor{d}
	moving := []catalog.Descriptor{d}
	for g := 0; len(moving) > 0; g++ {
		var displaced []catalog.Descriptor
		for _, c := range v.At(g) {
			for _, mv := range moving {
				if c.Overlaps(mv) {
					displaced = append(displaced, c)
					break
				}
			}
		}
		for _, c := range displaced {
			retired = append(retired, c)
			added = append(added, c.WithGeneration(g+1))
		}
		moving = displaced
	}
	return added, retired
}

// writeSegment stores sorted user records as a generation-0 segment.
func (e *Engine) writeSegment(entries []block.Entry) (catalog.Descriptor, error) {
	first, err := keys.Decode(entries[0].Key)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	last, err := keys.Decode(entries[len(entries)-1].Key)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	count, err := conv.Count32(len(entries))
	if err != nil {
		return catalog.Descriptor{}, err
	}
	data, err := block.Encode(e.flushCfg.Block, entries)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	addr, err := e.writeRegion(data)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	return catalog.NewDescriptor(0, first, last, e.store.NextUniq(), catalog.Location{
		Addr:    addr,
		Length:  uint64(len(data)),
		Entries: count,
		Format:  e.flushCfg.Block.Format,
	}), nil
}

func (e *Engine) writeRegion(data []byte) (uint64, error) {
	addr, err := e.mgr.Alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := region.WriteAll(e.mgr, addr, data); err != nil {
		_ = e.mgr.Dispose(addr)
		return 0, err
	}
	return addr, nil
}

// writeRoot folds fresh .ROOT records into the previous root segment and
// stores the result. An empty subtree is the root at address 0.
func (e *Engine) writeRoot(old *rangemap.Root, fresh []block.Entry) (*rangemap.Root, error) {
	base, err := old.Entries()
	if err != nil {
		return nil, err
	}
	merged := mergeRoot(base, fresh)
	if len(merged) == 0 {
		return e.rm.LoadRoot(0, 0)
	}

	opts := block.Options{Format: block.FormatBasic, Compression: e.flushCfg.Block.Compression}
	data, err := block.Encode(opts, merged)
	if err != nil {
		return nil, err
	}
	addr, err := e.writeRegion(data)
	if err != nil {
		return nil, err
	}
	root, err := e.rm.LoadRoot(addr, uint64(len(data)))
	if err != nil {
		_ = e.mgr.Dispose(addr)
		return nil, err
	}
	return root, nil
}

// mergeRoot applies fresh on top of base. Both are sorted by key. Deleted
// records are dropped: nothing below the root segment holds .ROOT keys.
func mergeRoot(base, fresh []block.Entry) []block.Entry {
	out := make([]block.Entry, 0, len(base)+len(fresh))
	emit := func(key []byte, u record.Update) {
		switch u.Kind {
		case record.UpdateDelete:
			return
		case record.UpdatePartial:
			u = record.Full(u.Value)
		}
		out = append(out, block.Entry{Key: key, Update: u})
	}

	i, j := 0, 0
	for i < len(base) || j < len(fresh) {
		switch {
		case j == len(fresh):
			emit(base[i].Key, base[i].Update)
			i++
		case i == len(base):
			emit(fresh[j].Key, fresh[j].Update)
			j++
		default:
			switch c := bytes.Compare(base[i].Key, fresh[j].Key); {
			case c < 0:
				emit(base[i].Key, base[i].Update)
				i++
			case c > 0:
				emit(fresh[j].Key, fresh[j].Update)
				j++
			default:
				emit(fresh[j].Key, record.Combine(base[i].Update, fresh[j].Update))
				i++
				j++
			}
		}
	}
	return out
}
