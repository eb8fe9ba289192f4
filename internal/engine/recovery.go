package engine

import (
	"fmt"

	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/record"
)

// recover turns the replayed log into a consistent engine. It runs before
// the catalog accepts live updates.
func (e *Engine) recover() error {
	if e.replayErr != nil {
		return e.replayErr
	}

	// Replay starts after the last CHECKPOINT_DROP. A flush that published
	// but crashed before its drop left its frozen state in the replay; the
	// segment it wrote already holds that state.
	if through, ok, err := e.readVar(catalog.VarFlushCheckpoint); err != nil {
		return err
	} else if ok {
		if n := e.rm.DropFrozen(through); n > 0 {
			e.logger.Info("dropped replayed state of a published flush", "checkpoint", through, "segments", n)
		}
	}

	addr, _, err := e.readVar(catalog.VarRootSegment)
	if err != nil {
		return err
	}
	length, _, err := e.readVar(catalog.VarRootLength)
	if err != nil {
		return err
	}
	root, err := e.rm.LoadRoot(addr, length)
	if err != nil {
		return fmt.Errorf("load root segment: %w", err)
	}
	e.rm.InstallRoot(root)

	records, err := e.rm.Subtree(catalog.RootPrefix)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	if err := e.store.Rebuild(records); err != nil {
		return fmt.Errorf("rebuild catalog: %w", err)
	}
	v := e.store.Acquire()
	err = v.Validate()
	v.Release()
	if err != nil {
		return fmt.Errorf("validate catalog: %w", err)
	}
	e.store.MarkDurable()

	e.ready.Store(true)
	e.logSegments.Store(int64(len(e.log.Stats().Segments)))

	return e.sweep()
}

// readVar resolves a catalog variable through the range map.
func (e *Engine) readVar(name string) (uint64, bool, error) {
	k := catalog.VarKey(name)
	d, err := e.rm.GetRecord(k.Encode())
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", name, err)
	}
	if d.State != record.StateFull {
		return 0, false, nil
	}
	_, v, err := catalog.ParseVar(k, d.Value)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// sweep disposes regions that neither the log, the catalog nor the root
// segment references. Interrupted flushes and merges leave them behind.
func (e *Engine) sweep() error {
	addrs, err := e.mgr.List()
	if err != nil {
		return fmt.Errorf("list regions: %w", err)
	}

	keep := make(map[uint64]struct{})
	for _, a := range e.log.Addrs() {
		keep[a] = struct{}{}
	}
	v := e.store.Acquire()
	for _, a := range v.Addrs() {
		keep[a] = struct{}{}
	}
	v.Release()
	if r := e.rm.Root(); r != nil && r.Addr != 0 {
		keep[r.Addr] = struct{}{}
	}

	swept := 0
	for _, a := range addrs {
		if _, ok := keep[a]; ok {
			continue
		}
		if err := e.mgr.Dispose(a); err != nil {
			e.logger.Warn("dispose orphan region failed", "addr", a, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		e.logger.Info("orphan regions swept", "regions", swept)
	}
	return nil
}
