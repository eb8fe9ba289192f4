package rangemap

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/cache"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/record"
)

// ReadOptions select which records a read may return.
type ReadOptions struct {
	// IncludeTombstones returns deleted records instead of skipping them.
	IncludeTombstones bool
	// IncludeReserved returns records of the reserved namespace.
	IncludeReserved bool
}

// Result is one resolved record.
type Result struct {
	Key  []byte
	Data record.Data
}

// Root is a loaded root segment.
type Root struct {
	Addr   uint64
	Length uint64
	dec    block.Decoder
}

// Entries returns the root segment's records in key order.
func (r *Root) Entries() ([]block.Entry, error) {
	if r == nil || r.dec == nil {
		return nil, nil
	}
	out := make([]block.Entry, 0, r.dec.Len())
	for e, err := range block.All(r.dec) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Manager is the range-map manager.
type Manager struct {
	store  *catalog.Store
	loader *Loader

	mu     sync.Mutex
	active *WorkingSegment
	frozen []*WorkingSegment // newest first
	root   *Root
}

// New creates a range map over the catalog.
func New(store *catalog.Store, loader *Loader) *Manager {
	return &Manager{
		store:  store,
		loader: loader,
		active: NewWorkingSegment(),
	}
}

// Loader returns the segment loader.
func (m *Manager) Loader() *Loader { return m.loader }

// Apply folds a logged batch into the active working segment and returns
// its new size. It is called under the log mutex.
func (m *Manager) Apply(batch []block.Entry) int64 {
	m.mu.Lock()
	ws := m.active
	m.mu.Unlock()

	for _, e := range batch {
		ws.Apply(e.Key, e.Update)
	}
	return ws.Size()
}

// Active returns the active working segment.
func (m *Manager) Active() *WorkingSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Frozen returns the number of working segments waiting to be flushed.
func (m *Manager) Frozen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frozen)
}

// Freeze rotates the working segment and returns the frozen one, tagged
// with the checkpoint that froze it. It stays readable until Retire.
func (m *Manager) Freeze(checkpoint uint64) *WorkingSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.active
	ws.checkpoint = checkpoint
	m.frozen = append([]*WorkingSegment{ws}, m.frozen...)
	m.active = NewWorkingSegment()
	return ws
}

// FrozenSegments returns the frozen working segments, newest first.
func (m *Manager) FrozenSegments() []*WorkingSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*WorkingSegment(nil), m.frozen...)
}

// Retire drops flushed working segments and installs the root segment
// written by the same flush. It must be called after the flush published
// its catalog changes.
func (m *Manager) Retire(flushed []*WorkingSegment, root *Root) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = slices.DeleteFunc(m.frozen, func(ws *WorkingSegment) bool {
		return slices.Contains(flushed, ws)
	})
	if root != nil {
		m.root = root
	}
}

// DropFrozen discards frozen segments whose checkpoint is at or before
// through. Resume uses it for replayed state that a flush already made
// durable.
func (m *Manager) DropFrozen(through uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frozen)
	m.frozen = slices.DeleteFunc(m.frozen, func(ws *WorkingSegment) bool {
		return ws.checkpoint <= through
	})
	return n - len(m.frozen)
}

// LoadRoot loads a root segment. A zero address is the empty root.
func (m *Manager) LoadRoot(addr, length uint64) (*Root, error) {
	if addr == 0 {
		return &Root{}, nil
	}
	dec, err := m.loader.Load(cache.KindRoot, addr)
	if err != nil {
		return nil, &SegmentError{Generation: -1, Addr: addr, Err: err}
	}
	return &Root{Addr: addr, Length: length, dec: dec}, nil
}

// InstallRoot replaces the root segment.
func (m *Manager) InstallRoot(r *Root) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = r
}

// Root returns the current root segment.
func (m *Manager) Root() *Root {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// snapshot is the set of sources of one read.
type snapshot struct {
	working []*WorkingSegment // freshest first
	root    *Root
	view    *catalog.View
}

// snapshot captures the sources. The view is acquired under the same lock
// that Retire takes, so a working segment is never missing from a snapshot
// whose view predates its flush.
func (m *Manager) snapshot() *snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := make([]*WorkingSegment, 0, 1+len(m.frozen))
	ws = append(ws, m.active)
	ws = append(ws, m.frozen...)
	return &snapshot{working: ws, root: m.root, view: m.store.Acquire()}
}

func (s *snapshot) release() { s.view.Release() }

// GetRecord resolves key across all sources. The returned data is sealed;
// StateNotProvided means no source knows the key.
func (m *Manager) GetRecord(key []byte) (record.Data, error) {
	s := m.snapshot()
	defer s.release()
	return m.resolve(s, key)
}

func (m *Manager) resolve(s *snapshot, key []byte) (record.Data, error) {
	d, err := m.accumulate(s, key)
	d.Seal()
	return d, err
}

func (m *Manager) accumulate(s *snapshot, key []byte) (record.Data, error) {
	var d record.Data
	for _, ws := range s.working {
		if u, ok := ws.Get(key); ok {
			d.Apply(u)
			if d.Final() {
				return d, nil
			}
		}
	}

	if catalog.IsCatalogKey(key) {
		if s.root != nil && s.root.dec != nil {
			e, ok, err := lookup(s.root.dec, key)
			if err != nil {
				return d, &SegmentError{Generation: -1, Addr: s.root.Addr, Err: err}
			}
			if ok {
				d.Apply(e.Update)
			}
		}
		// Data segments never hold reserved keys.
		return d, nil
	}

	err := walk(s.view, key, key, false, func(desc catalog.Descriptor) (action, error) {
		dec, err := m.loader.Segment(desc)
		if err != nil {
			return stopWalk, err
		}
		e, ok, err := lookup(dec, key)
		if err != nil {
			return stopWalk, &SegmentError{Generation: desc.Generation, Uniq: desc.Uniq, Addr: desc.Addr, Err: err}
		}
		if ok {
			d.Apply(e.Update)
			if d.Final() {
				return stopWalk, nil
			}
		}
		return walkOn, nil
	})
	return d, err
}

// Next returns the first record after key (at key with equalOK). A nil key
// starts at the first record. It returns errs.ErrNotFound past the end.
func (m *Manager) Next(key []byte, equalOK bool, opts ReadOptions) (Result, error) {
	s := m.snapshot()
	defer s.release()
	return m.stepOrEnd(s, key, equalOK, true, opts)
}

// Prev returns the last record before key (at key with equalOK). A nil key
// starts at the last record. It returns errs.ErrNotFound past the start.
func (m *Manager) Prev(key []byte, equalOK bool, opts ReadOptions) (Result, error) {
	s := m.snapshot()
	defer s.release()
	return m.stepOrEnd(s, key, equalOK, false, opts)
}

func (m *Manager) stepOrEnd(s *snapshot, key []byte, equalOK, forward bool, opts ReadOptions) (Result, error) {
	r, ok, err := m.step(s, key, equalOK, forward, opts)
	if err == nil && !ok {
		return Result{}, errs.ErrNotFound
	}
	return r, err
}

// step returns ok=false past the last record in the scan direction.
func (m *Manager) step(s *snapshot, key []byte, equalOK, forward bool, opts ReadOptions) (Result, bool, error) {
	for {
		cand, ok, err := m.candidate(s, key, equalOK, forward, opts)
		if err != nil || !ok {
			return Result{}, false, err
		}

		if !opts.IncludeReserved && keys.IsReservedEncoded(cand) {
			if forward {
				key, equalOK = keys.ReservedHi, true
			} else {
				key, equalOK = keys.ReservedLo, false
			}
			continue
		}

		d, err := m.resolve(s, cand)
		if err != nil {
			return Result{}, false, err
		}
		key, equalOK = cand, false

		switch d.State {
		case record.StateFull:
			return Result{Key: cand, Data: d}, true, nil
		case record.StateDeleted:
			if opts.IncludeTombstones {
				return Result{Key: cand, Data: d}, true, nil
			}
		}
	}
}

// candidate returns the nearest key in any source, regardless of its state.
func (m *Manager) candidate(s *snapshot, key []byte, equalOK, forward bool, opts ReadOptions) ([]byte, bool, error) {
	var best []byte
	better := func(k []byte) bool {
		if best == nil {
			return true
		}
		c := bytes.Compare(k, best)
		return (forward && c < 0) || (!forward && c > 0)
	}

	for _, ws := range s.working {
		if e, ok := findEntry(ws.Entries(), key, equalOK, forward); ok && better(e.Key) {
			best = e.Key
		}
	}

	if opts.IncludeReserved && s.root != nil && s.root.dec != nil {
		e, ok, err := find(s.root.dec, key, equalOK, forward)
		if err != nil {
			return nil, false, &SegmentError{Generation: -1, Addr: s.root.Addr, Err: err}
		}
		if ok && better(e.Key) {
			best = e.Key
		}
	}

	lo, hi := key, []byte(nil)
	if !forward {
		lo, hi = nil, key
	}
	err := walk(s.view, lo, hi, !forward, func(desc catalog.Descriptor) (action, error) {
		// Rows are visited in scan order; once a row starts beyond the best
		// candidate, so do the remaining rows of its generation.
		if best != nil {
			if forward && bytes.Compare(desc.Lo(), best) > 0 {
				return skipGen, nil
			}
			if !forward && bytes.Compare(desc.Hi(), best) < 0 {
				return skipGen, nil
			}
		}
		dec, err := m.loader.Segment(desc)
		if err != nil {
			return stopWalk, err
		}
		e, ok, err := find(dec, key, equalOK, forward)
		if err != nil {
			return stopWalk, &SegmentError{Generation: desc.Generation, Uniq: desc.Uniq, Addr: desc.Addr, Err: err}
		}
		if !ok {
			return walkOn, nil
		}
		if better(e.Key) {
			best = e.Key
		}
		return skipGen, nil
	})
	if err != nil {
		return nil, false, err
	}
	return best, best != nil, nil
}

// ScanForward calls fn for every record at or after start in key order
// until fn returns false. The scan reads one consistent snapshot of the
// segment set.
func (m *Manager) ScanForward(start []byte, opts ReadOptions, fn func(Result) bool) error {
	return m.scan(start, true, opts, fn)
}

// ScanBackward calls fn for every record at or before start in reverse key
// order until fn returns false. A nil start begins at the last record.
func (m *Manager) ScanBackward(start []byte, opts ReadOptions, fn func(Result) bool) error {
	return m.scan(start, false, opts, fn)
}

func (m *Manager) scan(start []byte, forward bool, opts ReadOptions, fn func(Result) bool) error {
	s := m.snapshot()
	defer s.release()

	key, equalOK := start, true
	for {
		r, ok, err := m.step(s, key, equalOK, forward, opts)
		if err != nil || !ok {
			return err
		}
		if !fn(r) {
			return nil
		}
		key, equalOK = r.Key, false
	}
}

// Subtree returns the resolved records under prefix, including tombstones.
func (m *Manager) Subtree(prefix keys.Key) ([]block.Entry, error) {
	p := prefix.Encode()
	var out []block.Entry
	err := m.ScanForward(p, ReadOptions{IncludeTombstones: true, IncludeReserved: true}, func(r Result) bool {
		if !bytes.HasPrefix(r.Key, p) {
			return false
		}
		out = append(out, block.Entry{Key: r.Key, Update: r.Data.Update()})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}
