package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/record"
)

// Writer is the engine's logged write path.
type Writer interface {
	// Write logs batch as one command and applies it, which calls back into
	// Store.Apply before Write returns. It returns the command's sequence
	// number.
	Write(batch []block.Entry) (uint64, error)
	// Sync blocks until the command with sequence seq is durable.
	Sync(seq uint64) error
}

// Observer follows catalog changes.
type Observer interface {
	// OnPublish is called after every applied change.
	OnPublish(added, retired []Descriptor)
	// OnReset is called after Rebuild with the complete catalog.
	OnReset(all []Descriptor)
}

// Mutation is one atomic catalog change.
type Mutation struct {
	Added   []Descriptor
	Retired []Descriptor
	Vars    map[string]uint64
}

// Empty reports whether m changes nothing.
func (m Mutation) Empty() bool {
	return len(m.Added) == 0 && len(m.Retired) == 0 && len(m.Vars) == 0
}

// PlanFunc computes a mutation from the current view. It runs under the
// catalog mutation lock, so the view stays current until the mutation is
// written.
type PlanFunc func(v *View) (Mutation, error)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnUnreferenced registers the callback receiving regions that are no
// longer referenced by a live descriptor or an open view, and whose
// retirement is durable.
func WithOnUnreferenced(fn func(addr uint64)) Option {
	return func(s *Store) { s.onUnreferenced = fn }
}

// Store is the catalog accessor.
type Store struct {
	w              Writer
	logger         *slog.Logger
	onUnreferenced func(addr uint64)

	pubMu sync.Mutex // serializes Publish

	mu        sync.Mutex
	live      map[string]Descriptor // by encoded descriptor key
	refs      map[uint64]int        // live descriptors per region
	viewRefs  map[uint64]int        // open views per region
	retired   map[uint64]bool       // unreferenced regions; true once durable
	vars      map[string]uint64
	current   *View
	version   uint64
	observers []Observer
	closed    bool

	nextUniq atomic.Uint64
}

var rootPrefixEncoded = RootPrefix.Encode()

// New creates an empty catalog that mutates through w.
func New(w Writer, opts ...Option) *Store {
	s := &Store{
		w:        w,
		logger:   slog.New(slog.DiscardHandler),
		live:     make(map[string]Descriptor),
		refs:     make(map[uint64]int),
		viewRefs: make(map[uint64]int),
		retired:  make(map[uint64]bool),
		vars:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nextUniq.Store(1)
	s.current = buildView(s, 0, nil)
	s.current.refs = 1
	return s
}

// IsCatalogKey reports whether the encoded key belongs to the .ROOT subtree.
func IsCatalogKey(encoded []byte) bool {
	return bytes.HasPrefix(encoded, rootPrefixEncoded)
}

// Observe registers an observer. It immediately receives OnReset with the
// current catalog.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	all := s.current.All()
	s.mu.Unlock()
	o.OnReset(all)
}

// Apply folds a logged batch into the catalog. Entries outside .ROOT are
// ignored. It is called for appended and replayed commands alike.
func (s *Store) Apply(batch []block.Entry) error {
	var (
		added, retired []Descriptor
		changed        bool
		firstErr       error
	)

	s.mu.Lock()
	touched := make(map[uint64]struct{})
	for _, e := range batch {
		if !IsCatalogKey(e.Key) {
			continue
		}
		k, err := keys.Decode(e.Key)
		if err != nil {
			firstErr = errors.Join(firstErr, err)
			continue
		}
		switch {
		case IsDescriptorKey(k):
			d, ok, err := s.applyDescriptorLocked(k, e.Key, e.Update)
			if err != nil {
				firstErr = errors.Join(firstErr, err)
				continue
			}
			if !ok {
				continue
			}
			changed = true
			touched[d.Addr] = struct{}{}
			if e.Update.IsTombstone() {
				retired = append(retired, d)
			} else {
				added = append(added, d)
			}
		case IsVarKey(k):
			if err := s.applyVarLocked(k, e.Update); err != nil {
				firstErr = errors.Join(firstErr, err)
			}
		}
	}

	for addr := range touched {
		if s.refs[addr] > 0 {
			delete(s.retired, addr)
			continue
		}
		delete(s.refs, addr)
		if _, ok := s.retired[addr]; !ok {
			s.retired[addr] = false
		}
	}

	var frees []uint64
	if changed {
		frees = s.rebuildLocked()
	}
	observers := s.observers
	s.mu.Unlock()

	s.free(frees)
	if changed {
		for _, o := range observers {
			o.OnPublish(added, retired)
		}
	}
	return firstErr
}

func (s *Store) applyDescriptorLocked(k keys.Key, id []byte, u record.Update) (Descriptor, bool, error) {
	if u.IsTombstone() {
		old, ok := s.live[string(id)]
		if !ok {
			return Descriptor{}, false, nil
		}
		delete(s.live, string(id))
		s.refs[old.Addr]--
		return old, true, nil
	}
	if u.Kind != record.UpdateFull {
		return Descriptor{}, false, fmt.Errorf("descriptor %s: %s update: %w", k, u.Kind, errs.ErrCorrupt)
	}
	d, err := ParseDescriptor(k, u.Value)
	if err != nil {
		return Descriptor{}, false, err
	}
	if old, ok := s.live[string(id)]; ok {
		s.refs[old.Addr]--
	}
	s.live[string(id)] = d
	s.refs[d.Addr]++
	s.bumpUniq(d.Uniq + 1)
	return d, true, nil
}

func (s *Store) applyVarLocked(k keys.Key, u record.Update) error {
	if u.IsTombstone() {
		n := VarsPrefix.Len()
		if k.Len() == n+1 {
			delete(s.vars, k.Part(n).Str())
		}
		return nil
	}
	name, v, err := ParseVar(k, u.Value)
	if err != nil {
		return err
	}
	s.vars[name] = v
	if name == VarNextUniq {
		s.bumpUniq(v)
	}
	return nil
}

func (s *Store) bumpUniq(next uint64) {
	for {
		cur := s.nextUniq.Load()
		if next <= cur || s.nextUniq.CompareAndSwap(cur, next) {
			return
		}
	}
}

// rebuildLocked installs a new current view and returns regions that became
// free.
func (s *Store) rebuildLocked() []uint64 {
	s.version++
	v := buildView(s, s.version, s.live)
	v.refs = 1
	for _, addr := range v.addrs {
		s.viewRefs[addr]++
	}
	if v.err != nil {
		s.logger.Error("catalog invariant violated", "error", v.err, "version", v.version)
	}

	old := s.current
	s.current = v
	return s.releaseLocked(old)
}

func (s *Store) releaseLocked(v *View) []uint64 {
	v.refs--
	if v.refs > 0 {
		return nil
	}
	for _, addr := range v.addrs {
		if s.viewRefs[addr]--; s.viewRefs[addr] <= 0 {
			delete(s.viewRefs, addr)
		}
	}
	return s.collectLocked()
}

func (s *Store) collectLocked() []uint64 {
	if s.closed {
		return nil
	}
	var frees []uint64
	for addr, durable := range s.retired {
		if durable && s.refs[addr] == 0 && s.viewRefs[addr] == 0 {
			delete(s.retired, addr)
			frees = append(frees, addr)
		}
	}
	return frees
}

func (s *Store) free(addrs []uint64) {
	if s.onUnreferenced == nil {
		return
	}
	for _, addr := range addrs {
		s.onUnreferenced(addr)
	}
}

func (s *Store) release(v *View) {
	s.mu.Lock()
	frees := s.releaseLocked(v)
	s.mu.Unlock()
	s.free(frees)
}

// Acquire returns the current view. The caller must Release it.
func (s *Store) Acquire() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.refs++
	return s.current
}

// Var returns a variable.
func (s *Store) Var(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// ReserveUniq makes NextUniq return ids of at least next.
func (s *Store) ReserveUniq(next uint64) {
	s.bumpUniq(next)
}

// NextUniq allocates a segment id. Ids are never reused within a store and
// continue above every id seen in the catalog.
func (s *Store) NextUniq() uint64 {
	return s.nextUniq.Add(1) - 1
}

// Rebuild replaces the catalog with the resolved .ROOT records. Regions
// dropped by the rebuild are not reported; the engine sweeps them.
func (s *Store) Rebuild(records []block.Entry) error {
	s.mu.Lock()
	s.live = make(map[string]Descriptor)
	s.refs = make(map[uint64]int)
	s.retired = make(map[uint64]bool)
	s.vars = make(map[string]uint64)
	s.mu.Unlock()

	err := s.Apply(records)

	s.mu.Lock()
	s.retired = make(map[uint64]bool)
	s.rebuildLocked()
	all := s.current.All()
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		o.OnReset(all)
	}
	return err
}

// MarkDurable marks every pending retirement as durable. The engine calls
// it after replay, when the retirements already come from the log.
func (s *Store) MarkDurable() {
	s.mu.Lock()
	for addr := range s.retired {
		s.retired[addr] = true
	}
	frees := s.collectLocked()
	s.mu.Unlock()
	s.free(frees)
}

func (s *Store) markDurable(ds []Descriptor) {
	s.mu.Lock()
	for _, d := range ds {
		if _, ok := s.retired[d.Addr]; ok {
			s.retired[d.Addr] = true
		}
	}
	frees := s.collectLocked()
	s.mu.Unlock()
	s.free(frees)
}

// Referenced reports whether a live descriptor or an open view uses addr.
func (s *Store) Referenced(addr uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[addr] > 0 || s.viewRefs[addr] > 0
}

// Publish applies a planned mutation through the logged write path and
// waits until it is durable.
//
// Retired descriptors must be live. A mutation that would leave two
// overlapping segments in one generation is rejected with ErrCorrupt and
// nothing is written.
func (s *Store) Publish(ctx context.Context, plan PlanFunc) (Mutation, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}

	v := s.Acquire()
	defer v.Release()

	m, err := plan(v)
	if err != nil || m.Empty() {
		return m, err
	}

	next := make(map[string]Descriptor, v.Len()+len(m.Added))
	for _, d := range v.All() {
		next[string(d.Key().Encode())] = d
	}
	retired := make([]Descriptor, 0, len(m.Retired))
	for _, d := range m.Retired {
		id := string(d.Key().Encode())
		old, ok := next[id]
		if !ok {
			return m, fmt.Errorf("retire %s: %w", d, errs.ErrNotFound)
		}
		retired = append(retired, old)
		delete(next, id)
	}
	for _, d := range m.Added {
		next[string(d.Key().Encode())] = d
	}
	check := buildView(nil, 0, next)
	if check.err != nil {
		return m, fmt.Errorf("publish rejected: %w", check.err)
	}

	batch := make([]block.Entry, 0, len(m.Retired)+len(m.Added)+len(m.Vars)+2)
	for _, d := range retired {
		batch = append(batch, block.Entry{Key: d.Key().Encode(), Update: record.Tombstone()})
	}
	for _, d := range m.Added {
		batch = append(batch, block.Entry{Key: d.Key().Encode(), Update: record.Full(d.Value())})
	}
	nextUniq := s.nextUniq.Load()
	for _, d := range m.Added {
		nextUniq = max(nextUniq, d.Uniq+1)
	}
	vars := map[string]uint64{
		VarNextUniq:       nextUniq,
		VarNumGenerations: uint64(check.Generations()),
	}
	for name, val := range m.Vars {
		vars[name] = val
	}
	for name, val := range vars {
		batch = append(batch, block.Entry{Key: VarKey(name).Encode(), Update: record.Full(EncodeVar(val))})
	}

	seq, err := s.w.Write(batch)
	if err != nil {
		return m, fmt.Errorf("write catalog mutation: %w", err)
	}
	if err := s.w.Sync(seq); err != nil {
		return m, fmt.Errorf("sync catalog mutation: %w", err)
	}
	s.markDurable(retired)
	return m, nil
}

// Close releases the store's view. Regions are no longer reported after
// Close.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.releaseLocked(s.current)
}
