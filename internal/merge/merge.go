package merge

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/conv"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/resource"
)

// Result describes one performed merge.
type Result struct {
	Candidate Candidate
	Outputs   []catalog.Descriptor
	// EntriesIn counts source entries, EntriesOut written entries.
	EntriesIn  int
	EntriesOut int
	// Dropped counts records removed because they resolved to deleted and
	// no deeper segment could hold an older version.
	Dropped      int
	BytesWritten uint64
	Duration     time.Duration
}

// Manager schedules and performs merges over one catalog.
type Manager struct {
	store  *catalog.Store
	mgr    region.Manager
	loader *rangemap.Loader
	index  *Index
	opts   Options

	mu       sync.Mutex
	inflight *roaring64.Bitmap
}

// New creates a merge manager and registers its index with the store.
func New(store *catalog.Store, mgr region.Manager, loader *rangemap.Loader, opts Options) *Manager {
	opts.normalize()
	m := &Manager{
		store:    store,
		mgr:      mgr,
		loader:   loader,
		index:    NewIndex(),
		opts:     opts,
		inflight: roaring64.New(),
	}
	store.Observe(m.index)
	return m
}

// Index returns the observed descriptor index.
func (m *Manager) Index() *Index { return m.index }

// Candidates returns every qualifying candidate, best first.
func (m *Manager) Candidates() []Candidate {
	m.mu.Lock()
	busy := m.inflight.Clone()
	m.mu.Unlock()

	cs := candidates(m.index.Generations(), m.opts, func(d catalog.Descriptor) bool {
		return busy.Contains(d.Uniq)
	})
	sort.SliceStable(cs, func(i, j int) bool { return better(cs[i], cs[j]) })
	return cs
}

// GetBestCandidate returns the highest scoring candidate, or false when no
// candidate reaches the minimum score.
func (m *Manager) GetBestCandidate() (Candidate, bool) {
	cs := m.Candidates()
	if len(cs) == 0 {
		return Candidate{}, false
	}
	return cs[0], true
}

// claim marks the sources in flight. It fails if another merge holds any.
func (m *Manager) claim(c Candidate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range c.Sources {
		if m.inflight.Contains(d.Uniq) {
			return false
		}
	}
	for _, d := range c.Sources {
		m.inflight.Add(d.Uniq)
	}
	return true
}

func (m *Manager) unclaim(c Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range c.Sources {
		m.inflight.Remove(d.Uniq)
	}
}

// InFlight returns the number of segments taking part in running merges.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.inflight.GetCardinality())
}

// PerformMerge merges the candidate's sources into new segments at its
// target generation, writing at most c.Outputs segments when that is set.
// Any failure before the catalog changes aborts the merge with
// errs.ErrMergeAborted; the sources stay untouched and the merge may be
// retried.
func (m *Manager) PerformMerge(ctx context.Context, c Candidate) (res Result, err error) {
	start := time.Now()
	res.Candidate = c
	defer func() {
		res.Duration = time.Since(start)
		if m.opts.OnMerge != nil {
			m.opts.OnMerge(res, err)
		}
	}()

	if len(c.Sources) == 0 {
		return res, fmt.Errorf("empty candidate: %w", errs.ErrInvalidArgument)
	}
	if !m.claim(c) {
		return res, fmt.Errorf("%w: sources of %s are already merging", errs.ErrMergeAborted, c)
	}
	defer m.unclaim(c)

	if err := m.opts.Controller.AcquireBackground(ctx); err != nil {
		return res, err
	}
	defer m.opts.Controller.ReleaseBackground()

	decs, err := m.load(ctx, c.Sources)
	if err != nil {
		return res, abort(err)
	}

	lo, hi := c.Lo(), c.Hi()
	dropDeleted := !m.deeperOverlap(c.Target, lo, hi)

	var written []catalog.Descriptor
	defer func() {
		if err != nil {
			for _, d := range written {
				// A publish that failed after logging may still have
				// installed the outputs.
				if !m.store.Referenced(d.Addr) {
					_ = m.mgr.Dispose(d.Addr)
				}
			}
		}
	}()

	w := newOutput(ctx, m, c.Target, c.Outputs)
	res.EntriesIn, res.Dropped, err = mergeInto(decs, c.Sources, dropDeleted, w.add)
	if err == nil {
		err = w.flush()
	}
	written = w.written
	if err != nil {
		return res, abort(err)
	}
	res.EntriesOut = w.entries
	res.BytesWritten = w.bytes

	_, err = m.store.Publish(ctx, func(v *catalog.View) (catalog.Mutation, error) {
		return validate(v, c, written, dropDeleted)
	})
	if err != nil {
		return res, abort(err)
	}
	res.Outputs = written

	m.opts.Logger.Info("merge done",
		"from", c.Generation, "to", c.Target,
		"sources", len(c.Sources), "outputs", len(written),
		"entries_in", res.EntriesIn, "entries_out", res.EntriesOut,
		"dropped", res.Dropped, "bytes", res.BytesWritten,
		"took", time.Since(start))
	return res, nil
}

func abort(err error) error {
	if errors.Is(err, errs.ErrMergeAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrMergeAborted, err)
}

// MergeAll merges until no candidate qualifies and returns the number of
// merges performed.
func (m *Manager) MergeAll(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		c, ok := m.GetBestCandidate()
		if !ok {
			return n, nil
		}
		if _, err := m.PerformMerge(ctx, c); err != nil {
			return n, err
		}
		n++
	}
}

// load decodes the sources in parallel.
func (m *Manager) load(ctx context.Context, sources []catalog.Descriptor) ([]block.Decoder, error) {
	decs := make([]block.Decoder, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, d := range sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dec, err := m.loader.Segment(d)
			if err != nil {
				return err
			}
			decs[i] = dec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return decs, nil
}

// deeperOverlap reports whether any segment below target intersects
// [lo, hi] in the current catalog.
func (m *Manager) deeperOverlap(target int, lo, hi []byte) bool {
	v := m.store.Acquire()
	defer v.Release()
	return deeperOverlapIn(v, target, lo, hi)
}

func deeperOverlapIn(v *catalog.View, target int, lo, hi []byte) bool {
	for g := target + 1; g < v.Generations(); g++ {
		if len(v.Overlapping(g, lo, hi)) > 0 {
			return true
		}
	}
	return false
}

// validate checks that the merge still applies to v and builds the catalog
// mutation.
func validate(v *catalog.View, c Candidate, outputs []catalog.Descriptor, dropDeleted bool) (catalog.Mutation, error) {
	for _, d := range c.Sources {
		if _, ok := v.Lookup(d); !ok {
			return catalog.Mutation{}, fmt.Errorf("source %s is gone: %w", d, errs.ErrMergeAborted)
		}
	}
	isSource := func(d catalog.Descriptor) bool {
		for _, s := range c.Sources {
			if s.Same(d) {
				return true
			}
		}
		return false
	}
	for _, o := range outputs {
		for _, d := range v.Overlapping(c.Target, o.Lo(), o.Hi()) {
			if !isSource(d) {
				return catalog.Mutation{}, fmt.Errorf("output %s overlaps %s: %w", o, d, errs.ErrMergeAborted)
			}
		}
	}
	if dropDeleted && deeperOverlapIn(v, c.Target, c.Lo(), c.Hi()) {
		return catalog.Mutation{}, fmt.Errorf("deeper segment appeared under %s: %w", c, errs.ErrMergeAborted)
	}
	return catalog.Mutation{Added: outputs, Retired: c.Sources}, nil
}

// cursor walks one source.
type cursor struct {
	it   *block.Iterator
	cur  block.Entry
	src  catalog.Descriptor
	rank int
}

// cursorHeap orders cursors by key, then by freshness.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].cur.Key, h[j].cur.Key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeInto runs an N-way merge over the decoders and emits one resolved
// update per key in ascending order. Updates of shallower generations mask
// deeper ones. With dropDeleted, records that resolve to deleted are
// skipped and incomplete records are sealed.
func mergeInto(decs []block.Decoder, sources []catalog.Descriptor, dropDeleted bool, emit func(key []byte, u record.Update) error) (in, dropped int, err error) {
	h := make(cursorHeap, 0, len(decs))
	for i, d := range decs {
		it := d.SortedWalk()
		if it.Next() {
			h = append(h, &cursor{it: it, cur: it.Entry(), src: sources[i], rank: sources[i].Generation})
		} else if err := it.Err(); err != nil {
			return in, dropped, segmentErr(sources[i], err)
		}
	}
	heap.Init(&h)

	advance := func(c *cursor) error {
		if c.it.Next() {
			next := c.it.Entry()
			if bytes.Compare(next.Key, c.cur.Key) <= 0 {
				return segmentErr(c.src, fmt.Errorf("key %x after %x", next.Key, c.cur.Key))
			}
			c.cur = next
			heap.Fix(&h, 0)
			return nil
		}
		if err := c.it.Err(); err != nil {
			return segmentErr(c.src, err)
		}
		heap.Pop(&h)
		return nil
	}

	for h.Len() > 0 {
		key := h[0].cur.Key
		var d record.Data
		for h.Len() > 0 && bytes.Equal(h[0].cur.Key, key) {
			c := h[0]
			d.Apply(c.cur.Update)
			in++
			if err := advance(c); err != nil {
				return in, dropped, err
			}
		}

		if dropDeleted {
			d.Seal()
			if d.State == record.StateDeleted {
				dropped++
				continue
			}
		}
		if err := emit(key, d.Update()); err != nil {
			return in, dropped, err
		}
	}
	return in, dropped, nil
}

func segmentErr(d catalog.Descriptor, err error) error {
	return &rangemap.SegmentError{Generation: d.Generation, Uniq: d.Uniq, Addr: d.Addr, Err: err}
}

// output splits the merged stream into segments of the target encoded
// size. With a limit it never writes more than limit segments; the last one
// takes whatever remains. Candidates only qualify when limit is below their
// source count, so a limited merge always shrinks the catalog.
type output struct {
	ctx    context.Context
	m      *Manager
	target int
	limit  int

	w       *block.Writer
	checkAt int // raw size at which the encoded size is sampled next

	written []catalog.Descriptor
	entries int
	bytes   uint64
}

func newOutput(ctx context.Context, m *Manager, target, limit int) *output {
	return &output{ctx: ctx, m: m, target: target, limit: limit}
}

func (o *output) add(key []byte, u record.Update) error {
	if o.w == nil {
		o.w = block.NewWriter(o.m.opts.Block)
		o.checkAt = o.m.opts.TargetSegmentSize
	}
	if err := o.w.Add(key, u); err != nil {
		return err
	}
	o.entries++
	if o.limit > 0 && len(o.written)+1 >= o.limit {
		return nil
	}
	raw := o.w.Size()
	if raw < o.checkAt {
		return nil
	}
	// Compression never grows a block, so the raw size bounds the encoded
	// one from above and sampling can wait until raw reaches the target.
	n, err := o.w.EncodedSize()
	if err != nil {
		return err
	}
	split := o.m.opts.TargetSegmentSize
	if n >= split {
		return o.flush()
	}
	// Extrapolate the compression ratio and close half the gap.
	want := raw * split / max(n, 1)
	o.checkAt = raw + max(split-n, (want-raw)/2)
	return nil
}

// flush writes the pending segment, if any.
func (o *output) flush() error {
	w := o.w
	o.w = nil
	if w == nil || w.Len() == 0 {
		return nil
	}

	first, err := keys.Decode(w.First())
	if err != nil {
		return err
	}
	last, err := keys.Decode(w.Last())
	if err != nil {
		return err
	}
	count, err := conv.Count32(w.Len())
	if err != nil {
		return err
	}
	data, err := w.Finish()
	if err != nil {
		return err
	}

	addr, err := o.m.mgr.Alloc(uint64(len(data)))
	if err != nil {
		return err
	}
	if err := o.write(addr, data); err != nil {
		_ = o.m.mgr.Dispose(addr)
		return err
	}

	d := catalog.NewDescriptor(o.target, first, last, o.m.store.NextUniq(), catalog.Location{
		Addr:    addr,
		Length:  uint64(len(data)),
		Entries: count,
		Format:  o.m.opts.Block.Format,
	})
	o.written = append(o.written, d)
	o.bytes += uint64(len(data))
	return nil
}

func (o *output) write(addr uint64, data []byte) (err error) {
	rw, err := o.m.mgr.WriteFresh(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rw.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := resource.NewRateLimitedWriter(o.ctx, rw, o.m.opts.Controller).Write(data); err != nil {
		return err
	}
	return rw.Sync()
}
