package rangemap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/cache"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/region"
)

// SegmentError reports a segment that could not be loaded. It matches
// errs.ErrCorrupt as well as the underlying cause.
type SegmentError struct {
	Generation int
	Uniq       uint64
	Addr       uint64
	Err        error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("could not load segment gen=%d uniq=%d at %#x: %v", e.Generation, e.Uniq, e.Addr, e.Err)
}

func (e *SegmentError) Unwrap() []error { return []error{errs.ErrCorrupt, e.Err} }

// Loader reads segments through the region manager and keeps them decoded
// in the block cache.
type Loader struct {
	mgr   region.Manager
	cache cache.BlockCache
}

// NewLoader creates a loader. c may be nil.
func NewLoader(mgr region.Manager, c cache.BlockCache) *Loader {
	return &Loader{mgr: mgr, cache: c}
}

// Cache returns the block cache, or nil.
func (l *Loader) Cache() cache.BlockCache { return l.cache }

// Load returns the decoded block stored at addr.
func (l *Loader) Load(kind cache.Kind, addr uint64) (block.Decoder, error) {
	key := cache.Key{Kind: kind, Addr: addr}
	if l.cache != nil {
		if d, ok := l.cache.Get(key); ok {
			return d, nil
		}
	}

	data, err := region.ReadAll(l.mgr, addr)
	if err != nil {
		return nil, err
	}
	d, err := block.Open(data)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Set(key, d, int64(len(data)))
	}
	return d, nil
}

// Segment loads the segment described by d.
func (l *Loader) Segment(d catalog.Descriptor) (block.Decoder, error) {
	dec, err := l.Load(cache.KindSegment, d.Addr)
	if err != nil {
		return nil, &SegmentError{Generation: d.Generation, Uniq: d.Uniq, Addr: d.Addr, Err: err}
	}
	if d.Entries != 0 && dec.Len() != int(d.Entries) {
		return nil, &SegmentError{
			Generation: d.Generation, Uniq: d.Uniq, Addr: d.Addr,
			Err: fmt.Errorf("%d entries, catalog says %d", dec.Len(), d.Entries),
		}
	}
	return dec, nil
}

// Forget drops every cached block of addr.
func (l *Loader) Forget(addr uint64) {
	if l.cache != nil {
		l.cache.Invalidate(func(k cache.Key) bool { return k.Addr == addr })
	}
}

// find is FindNext/FindPrev with a linear fallback for decoders that cannot
// search. It returns ok=false at the end of the block.
func find(d block.Decoder, key []byte, equalOK, forward bool) (block.Entry, bool, error) {
	var (
		e   block.Entry
		err error
	)
	if forward {
		e, err = d.FindNext(key, equalOK)
	} else {
		e, err = d.FindPrev(key, equalOK)
	}
	switch {
	case err == nil:
		return e, true, nil
	case errors.Is(err, errs.ErrNotFound):
		return block.Entry{}, false, nil
	case errors.Is(err, errs.ErrUnsupported):
		return walkFind(d, key, equalOK, forward)
	default:
		return block.Entry{}, false, err
	}
}

// walkFind scans the whole block. It does not rely on the block being
// sorted.
func walkFind(d block.Decoder, key []byte, equalOK, forward bool) (block.Entry, bool, error) {
	var (
		best  block.Entry
		found bool
	)
	it := d.SortedWalk()
	for it.Next() {
		e := it.Entry()
		if key != nil {
			c := bytes.Compare(e.Key, key)
			if forward && (c < 0 || (c == 0 && !equalOK)) {
				continue
			}
			if !forward && (c > 0 || (c == 0 && !equalOK)) {
				continue
			}
		}
		if !found || (forward && bytes.Compare(e.Key, best.Key) < 0) ||
			(!forward && bytes.Compare(e.Key, best.Key) > 0) {
			best, found = e, true
		}
	}
	if err := it.Err(); err != nil {
		return block.Entry{}, false, err
	}
	return best, found, nil
}

// lookup returns the update stored for exactly key.
func lookup(d block.Decoder, key []byte) (block.Entry, bool, error) {
	e, ok, err := find(d, key, true, true)
	if err != nil || !ok || !bytes.Equal(e.Key, key) {
		return block.Entry{}, false, err
	}
	return e, true, nil
}
