package catalog

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hupe1980/genkv/internal/errs"
)

// View is an immutable snapshot of the live descriptors, grouped by
// generation and sorted by start key. Regions referenced by a View are not
// freed until the View is released.
type View struct {
	store   *Store
	version uint64
	refs    int // guarded by store.mu
	gens    [][]Descriptor
	addrs   []uint64
	err     error
}

func buildView(s *Store, version uint64, live map[string]Descriptor) *View {
	v := &View{store: s, version: version}

	seen := make(map[uint64]struct{}, len(live))
	for _, d := range live {
		for len(v.gens) <= d.Generation {
			v.gens = append(v.gens, nil)
		}
		v.gens[d.Generation] = append(v.gens[d.Generation], d)
		if _, ok := seen[d.Addr]; !ok {
			seen[d.Addr] = struct{}{}
			v.addrs = append(v.addrs, d.Addr)
		}
	}
	for _, g := range v.gens {
		sortDescriptors(g)
	}
	v.err = checkOverlap(v.gens)
	return v
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if c := bytes.Compare(ds[i].Lo(), ds[j].Lo()); c != 0 {
			return c < 0
		}
		return ds[i].Uniq < ds[j].Uniq
	})
}

// checkOverlap expects every generation sorted by start key.
func checkOverlap(gens [][]Descriptor) error {
	for g, ds := range gens {
		for i := 1; i < len(ds); i++ {
			if bytes.Compare(ds[i].Lo(), ds[i-1].Hi()) <= 0 {
				return fmt.Errorf("generation %d: %s overlaps %s: %w", g, ds[i-1], ds[i], errs.ErrCorrupt)
			}
		}
	}
	return nil
}

// Version increases with every catalog change.
func (v *View) Version() uint64 { return v.version }

// Validate returns an ErrCorrupt error when two live segments of the same
// generation overlap.
func (v *View) Validate() error { return v.err }

// Generations returns one more than the deepest populated generation.
func (v *View) Generations() int { return len(v.gens) }

// At returns the descriptors of generation g sorted by start key. The slice
// must not be modified.
func (v *View) At(g int) []Descriptor {
	if g < 0 || g >= len(v.gens) {
		return nil
	}
	return v.gens[g]
}

// All returns every live descriptor ordered by generation, then start key.
func (v *View) All() []Descriptor {
	var out []Descriptor
	for _, g := range v.gens {
		out = append(out, g...)
	}
	return out
}

// Len returns the number of live descriptors.
func (v *View) Len() int {
	n := 0
	for _, g := range v.gens {
		n += len(g)
	}
	return n
}

// Addrs returns the distinct regions referenced by the view.
func (v *View) Addrs() []uint64 {
	return append([]uint64(nil), v.addrs...)
}

// Lookup returns the live descriptor equal to d, if any.
func (v *View) Lookup(d Descriptor) (Descriptor, bool) {
	for _, c := range v.At(d.Generation) {
		if c.Same(d) {
			return c, true
		}
	}
	return Descriptor{}, false
}

// Find returns the segment of generation g containing key.
func (v *View) Find(g int, key []byte) (Descriptor, bool) {
	ds := v.At(g)
	// First segment whose end is >= key; with disjoint ranges the ends are
	// sorted as well.
	i := sort.Search(len(ds), func(i int) bool { return bytes.Compare(ds[i].Hi(), key) >= 0 })
	if i < len(ds) && bytes.Compare(ds[i].Lo(), key) <= 0 {
		return ds[i], true
	}
	return Descriptor{}, false
}

// Overlapping returns the segments of generation g intersecting the
// inclusive range [lo, hi]. A nil hi is unbounded.
func (v *View) Overlapping(g int, lo, hi []byte) []Descriptor {
	var out []Descriptor
	for _, d := range v.At(g) {
		if hi != nil && bytes.Compare(d.Lo(), hi) > 0 {
			break
		}
		if bytes.Compare(d.Hi(), lo) >= 0 {
			out = append(out, d)
		}
	}
	return out
}

// Release drops the caller's reference.
func (v *View) Release() {
	if v == nil || v.store == nil {
		return
	}
	v.store.release(v)
}
