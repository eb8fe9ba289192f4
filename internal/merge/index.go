package merge

import (
	"bytes"
	"slices"
	"sync"

	"github.com/hupe1980/genkv/internal/catalog"
)

// Index mirrors the live descriptors of a catalog, per generation and
// sorted by start key. It is fed by catalog observer callbacks.
type Index struct {
	mu   sync.RWMutex
	gens [][]catalog.Descriptor
}

var _ catalog.Observer = (*Index)(nil)

// NewIndex returns an empty index.
func NewIndex() *Index { return &Index{} }

// OnReset replaces the index content.
func (x *Index) OnReset(all []catalog.Descriptor) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gens = nil
	for _, d := range all {
		x.insertLocked(d)
	}
}

// OnPublish applies one catalog change.
func (x *Index) OnPublish(added, retired []catalog.Descriptor) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range retired {
		x.removeLocked(d)
	}
	for _, d := range added {
		x.insertLocked(d)
	}
}

func (x *Index) insertLocked(d catalog.Descriptor) {
	for len(x.gens) <= d.Generation {
		x.gens = append(x.gens, nil)
	}
	row := x.gens[d.Generation]
	i, _ := slices.BinarySearchFunc(row, d, func(a, b catalog.Descriptor) int {
		return bytes.Compare(a.Lo(), b.Lo())
	})
	x.gens[d.Generation] = slices.Insert(row, i, d)
}

func (x *Index) removeLocked(d catalog.Descriptor) {
	if d.Generation >= len(x.gens) {
		return
	}
	row := x.gens[d.Generation]
	if i := slices.IndexFunc(row, d.Same); i >= 0 {
		x.gens[d.Generation] = slices.Delete(row, i, i+1)
	}
	for len(x.gens) > 0 && len(x.gens[len(x.gens)-1]) == 0 {
		x.gens = x.gens[:len(x.gens)-1]
	}
}

// Generations returns a copy of the per-generation rows.
func (x *Index) Generations() [][]catalog.Descriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([][]catalog.Descriptor, len(x.gens))
	for g, row := range x.gens {
		out[g] = slices.Clone(row)
	}
	return out
}

// Len returns the number of indexed segments.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, row := range x.gens {
		n += len(row)
	}
	return n
}

// Counts returns the number of segments per generation.
func (x *Index) Counts() []int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]int, len(x.gens))
	for g, row := range x.gens {
		out[g] = len(row)
	}
	return out
}
