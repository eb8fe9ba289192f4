package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex

	// zipf normalization, cached per (n, s)
	zipfN   int
	zipfS   float64
	zipfCDF []float64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Zipf returns a Zipfian-distributed value in [0, n).
// P(k) ∝ 1/k^s where s is the skew parameter; s=1.0 gives standard Zipf.
func (r *RNG) Zipf(n int, s float64) int {
	if n <= 1 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.zipfN != n || r.zipfS != s {
		r.zipfCDF = make([]float64, n)
		var sum float64
		for k := 1; k <= n; k++ {
			sum += 1.0 / math.Pow(float64(k), s)
			r.zipfCDF[k-1] = sum
		}
		r.zipfN, r.zipfS = n, s
	}

	u := r.rand.Float64() * r.zipfCDF[n-1]
	i, _ := slices.BinarySearch(r.zipfCDF, u)
	if i >= n {
		return n - 1
	}
	return i
}

// Value returns size random printable bytes.
func (r *RNG) Value(size int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, size)
	for i := range b {
		b[i] = alphabet[r.rand.Intn(len(alphabet))]
	}
	return b
}

// Perm returns a random permutation of [0, n).
func (r *RNG) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Perm(n)
}

// KeyName returns a fixed-width name for id so that names sort like ids.
func KeyName(id int) string {
	return fmt.Sprintf("key-%08d", id)
}

// OpKind is the kind of a generated workload operation.
type OpKind int

const (
	OpSet OpKind = iota
	OpAppend
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpAppend:
		return "append"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is a single generated update.
type Op struct {
	Kind  OpKind
	ID    int
	Value []byte
}

// Mix weights the operation kinds of a workload.
type Mix struct {
	Set    int
	Append int
	Delete int
}

// DefaultMix is mostly sets with some appends and deletes.
var DefaultMix = Mix{Set: 70, Append: 15, Delete: 15}

// Ops generates n operations over ids in [0, keySpace). A positive skew
// draws ids from a Zipf distribution, otherwise ids are uniform.
func (r *RNG) Ops(n, keySpace int, skew float64, mix Mix, valueSize int) []Op {
	total := mix.Set + mix.Append + mix.Delete
	if total <= 0 {
		mix, total = DefaultMix, DefaultMix.Set+DefaultMix.Append+DefaultMix.Delete
	}
	ops := make([]Op, 0, n)
	for range n {
		var id int
		if skew > 0 {
			id = r.Zipf(keySpace, skew)
		} else {
			id = r.Intn(keySpace)
		}
		op := Op{ID: id}
		switch w := r.Intn(total); {
		case w < mix.Set:
			op.Kind = OpSet
			op.Value = r.Value(valueSize)
		case w < mix.Set+mix.Append:
			op.Kind = OpAppend
			op.Value = r.Value(1 + valueSize/4)
		default:
			op.Kind = OpDelete
		}
		ops = append(ops, op)
	}
	return ops
}

// Model is the reference behaviour of the store: a plain map from id to
// value. It is safe for concurrent use.
type Model struct {
	mu     sync.RWMutex
	values map[int][]byte
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{values: make(map[int][]byte)}
}

// Apply applies op.
func (m *Model) Apply(op Op) {
	switch op.Kind {
	case OpSet:
		m.Set(op.ID, op.Value)
	case OpAppend:
		m.Append(op.ID, op.Value)
	case OpDelete:
		m.Delete(op.ID)
	}
}

// Set replaces the value of id.
func (m *Model) Set(id int, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = slices.Clone(value)
}

// Append appends fragment to the value of id. A missing id starts from an
// empty value.
func (m *Model) Append(id int, fragment []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.values[id]
	v := make([]byte, 0, len(old)+len(fragment))
	v = append(v, old...)
	m.values[id] = append(v, fragment...)
}

// Delete removes id.
func (m *Model) Delete(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
}

// Get returns the value of id.
func (m *Model) Get(id int) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	return v, ok
}

// Len returns the number of live ids.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// IDs returns the live ids in ascending order.
func (m *Model) IDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int, 0, len(m.values))
	for id := range m.values {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Next returns the smallest live id greater than id, or equal to it when
// inclusive.
func (m *Model) Next(id int, inclusive bool) (int, bool) {
	ids := m.IDs()
	i, found := slices.BinarySearch(ids, id)
	if found && !inclusive {
		i++
	}
	if i >= len(ids) {
		return 0, false
	}
	return ids[i], true
}

// Prev returns the largest live id less than id, or equal to it when
// inclusive.
func (m *Model) Prev(id int, inclusive bool) (int, bool) {
	ids := m.IDs()
	i, found := slices.BinarySearch(ids, id)
	if found && inclusive {
		return ids[i], true
	}
	if i == 0 {
		return 0, false
	}
	return ids[i-1], true
}
