package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.Value(16)
	rng.Reset()
	v2 := rng.Value(16)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(4711), rng.Seed())
}

func TestZipf(t *testing.T) {
	rng := NewRNG(4711)
	counts := make([]int, 100)
	for range 10_000 {
		k := rng.Zipf(100, 1.2)
		require.GreaterOrEqual(t, k, 0)
		require.Less(t, k, 100)
		counts[k]++
	}
	assert.Greater(t, counts[0], counts[50])
	assert.Greater(t, counts[0], 1000)

	assert.Equal(t, 0, rng.Zipf(1, 1.2))
}

func TestOps(t *testing.T) {
	rng := NewRNG(1)
	ops := rng.Ops(1000, 50, 0, Mix{Set: 1, Append: 1, Delete: 1}, 8)
	require.Len(t, ops, 1000)

	seen := map[OpKind]int{}
	for _, op := range ops {
		assert.Less(t, op.ID, 50)
		seen[op.Kind]++
		switch op.Kind {
		case OpSet:
			assert.Len(t, op.Value, 8)
		case OpAppend:
			assert.Len(t, op.Value, 3)
		case OpDelete:
			assert.Nil(t, op.Value)
		}
	}
	assert.Len(t, seen, 3)
}

func TestModel(t *testing.T) {
	m := NewModel()
	m.Append(3, []byte("a"))
	m.Append(3, []byte("b"))
	m.Set(1, []byte("x"))
	m.Set(7, []byte("y"))
	m.Delete(7)
	m.Apply(Op{Kind: OpSet, ID: 5, Value: []byte("z")})

	v, ok := m.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte("ab"), v)
	_, ok = m.Get(7)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 3, 5}, m.IDs())
	assert.Equal(t, 3, m.Len())

	next, ok := m.Next(3, false)
	require.True(t, ok)
	assert.Equal(t, 5, next)
	next, ok = m.Next(3, true)
	require.True(t, ok)
	assert.Equal(t, 3, next)
	_, ok = m.Next(5, false)
	assert.False(t, ok)

	prev, ok := m.Prev(3, false)
	require.True(t, ok)
	assert.Equal(t, 1, prev)
	prev, ok = m.Prev(4, false)
	require.True(t, ok)
	assert.Equal(t, 3, prev)
	_, ok = m.Prev(1, false)
	assert.False(t, ok)
}

func TestKeyName(t *testing.T) {
	assert.Equal(t, "key-00000042", KeyName(42))
	assert.Less(t, KeyName(9), KeyName(10))
}
