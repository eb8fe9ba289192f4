package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/genkv"
	"github.com/hupe1980/genkv/testutil"
)

var table = genkv.NewKey(genkv.String("t"))

func keyOf(id int) genkv.Key {
	return table.Append(genkv.Int(int64(id)))
}

func idOf(t *testing.T, k genkv.Key) int {
	t.Helper()
	require.Equal(t, 2, k.Len(), "unexpected key %s", k)
	return int(k.Part(1).Int())
}

func baseOptions(extra ...genkv.Option) []genkv.Option {
	return append([]genkv.Option{
		genkv.WithLogSegments(4, 64<<10),
		genkv.WithFlushTimeout(10 * time.Second),
		genkv.WithBlockCacheSize(1 << 20),
	}, extra...)
}

func open(t *testing.T, dir string, opts ...genkv.Option) *genkv.DB {
	t.Helper()
	db, err := genkv.Open(dir, baseOptions(opts...)...)
	require.NoError(t, err)
	return db
}

func apply(t *testing.T, db *genkv.DB, m *testutil.Model, ops []testutil.Op) {
	t.Helper()
	b := genkv.NewBatch()
	for _, op := range ops {
		switch op.Kind {
		case testutil.OpSet:
			b.Set(keyOf(op.ID), op.Value)
		case testutil.OpAppend:
			b.Append(keyOf(op.ID), op.Value)
		case testutil.OpDelete:
			b.Delete(keyOf(op.ID))
		}
	}
	require.NoError(t, db.Write(b))
	for _, op := range ops {
		m.Apply(op)
	}
}

// verify compares every id in [0, keySpace) and a full scan in both
// directions against m.
func verify(t *testing.T, db *genkv.DB, m *testutil.Model, keySpace int) {
	t.Helper()

	for id := range keySpace {
		want, ok := m.Get(id)
		got, err := db.Get(keyOf(id))
		if !ok {
			require.ErrorIs(t, err, genkv.ErrNotFound, "id %d", id)
			continue
		}
		require.NoError(t, err, "id %d", id)
		require.Equal(t, string(want), string(got), "id %d", id)
	}

	var forward []int
	require.NoError(t, db.ScanPrefix(table, func(r genkv.Record) bool {
		forward = append(forward, idOf(t, r.Key))
		return true
	}))
	assert.Equal(t, m.IDs(), nonNil(forward))

	var backward []int
	require.NoError(t, db.ScanBackward(genkv.Key{}, func(r genkv.Record) bool {
		if r.Key.HasPrefix(table) {
			backward = append(backward, idOf(t, r.Key))
		}
		return true
	}))
	require.Len(t, backward, len(forward))
	for i := range backward {
		assert.Equal(t, forward[len(forward)-1-i], backward[i])
	}
}

// mergeAll merges until nothing qualifies. A background merge may claim a
// candidate first; those aborts are retried.
func mergeAll(t *testing.T, db *genkv.DB) {
	t.Helper()
	for range 10 {
		_, err := db.MergeAll(context.Background())
		if err == nil {
			return
		}
		require.ErrorIs(t, err, genkv.ErrMergeAborted)
	}
	t.Fatal("merges kept aborting")
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
