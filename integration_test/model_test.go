package integration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/genkv"
	"github.com/hupe1980/genkv/testutil"
)

func TestRandomizedAgainstModel(t *testing.T) {
	testCases := []struct {
		name string
		skew float64
		opts []genkv.Option
	}{
		{
			name: "Uniform",
		},
		{
			name: "ZipfOffsetList",
			skew: 1.1,
			opts: []genkv.Option{genkv.WithBlockFormat(genkv.FormatOffsetList)},
		},
		{
			name: "ZSTDBackgroundMerge",
			opts: []genkv.Option{
				genkv.WithCompression(genkv.CompressionZSTD),
				genkv.WithBackgroundMerge(20 * time.Millisecond),
			},
		},
		{
			name: "AsyncGroupCommit",
			skew: 0.8,
			opts: []genkv.Option{genkv.WithSyncWrites(false), genkv.WithGroupCommit(true)},
		},
	}

	const (
		keySpace = 400
		rounds   = 12
		perRound = 250
	)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			rng := testutil.NewRNG(4711)
			model := testutil.NewModel()
			opts := append([]genkv.Option{
				genkv.WithWorkingSegmentSize(16 << 10),
				genkv.WithMergePolicy(0.1, 0, 0),
			}, tc.opts...)

			db := open(t, dir, opts...)
			for round := range rounds {
				ops := rng.Ops(perRound, keySpace, tc.skew, testutil.DefaultMix, 48)
				for len(ops) > 0 {
					n := min(1+rng.Intn(16), len(ops))
					apply(t, db, model, ops[:n])
					ops = ops[n:]
				}

				switch round % 4 {
				case 1:
					require.NoError(t, db.Flush(ctx))
				case 2:
					mergeAll(t, db)
				case 3:
					require.NoError(t, db.Sync())
					require.NoError(t, db.Close())
					db = open(t, dir, opts...)
				}
				verify(t, db, model, keySpace)
			}
			require.NoError(t, db.Close())

			db = open(t, dir, opts...)
			defer db.Close()
			verify(t, db, model, keySpace)
		})
	}
}

func TestNavigationAgainstModel(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(99)
	model := testutil.NewModel()
	db := open(t, t.TempDir(), genkv.WithMergePolicy(0.1, 0, 0))
	defer db.Close()

	const keySpace = 200
	for i := range 4 {
		apply(t, db, model, rng.Ops(150, keySpace, 0, testutil.Mix{Set: 60, Delete: 40}, 16))
		if i < 3 {
			require.NoError(t, db.Flush(ctx))
		}
	}

	for _, id := range rng.Perm(keySpace + 2) {
		id-- // probe ids just outside the key space too

		for _, inclusive := range []bool{false, true} {
			name := fmt.Sprintf("id=%d inclusive=%v", id, inclusive)

			r, err := db.FindNext(keyOf(id), inclusive)
			if want, ok := model.Next(id, inclusive); ok {
				require.NoError(t, err, name)
				assert.Equal(t, want, idOf(t, r.Key), name)
			} else if err == nil {
				assert.False(t, r.Key.HasPrefix(table), name)
			} else {
				assert.ErrorIs(t, err, genkv.ErrNotFound, name)
			}

			r, err = db.FindPrev(keyOf(id), inclusive)
			if want, ok := model.Prev(id, inclusive); ok {
				require.NoError(t, err, name)
				assert.Equal(t, want, idOf(t, r.Key), name)
			} else if err == nil {
				assert.False(t, r.Key.HasPrefix(table), name)
			} else {
				assert.ErrorIs(t, err, genkv.ErrNotFound, name)
			}
		}
	}
}

func TestAppendAcrossGenerations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, genkv.WithMergePolicy(0.1, 0, 0))

	k := genkv.Path("log/events")
	var want []byte
	for i := range 6 {
		frag := fmt.Appendf(nil, "[%d]", i)
		want = append(want, frag...)
		require.NoError(t, db.Append(k, frag))
		require.NoError(t, db.Flush(ctx))

		got, err := db.Get(k)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}

	n, err := db.MergeAll(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)

	got, err := db.Get(k)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	// A delete below later fragments restarts the value.
	require.NoError(t, db.Delete(k))
	require.NoError(t, db.Flush(ctx))
	require.NoError(t, db.Append(k, []byte("fresh")))
	require.NoError(t, db.Close())

	db = open(t, dir)
	defer db.Close()
	got, err = db.Get(k)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}
