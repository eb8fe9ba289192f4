package genkv

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/wal"
)

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithLogSegments(3, 64<<10),
		WithFlushTimeout(5 * time.Second),
		WithBlockCacheSize(1 << 20),
	}, extra...)
}

func openTest(t *testing.T, dir string, opts ...Option) *DB {
	t.Helper()
	db, err := Open(dir, testOptions(opts...)...)
	require.NoError(t, err)
	return db
}

func newMemoryManager() *region.MemoryManager {
	return region.NewMemoryManager(wal.ReservedBytes(3, 64<<10))
}

func keysOf(t *testing.T, db *DB) []string {
	t.Helper()
	var out []string
	require.NoError(t, db.ScanForward(Key{}, func(r Record) bool {
		out = append(out, fmt.Sprintf("%s=%s", r.Key, r.Value))
		return true
	}))
	return out
}

func TestDB_BasicFlushRead(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	require.NoError(t, db.SetValue(Path("test/3"), []byte("a")))
	require.NoError(t, db.SetValue(Path("test/2"), []byte("b")))
	require.NoError(t, db.SetValue(Path("test/1"), []byte("c")))
	require.NoError(t, db.Flush(context.Background()))

	r, err := db.GetRecord(Path("test/3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), r.Value)
	assert.Equal(t, StateFull, r.State)
	assert.True(t, r.Key.Equal(Path("test/3")))

	segs, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 0, segs[0].Generation)
	assert.Equal(t, uint32(3), segs[0].Entries)
	assert.True(t, segs[0].Start.Equal(Path("test/1")))
	assert.True(t, segs[0].End.Equal(Path("test/3")))
}

func TestDB_Updates(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	require.NoError(t, db.SetValue(Path("k/a"), []byte("1")))
	require.NoError(t, db.Append(Path("k/a"), []byte("2")))
	require.NoError(t, db.Append(Path("k/b"), []byte("x")))
	require.NoError(t, db.SetValue(Path("k/c"), []byte("gone")))
	require.NoError(t, db.Delete(Path("k/c")))

	v, err := db.Get(Path("k/a"))
	require.NoError(t, err)
	assert.Equal(t, "12", string(v))

	v, err = db.Get(Path("k/b"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))

	_, err = db.Get(Path("k/c"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.Get(Path("k/missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Flush(context.Background()))
	require.NoError(t, db.Append(Path("k/a"), []byte("3")))

	v, err = db.Get(Path("k/a"))
	require.NoError(t, err)
	assert.Equal(t, "123", string(v))
	assert.Equal(t, []string{"k/a=123", "k/b=x"}, keysOf(t, db))
}

func TestDB_Batch(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	b := NewBatch().
		Set(Path("a"), []byte("1")).
		Set(Path("b"), []byte("2")).
		Append(Path("b"), []byte("+")).
		Delete(Path("c"))
	assert.Equal(t, 4, b.Len())
	require.NoError(t, db.Write(b))
	assert.Equal(t, []string{"a=1", "b=2+"}, keysOf(t, db))

	b.Reset()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, db.Write(b))
	require.NoError(t, db.Write(nil))
}

func TestDB_InvalidKeys(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	assert.ErrorIs(t, db.SetValue(Key{}, []byte("x")), ErrInvalidArgument)
	assert.ErrorIs(t, db.SetValue(Path(".ROOT/GEN"), []byte("x")), ErrInvalidArgument)
	assert.ErrorIs(t, db.Delete(Path(".hidden")), ErrInvalidArgument)

	err := db.Write(NewBatch().Set(Path("ok"), nil).Set(Path(".bad"), nil))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = db.Get(Path("ok"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_Navigation(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, db.SetValue(NewKey(String("n"), Int(int64(i*10))), []byte(fmt.Sprint(i))))
		if i == 3 {
			require.NoError(t, db.Flush(context.Background()))
		}
	}
	require.NoError(t, db.Delete(NewKey(String("n"), Int(40))))

	k := func(i int64) Key { return NewKey(String("n"), Int(i)) }

	r, err := db.FindNext(k(20), false)
	require.NoError(t, err)
	assert.True(t, r.Key.Equal(k(30)))

	r, err = db.FindNext(k(20), true)
	require.NoError(t, err)
	assert.True(t, r.Key.Equal(k(20)))

	r, err = db.FindNext(k(30), false)
	require.NoError(t, err)
	assert.True(t, r.Key.Equal(k(50)), "deleted key is skipped")

	_, err = db.FindNext(k(50), false)
	assert.ErrorIs(t, err, ErrNotFound)

	r, err = db.FindPrev(k(50), false)
	require.NoError(t, err)
	assert.True(t, r.Key.Equal(k(30)))

	r, err = db.FindPrev(Key{}, false)
	require.NoError(t, err)
	assert.True(t, r.Key.Equal(k(50)))

	_, err = db.FindPrev(k(10), false)
	assert.ErrorIs(t, err, ErrNotFound)

	var back []string
	require.NoError(t, db.ScanBackward(Key{}, func(r Record) bool {
		back = append(back, string(r.Value))
		return true
	}))
	assert.Equal(t, []string{"5", "3", "2", "1"}, back)

	var first []string
	require.NoError(t, db.ScanForward(k(15), func(r Record) bool {
		first = append(first, string(r.Value))
		return len(first) < 2
	}))
	assert.Equal(t, []string{"2", "3"}, first)
}

func TestDB_ScanPrefix(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	for _, k := range []string{"a/1", "b/1", "b/2", "b2/1", "c/1"} {
		require.NoError(t, db.SetValue(Path(k), []byte(k)))
	}

	var got []string
	require.NoError(t, db.ScanPrefix(Path("b"), func(r Record) bool {
		got = append(got, string(r.Value))
		return true
	}))
	assert.Equal(t, []string{"b/1", "b/2"}, got)
}

func TestDB_ResumePreservesData(t *testing.T) {
	dir := t.TempDir()

	db := openTest(t, dir, WithCloseFlush(false))
	for i := range 50 {
		require.NoError(t, db.SetValue(Path(fmt.Sprintf("r/%03d", i)), []byte(fmt.Sprint(i))))
		if i == 20 {
			require.NoError(t, db.Flush(context.Background()))
		}
	}
	require.NoError(t, db.Delete(Path("r/007")))
	require.NoError(t, db.Close())

	db, err := Open(dir, testOptions()...)
	require.NoError(t, err)
	defer db.Close()

	got := keysOf(t, db)
	assert.Len(t, got, 49)
	assert.Equal(t, "r/000=0", got[0])
	assert.NotContains(t, got, "r/007=7")

	st, err := db.Stats()
	require.NoError(t, err)
	assert.Positive(t, st.Log.Replayed)
}

func TestDB_MergeReducesGenerationZero(t *testing.T) {
	mgr := newMemoryManager()
	db, err := Open("", testOptions(WithRegionManager(mgr), WithMergePolicy(0.1, 0, 0))...)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for _, k := range []string{"m/1", "m/2", "m/3"} {
		require.NoError(t, db.SetValue(Path(k), []byte(k)))
		require.NoError(t, db.Flush(ctx))
	}
	before, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, before, 3)

	merged, err := db.Merge(ctx)
	require.NoError(t, err)
	assert.True(t, merged)

	after, err := db.Segments()
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))
	assert.Equal(t, []string{"m/1=m/1", "m/2=m/2", "m/3=m/3"}, keysOf(t, db))

	_, err = db.MergeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m/1=m/1", "m/2=m/2", "m/3=m/3"}, keysOf(t, db))
}

func TestDB_MergeAllSettlesOnCompressibleData(t *testing.T) {
	db := openTest(t, t.TempDir(),
		WithCompression(CompressionLZ4),
		WithMergePolicy(0.1, 0, 4096),
	)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value := bytes.Repeat([]byte("a"), 100)
	for s := 0; s < 4; s++ {
		for i := 0; i < 200; i++ {
			require.NoError(t, db.SetValue(Path(fmt.Sprintf("c/%d/%03d", s, i)), value))
		}
		require.NoError(t, db.Flush(ctx))
	}

	_, err := db.MergeAll(ctx)
	require.NoError(t, err)

	merged, err := db.Merge(ctx)
	require.NoError(t, err)
	assert.False(t, merged, "nothing is left to merge")

	got, err := db.Get(Path("c/3/199"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestDB_Stats(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	require.NoError(t, db.SetValue(Path("s/1"), []byte("v")))
	st, err := db.Stats()
	require.NoError(t, err)
	assert.Positive(t, st.WorkingEntries)
	assert.Len(t, st.Log.Segments, 3)

	require.NoError(t, db.Flush(context.Background()))
	_, err = db.Get(Path("s/1"))
	require.NoError(t, err)

	st, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Segments)
	assert.Equal(t, []int{1}, st.Generations)
	assert.NotZero(t, st.RootSegment)
}

func TestDB_ConcurrentWriters(t *testing.T) {
	db := openTest(t, t.TempDir(), WithGroupCommit(true))
	defer db.Close()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				assert.NoError(t, db.SetValue(Path(fmt.Sprintf("w%d/%02d", w, i)), []byte("x")))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, keysOf(t, db), 200)
}

func TestDB_AsyncWritesSync(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir, WithSyncWrites(false), WithCloseFlush(false))
	require.NoError(t, db.SetValue(Path("async"), []byte("1")))
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())

	db = openTest(t, dir)
	defer db.Close()
	v, err := db.Get(Path("async"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestDB_Closed(t *testing.T) {
	db := openTest(t, t.TempDir())
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Close(), ErrClosed)
	assert.ErrorIs(t, db.SetValue(Path("a"), nil), ErrClosed)
	_, err := db.Get(Path("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.ScanForward(Key{}, func(Record) bool { return true }), ErrClosed)
	assert.ErrorIs(t, db.Flush(context.Background()), ErrClosed)
	_, err = db.Merge(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Segments()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_InvalidOptions(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Open(t.TempDir(), WithLogSegments(0, 0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOpen_Compression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			dir := t.TempDir()
			db := openTest(t, dir, WithCompression(c), WithBlockFormat(FormatOffsetList))
			for i := range 100 {
				require.NoError(t, db.SetValue(Path(fmt.Sprintf("c/%03d", i)), []byte("some repetitive value")))
			}
			require.NoError(t, db.Close())

			db = openTest(t, dir)
			defer db.Close()
			assert.Len(t, keysOf(t, db), 100)
			segs, err := db.Segments()
			require.NoError(t, err)
			require.Len(t, segs, 1)
			assert.Equal(t, FormatOffsetList, segs[0].Format)
		})
	}
}
