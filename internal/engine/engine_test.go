package engine

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/merge"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_FlushAndRead(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	defer e.Close()

	set(t, e, "test/3", "a")
	set(t, e, "test/2", "b")
	set(t, e, "test/1", "c")
	require.NoError(t, e.Flush(t.Context()))

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, 0, segs[0].Generation)
	assert.Equal(t, "test/1", segs[0].Start.String())
	assert.Equal(t, "test/3", segs[0].End.String())
	assert.Equal(t, uint32(3), segs[0].Entries)

	assert.Equal(t, "a", get(t, e, "test/3"))
	assert.Equal(t, []string{"test/1=c", "test/2=b", "test/3=a"}, scan(t, e))

	st := e.Stats()
	assert.Equal(t, 0, st.FrozenSegments)
	assert.NotZero(t, st.RootSegment)
	assert.Equal(t, []int{1}, st.Generations)
}

func TestEngine_UpdatesAboveSegments(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	defer e.Close()

	set(t, e, "k/a", "1")
	set(t, e, "k/b", "2")
	require.NoError(t, e.Flush(t.Context()))

	set(t, e, "k/a", "10")
	del(t, e, "k/b")
	appendTo(t, e, "k/c", "x")
	appendTo(t, e, "k/c", "y")

	assert.Equal(t, "10", get(t, e, "k/a"))
	assert.Equal(t, "<none>", get(t, e, "k/b"))
	assert.Equal(t, "xy", get(t, e, "k/c"))
	assert.Equal(t, []string{"k/a=10", "k/c=xy"}, scan(t, e))
}

func TestEngine_CascadeRelabel(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	defer e.Close()

	set(t, e, "a", "1")
	set(t, e, "c", "1")
	require.NoError(t, e.Flush(t.Context()))

	set(t, e, "b", "2")
	require.NoError(t, e.Flush(t.Context()))
	assert.Equal(t, []int{1, 1}, e.Stats().Generations)

	set(t, e, "x", "3")
	set(t, e, "y", "3")
	require.NoError(t, e.Flush(t.Context()))
	assert.Equal(t, []int{2, 1}, e.Stats().Generations)

	set(t, e, "b", "4")
	require.NoError(t, e.Flush(t.Context()))
	assert.Equal(t, []int{2, 1, 1}, e.Stats().Generations)

	v, err := e.Snapshot()
	require.NoError(t, err)
	defer v.Release()
	require.NoError(t, v.Validate())

	assert.Equal(t, []string{"a=1", "b=4", "c=1", "x=3", "y=3"}, scan(t, e))
}

func TestEngine_ResumeReplaysLog(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr, WithCloseFlush(false))

	set(t, e, "k/1", "one")
	set(t, e, "k/2", "two")
	require.NoError(t, e.Flush(t.Context()))
	set(t, e, "k/2", "TWO")
	appendTo(t, e, "k/1", "+")
	del(t, e, "k/3")
	set(t, e, "k/4", "four")
	require.NoError(t, e.Close())

	e2 := open(t, mgr.Reopen(), WithCloseFlush(false))
	defer e2.Close()

	assert.Positive(t, e2.Log().Replayed())
	assert.Equal(t, []string{"k/1=one+", "k/2=TWO", "k/4=four"}, scan(t, e2))
	assert.Len(t, e2.Segments(), 1)
}

func TestEngine_ResumeAfterCloseFlush(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	for i := range 20 {
		set(t, e, fmt.Sprintf("k/%02d", i), fmt.Sprint(i))
	}
	require.NoError(t, e.Close())

	e2 := open(t, mgr.Reopen())
	defer e2.Close()

	require.Len(t, e2.Segments(), 1)
	assert.Equal(t, "7", get(t, e2, "k/07"))
	assert.Len(t, scan(t, e2), 20)
}

func TestEngine_CrashBetweenPublishAndDrop(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr, WithCloseFlush(false))
	defer e.Close()

	set(t, e, "doc", "base")
	require.NoError(t, e.Flush(t.Context()))
	oldRoot := e.Stats().RootSegment
	require.NotZero(t, oldRoot)

	appendTo(t, e, "doc", "-x")
	set(t, e, "other", "o")

	var crashed *region.MemoryManager
	e.afterPublish = func() { crashed = mgr.Reopen() }
	require.NoError(t, e.Flush(t.Context()))
	e.afterPublish = nil
	require.NotNil(t, crashed)

	e2 := open(t, crashed, WithCloseFlush(false))
	defer e2.Close()

	// The append must be applied exactly once.
	assert.Equal(t, "base-x", get(t, e2, "doc"))
	assert.Equal(t, []string{"doc=base-x", "other=o"}, scan(t, e2))
	assert.Equal(t, 0, e2.Stats().FrozenSegments)
	assert.Len(t, e2.Segments(), 2)

	// The previous root segment was only disposed after the drop.
	addrs, err := crashed.List()
	require.NoError(t, err)
	assert.NotContains(t, addrs, oldRoot)
	assert.Contains(t, addrs, e2.Stats().RootSegment)
}

func TestEngine_CrashBeforePublishReplays(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr, WithCloseFlush(false))
	defer e.Close()

	set(t, e, "a", "1")
	require.NoError(t, e.Flush(t.Context()))
	appendTo(t, e, "a", "2")

	// A checkpoint that never published: its segment is an orphan.
	_, err := e.log.CheckpointStart()
	require.NoError(t, err)
	require.NoError(t, e.log.FlushPendingCommands())
	orphan, err := e.writeRegion([]byte("partial flush"))
	require.NoError(t, err)
	crashed := mgr.Reopen()
	e.log.CheckpointAbort()

	e2 := open(t, crashed, WithCloseFlush(false))
	defer e2.Close()

	assert.Equal(t, "12", get(t, e2, "a"))
	assert.Equal(t, 1, e2.Stats().FrozenSegments)

	addrs, err := crashed.List()
	require.NoError(t, err)
	assert.NotContains(t, addrs, orphan)

	require.NoError(t, e2.Flush(t.Context()))
	assert.Equal(t, 0, e2.Stats().FrozenSegments)
	assert.Equal(t, "12", get(t, e2, "a"))
	assert.Equal(t, []int{1, 1}, e2.Stats().Generations)
}

func TestEngine_OrphanSweep(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	set(t, e, "a", "1")
	require.NoError(t, e.Flush(t.Context()))

	addr, err := mgr.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, region.WriteAll(mgr, addr, make([]byte, 100)))
	require.NoError(t, e.Close())

	e2 := open(t, mgr.Reopen())
	defer e2.Close()

	addrs, err := e2.mgr.List()
	require.NoError(t, err)
	assert.NotContains(t, addrs, addr)
	for _, d := range e2.Segments() {
		assert.Contains(t, addrs, d.Addr)
	}
	assert.Equal(t, "1", get(t, e2, "a"))
}

func TestEngine_MergeReducesGenZero(t *testing.T) {
	obs := &countingObserver{}
	mgr := newMemory()
	e := open(t, mgr, WithMetricsObserver(obs))
	defer e.Close()

	for s := range 5 {
		for i := range 4 {
			set(t, e, fmt.Sprintf("s%d/%d", s, i), fmt.Sprintf("v%d.%d", s, i))
		}
		require.NoError(t, e.Flush(t.Context()))
	}
	require.Equal(t, []int{5}, e.Stats().Generations)
	before := scan(t, e)

	n, err := e.MergeAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{0, 1}, e.Stats().Generations)
	assert.Equal(t, before, scan(t, e))

	_, merges, freed := obs.snapshot()
	assert.Equal(t, 1, merges)
	assert.GreaterOrEqual(t, freed, 5)

	_, ok, err := e.Merge(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_MergeDropsTombstonesAtBottom(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr, WithMergeOptions(merge.Options{MinScore: 0.5}))
	defer e.Close()

	set(t, e, "a", "1")
	set(t, e, "b", "1")
	require.NoError(t, e.Flush(t.Context()))
	del(t, e, "a")
	require.NoError(t, e.Flush(t.Context()))
	require.Equal(t, []int{1, 1}, e.Stats().Generations)

	n, err := e.MergeAll(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(1), segs[0].Entries)
	assert.Equal(t, []string{"b=1"}, scan(t, e))
}

func TestEngine_BackgroundMerge(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr, WithBackgroundMerge(5*time.Millisecond))
	defer e.Close()

	for s := range 3 {
		set(t, e, fmt.Sprintf("s%d", s), "v")
		require.NoError(t, e.Flush(t.Context()))
	}
	require.Eventually(t, func() bool {
		g := e.Stats().Generations
		return len(g) > 0 && g[0] == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, scan(t, e), 3)
}

func TestEngine_AutoFlush(t *testing.T) {
	obs := &countingObserver{}
	mgr := newMemory()
	e := open(t, mgr,
		WithMetricsObserver(obs),
		WithFlushConfig(FlushConfig{MaxWorkingSegmentSize: 1 << 10}))
	defer e.Close()

	for i := range 64 {
		set(t, e, fmt.Sprintf("k/%03d", i), "0123456789abcdef0123456789abcdef")
	}
	require.Eventually(t, func() bool {
		flushes, _, _ := obs.snapshot()
		return flushes > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, scan(t, e), 64)
	assert.Positive(t, obs.commits.Load())
}

func TestEngine_LogSpaceIsReclaimed(t *testing.T) {
	opts := testLogOptions()
	opts.SegmentCount = 2
	opts.SegmentSize = 8 << 10
	mgr := region.NewMemoryManager(wal.ReservedBytes(opts.SegmentCount, opts.SegmentSize))
	e, err := Open(mgr,
		WithLogOptions(opts),
		WithFlushConfig(FlushConfig{MaxWorkingSegmentSize: -1}),
		WithMaxLogSegments(8),
		WithSyncWrites(true))
	require.NoError(t, err)
	defer e.Close()

	val := string(make([]byte, 100))
	for i := range 400 {
		set(t, e, fmt.Sprintf("k/%03d", i), val)
		if i%40 == 39 {
			require.NoError(t, e.Flush(t.Context()))
		}
	}
	require.NoError(t, e.Flush(t.Context()))

	st := e.Stats()
	assert.GreaterOrEqual(t, len(st.Log.Segments), 2)
	assert.LessOrEqual(t, len(st.Log.Segments), 8)
	assert.Len(t, scan(t, e), 400)
}

func TestEngine_RejectsInvalidKeys(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	defer e.Close()

	cases := map[string][]byte{
		"empty":     nil,
		"reserved":  catalog.VarKey("MINE").Encode(),
		"malformed": {0x99},
	}
	for name, k := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Update([]block.Entry{{Key: k, Update: record.Full([]byte("v"))}}, true)
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}

	// A batch is rejected as a whole.
	_, err := e.Update([]block.Entry{
		{Key: key("ok"), Update: record.Full([]byte("v"))},
		{Key: catalog.GenPrefix.Encode(), Update: record.Tombstone()},
	}, true)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Equal(t, "<none>", get(t, e, "ok"))
}

func TestEngine_ReservedRecordsAreHidden(t *testing.T) {
	mgr := newMemory()
	e := open(t, mgr)
	defer e.Close()

	set(t, e, "a", "1")
	require.NoError(t, e.Flush(t.Context()))
	assert.Equal(t, []string{"a=1"}, scan(t, e))

	var reserved int
	require.NoError(t, e.ScanForward(catalog.RootPrefix.Encode(), rangemap.ReadOptions{IncludeReserved: true},
		func(r rangemap.Result) bool {
			k, err := keys.Decode(r.Key)
			require.NoError(t, err)
			if !k.IsReserved() {
				return false
			}
			reserved++
			return true
		}))
	assert.Positive(t, reserved)
}

func TestEngine_Ingest(t *testing.T) {
	src := open(t, newMemory())
	defer src.Close()
	for i := range 10 {
		set(t, src, fmt.Sprintf("k/%d", i), fmt.Sprint(i))
	}
	require.NoError(t, src.Flush(t.Context()))
	set(t, src, "k/3", "three")
	require.NoError(t, src.Flush(t.Context()))

	v, err := src.Snapshot()
	require.NoError(t, err)
	var segs []SegmentData
	for _, d := range v.All() {
		data, err := src.ReadSegment(d)
		require.NoError(t, err)
		segs = append(segs, SegmentData{Descriptor: d, Data: data})
	}
	v.Release()

	dst := open(t, newMemory())
	defer dst.Close()
	require.NoError(t, dst.Ingest(t.Context(), segs))

	assert.Equal(t, scan(t, src), scan(t, dst))
	assert.Equal(t, src.Stats().Generations, dst.Stats().Generations)
	for i, d := range dst.Segments() {
		assert.Equal(t, segs[i].Descriptor.Uniq, d.Uniq)
	}

	t.Run("corrupt block", func(t *testing.T) {
		bad := []SegmentData{{Descriptor: segs[0].Descriptor, Data: []byte{0xFF}}}
		err := dst.Ingest(t.Context(), bad)
		assert.ErrorIs(t, err, errs.ErrCorrupt)
	})

	t.Run("overlap rejected", func(t *testing.T) {
		err := dst.Ingest(t.Context(), segs[:1])
		assert.ErrorIs(t, err, errs.ErrCorrupt)
		assert.Equal(t, scan(t, src), scan(t, dst))
	})
}

func TestEngine_Closed(t *testing.T) {
	e := open(t, newMemory())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Close(), errs.ErrClosed)
	assert.ErrorIs(t, e.Flush(context.Background()), errs.ErrClosed)
	_, err := e.Update([]block.Entry{{Key: key("a"), Update: record.Full(nil)}}, false)
	assert.ErrorIs(t, err, errs.ErrClosed)
	_, err = e.GetRecord(key("a"))
	assert.ErrorIs(t, err, errs.ErrClosed)
	_, err = e.MergeAll(context.Background())
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestBatchCodec(t *testing.T) {
	batch := []block.Entry{
		{Key: key("a"), Update: record.Full([]byte("1"))},
		{Key: key("b"), Update: record.Tombstone()},
		{Key: key("c"), Update: record.Partial([]byte("frag"))},
	}
	payload := encodeBatch(batch)
	got, err := decodeBatch(payload)
	require.NoError(t, err)
	assert.Equal(t, batch, got)

	for n := range len(payload) - 1 {
		_, err := decodeBatch(payload[:n])
		assert.ErrorIs(t, err, errs.ErrCorrupt, "truncated to %d bytes", n)
	}
	_, err = decodeBatch(append(slices.Clone(payload), 0))
	assert.ErrorIs(t, err, errs.ErrCorrupt)
}

func TestMergeRoot(t *testing.T) {
	entry := func(k string, u record.Update) block.Entry { return block.Entry{Key: []byte(k), Update: u} }
	base := []block.Entry{
		entry("a", record.Full([]byte("1"))),
		entry("b", record.Full([]byte("1"))),
		entry("d", record.Full([]byte("1"))),
	}
	fresh := []block.Entry{
		entry("b", record.Tombstone()),
		entry("c", record.Full([]byte("2"))),
		entry("d", record.Full([]byte("2"))),
		entry("e", record.Tombstone()),
	}
	var got []string
	for _, e := range mergeRoot(base, fresh) {
		got = append(got, string(e.Key)+"="+string(e.Update.Value))
	}
	assert.Equal(t, []string{"a=1", "c=2", "d=2"}, got)
}
