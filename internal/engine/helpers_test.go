package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/wal"
	"github.com/stretchr/testify/require"
)

func testLogOptions() wal.Options {
	opts := wal.DefaultOptions()
	opts.SegmentCount = 3
	opts.SegmentSize = 64 << 10
	opts.FlushTimeout = 5 * time.Second
	return opts
}

func newMemory() *region.MemoryManager {
	opts := testLogOptions()
	return region.NewMemoryManager(wal.ReservedBytes(opts.SegmentCount, opts.SegmentSize))
}

func open(t *testing.T, mgr region.Manager, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogOptions(testLogOptions()),
		WithCacheConfig(CacheConfig{Bytes: 1 << 20, Shards: 2}),
		WithSyncWrites(true),
	}
	e, err := Open(mgr, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func key(s string) []byte { return keys.Path(s).Encode() }

func set(t *testing.T, e *Engine, k, v string) {
	t.Helper()
	_, err := e.Update([]block.Entry{{Key: key(k), Update: record.Full([]byte(v))}}, true)
	require.NoError(t, err)
}

func appendTo(t *testing.T, e *Engine, k, v string) {
	t.Helper()
	_, err := e.Update([]block.Entry{{Key: key(k), Update: record.Partial([]byte(v))}}, true)
	require.NoError(t, err)
}

func del(t *testing.T, e *Engine, k string) {
	t.Helper()
	_, err := e.Update([]block.Entry{{Key: key(k), Update: record.Tombstone()}}, true)
	require.NoError(t, err)
}

// get returns the value of k, or "<none>" when it is absent.
func get(t *testing.T, e *Engine, k string) string {
	t.Helper()
	d, err := e.GetRecord(key(k))
	require.NoError(t, err)
	if d.State != record.StateFull {
		return "<none>"
	}
	return string(d.Value)
}

// scan lists every visible record as "key=value", forward, and checks the
// backward scan agrees.
func scan(t *testing.T, e *Engine) []string {
	t.Helper()
	var fwd, bwd []string
	require.NoError(t, e.ScanForward(nil, rangemap.ReadOptions{}, func(r rangemap.Result) bool {
		k, err := keys.Decode(r.Key)
		require.NoError(t, err)
		fwd = append(fwd, fmt.Sprintf("%s=%s", k, r.Data.Value))
		return true
	}))
	require.NoError(t, e.ScanBackward(nil, rangemap.ReadOptions{}, func(r rangemap.Result) bool {
		k, err := keys.Decode(r.Key)
		require.NoError(t, err)
		bwd = append([]string{fmt.Sprintf("%s=%s", k, r.Data.Value)}, bwd...)
		return true
	}))
	require.Equal(t, fwd, bwd)
	return fwd
}

type countingObserver struct {
	NoopMetricsObserver

	mu      sync.Mutex
	flushes int
	merges  int
	freed   []uint64
	commits atomic.Int64
}

func (o *countingObserver) OnFlush(_ time.Duration, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.flushes++
	}
}

func (o *countingObserver) OnMerge(_ time.Duration, _ int, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.merges++
	}
}

func (o *countingObserver) OnSegmentFreed(addr uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.freed = append(o.freed, addr)
}

func (o *countingObserver) OnGroupCommit(int, time.Duration) { o.commits.Add(1) }

func (o *countingObserver) snapshot() (flushes, merges, freed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes, o.merges, len(o.freed)
}
