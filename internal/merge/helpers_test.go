package merge

import (
	"fmt"
	"testing"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/cache"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	store *catalog.Store
	seq   uint64
}

func (l *loopback) Write(b []block.Entry) (uint64, error) {
	l.seq++
	return l.seq, l.store.Apply(b)
}

func (l *loopback) Sync(uint64) error { return nil }

type fixture struct {
	t      *testing.T
	mgr    *region.MemoryManager
	store  *catalog.Store
	loader *rangemap.Loader
	rm     *rangemap.Manager
	merger *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	lb := &loopback{}
	store := catalog.New(lb)
	lb.store = store
	mgr := region.NewMemoryManager(4096)
	loader := rangemap.NewLoader(mgr, cache.NewLRUBlockCache(1<<20, nil))
	t.Cleanup(func() {
		store.Close()
		_ = mgr.Close()
	})
	return &fixture{
		t:      t,
		mgr:    mgr,
		store:  store,
		loader: loader,
		rm:     rangemap.New(store, loader),
		merger: New(store, mgr, loader, opts),
	}
}

func key(i int) []byte { return keys.Path(fmt.Sprintf("k%02d", i)).Encode() }

func full(i int, v string) block.Entry {
	return block.Entry{Key: key(i), Update: record.Full([]byte(v))}
}

func tomb(i int) block.Entry { return block.Entry{Key: key(i), Update: record.Tombstone()} }

func part(i int, v string) block.Entry {
	return block.Entry{Key: key(i), Update: record.Partial([]byte(v))}
}

// segment writes and publishes a segment at gen.
func (f *fixture) segment(gen int, entries ...block.Entry) catalog.Descriptor {
	f.t.Helper()
	opts := block.DefaultOptions()
	data, err := block.Encode(opts, entries)
	require.NoError(f.t, err)
	addr, err := f.mgr.Alloc(uint64(len(data)))
	require.NoError(f.t, err)
	require.NoError(f.t, region.WriteAll(f.mgr, addr, data))

	start, err := keys.Decode(entries[0].Key)
	require.NoError(f.t, err)
	end, err := keys.Decode(entries[len(entries)-1].Key)
	require.NoError(f.t, err)
	d := catalog.NewDescriptor(gen, start, end, f.store.NextUniq(), catalog.Location{
		Addr: addr, Length: uint64(len(data)), Entries: uint32(len(entries)), Format: opts.Format,
	})
	f.publish(catalog.Mutation{Added: []catalog.Descriptor{d}})
	return d
}

func (f *fixture) publish(m catalog.Mutation) {
	f.t.Helper()
	_, err := f.store.Publish(f.t.Context(), func(*catalog.View) (catalog.Mutation, error) {
		return m, nil
	})
	require.NoError(f.t, err)
}

// dump resolves every key in [0, n) plus both scan directions.
func (f *fixture) dump(n int) []string {
	f.t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		d, err := f.rm.GetRecord(key(i))
		require.NoError(f.t, err)
		if d.State == record.StateFull {
			out = append(out, fmt.Sprintf("k%02d=%s", i, d.Value))
		}
	}
	var fwd, bwd []string
	require.NoError(f.t, f.rm.ScanForward(nil, rangemap.ReadOptions{}, func(r rangemap.Result) bool {
		fwd = append(fwd, string(r.Data.Value))
		return true
	}))
	require.NoError(f.t, f.rm.ScanBackward(nil, rangemap.ReadOptions{}, func(r rangemap.Result) bool {
		bwd = append([]string{string(r.Data.Value)}, bwd...)
		return true
	}))
	require.Equal(f.t, fwd, bwd)
	return append(out, fwd...)
}

func (f *fixture) entries(d catalog.Descriptor) []block.Entry {
	f.t.Helper()
	dec, err := f.loader.Segment(d)
	require.NoError(f.t, err)
	var out []block.Entry
	for e, err := range block.All(dec) {
		require.NoError(f.t, err)
		out = append(out, e)
	}
	return out
}
