package rangemap

import (
	"fmt"
	"testing"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/cache"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/keys"
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
	t     *testing.T
	mgr   *region.MemoryManager
	store *catalog.Store
	cache *cache.LRUBlockCache
	rm    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lb := &loopback{}
	store := catalog.New(lb)
	lb.store = store
	mgr := region.NewMemoryManager(4096)
	c := cache.NewLRUBlockCache(1<<20, nil)
	t.Cleanup(func() {
		store.Close()
		_ = mgr.Close()
	})
	return &fixture{t: t, mgr: mgr, store: store, cache: c, rm: New(store, NewLoader(mgr, c))}
}

func key(i int) []byte { return keys.Path(fmt.Sprintf("k%02d", i)).Encode() }

func full(i int, v string) block.Entry {
	return block.Entry{Key: key(i), Update: record.Full([]byte(v))}
}

func tomb(i int) block.Entry { return block.Entry{Key: key(i), Update: record.Tombstone()} }

func part(i int, v string) block.Entry {
	return block.Entry{Key: key(i), Update: record.Partial([]byte(v))}
}

// write stores a block and returns its region.
func (f *fixture) write(opts block.Options, entries []block.Entry) (uint64, int) {
	f.t.Helper()
	data, err := block.Encode(opts, entries)
	require.NoError(f.t, err)
	addr, err := f.mgr.Alloc(uint64(len(data)))
	require.NoError(f.t, err)
	require.NoError(f.t, region.WriteAll(f.mgr, addr, data))
	return addr, len(data)
}

// segment writes a sorted segment and publishes it at gen.
func (f *fixture) segment(gen int, opts block.Options, entries ...block.Entry) catalog.Descriptor {
	f.t.Helper()
	addr, n := f.write(opts, entries)
	start, err := keys.Decode(entries[0].Key)
	require.NoError(f.t, err)
	end, err := keys.Decode(entries[len(entries)-1].Key)
	require.NoError(f.t, err)

	d := catalog.NewDescriptor(gen, start, end, f.store.NextUniq(), catalog.Location{
		Addr: addr, Length: uint64(n), Entries: uint32(len(entries)), Format: opts.Format,
	})
	f.publish(d)
	return d
}

func (f *fixture) publish(ds ...catalog.Descriptor) {
	f.t.Helper()
	_, err := f.store.Publish(f.t.Context(), func(*catalog.View) (catalog.Mutation, error) {
		return catalog.Mutation{Added: ds}, nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) get(i int) record.Data {
	f.t.Helper()
	d, err := f.rm.GetRecord(key(i))
	require.NoError(f.t, err)
	return d
}

func (f *fixture) scan(forward bool, opts ReadOptions) []string {
	f.t.Helper()
	var out []string
	fn := func(r Result) bool {
		k, err := keys.Decode(r.Key)
		require.NoError(f.t, err)
		out = append(out, k.String()+"="+r.Data.State.String()+":"+string(r.Data.Value))
		return true
	}
	var err error
	if forward {
		err = f.rm.ScanForward(nil, opts, fn)
	} else {
		err = f.rm.ScanBackward(nil, opts, fn)
	}
	require.NoError(f.t, err)
	return out
}
