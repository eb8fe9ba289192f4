package benchmark_test

import (
	"testing"
	"time"

	"github.com/hupe1980/genkv"
	"github.com/hupe1980/genkv/testutil"
)

const valueSize = 128

func benchKey(id int) genkv.Key {
	return genkv.NewKey(genkv.String("bench"), genkv.Int(int64(id)))
}

func openBench(b *testing.B, opts ...genkv.Option) *genkv.DB {
	b.Helper()
	db, err := genkv.Open(b.TempDir(), append([]genkv.Option{
		genkv.WithLogSegments(4, 1<<20),
		genkv.WithFlushTimeout(30 * time.Second),
	}, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db
}

// preload writes n keys in batches and flushes them into segments.
func preload(b *testing.B, db *genkv.DB, n int) {
	b.Helper()
	rng := testutil.NewRNG(1)
	batch := genkv.NewBatch()
	for i := range n {
		batch.Set(benchKey(i), rng.Value(valueSize))
		if batch.Len() == 256 {
			if err := db.Write(batch); err != nil {
				b.Fatal(err)
			}
			batch.Reset()
		}
	}
	if err := db.Write(batch); err != nil {
		b.Fatal(err)
	}
	if err := db.Flush(b.Context()); err != nil {
		b.Fatal(err)
	}
}
