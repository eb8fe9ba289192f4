package benchmark_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/genkv"
	"github.com/hupe1980/genkv/testutil"
)

func BenchmarkSet_Sync(b *testing.B) {
	benchmarkSet(b, true)
}

func BenchmarkSet_Async(b *testing.B) {
	benchmarkSet(b, false)
}

func BenchmarkSet_Sync_Parallel(b *testing.B) {
	benchmarkSetParallel(b, genkv.WithSyncWrites(true), genkv.WithGroupCommit(true))
}

func BenchmarkSet_Async_Parallel(b *testing.B) {
	benchmarkSetParallel(b, genkv.WithSyncWrites(false))
}

func benchmarkSet(b *testing.B, sync bool) {
	b.ReportAllocs()
	db := openBench(b, genkv.WithSyncWrites(sync))

	val := testutil.NewRNG(1).Value(valueSize)
	b.SetBytes(valueSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := db.SetValue(benchKey(i), val); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkSetParallel(b *testing.B, opts ...genkv.Option) {
	b.ReportAllocs()
	db := openBench(b, opts...)

	val := testutil.NewRNG(1).Value(valueSize)
	b.SetBytes(valueSize)
	var next atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := db.SetValue(benchKey(int(next.Add(1))), val); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkBatch(b *testing.B) {
	for _, size := range []int{16, 256} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			b.ReportAllocs()
			db := openBench(b)
			val := testutil.NewRNG(1).Value(valueSize)
			batch := genkv.NewBatch()
			b.SetBytes(int64(size * valueSize))

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				batch.Reset()
				for j := range size {
					batch.Set(benchKey(i*size+j), val)
				}
				if err := db.Write(batch); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkAppend_HotKey(b *testing.B) {
	b.ReportAllocs()
	db := openBench(b, genkv.WithSyncWrites(false))
	frag := []byte("fragment")
	k := benchKey(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := db.Append(k, frag); err != nil {
			b.Fatal(err)
		}
		if i%1024 == 1023 {
			if err := db.Delete(k); err != nil {
				b.Fatal(err)
			}
		}
	}
}
