package benchmark_test

import (
	"testing"

	"github.com/hupe1980/genkv"
	"github.com/hupe1980/genkv/testutil"
)

const preloadKeys = 50_000

func BenchmarkGet_Uniform(b *testing.B) {
	benchmarkGet(b, 0)
}

func BenchmarkGet_Zipf(b *testing.B) {
	benchmarkGet(b, 1.1)
}

func benchmarkGet(b *testing.B, skew float64) {
	b.ReportAllocs()
	db := openBench(b)
	preload(b, db, preloadKeys)

	rng := testutil.NewRNG(2)
	ids := make([]int, 4096)
	for i := range ids {
		if skew > 0 {
			ids[i] = rng.Zipf(preloadKeys, skew)
		} else {
			ids[i] = rng.Intn(preloadKeys)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Get(benchKey(ids[i%len(ids)])); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet_Parallel(b *testing.B) {
	b.ReportAllocs()
	db := openBench(b)
	preload(b, db, preloadKeys)
	rng := testutil.NewRNG(3)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := db.Get(benchKey(rng.Intn(preloadKeys))); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkFindNext(b *testing.B) {
	b.ReportAllocs()
	db := openBench(b)
	preload(b, db, preloadKeys)
	rng := testutil.NewRNG(4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.FindNext(benchKey(rng.Intn(preloadKeys-1)), false); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScan(b *testing.B) {
	for _, forward := range []bool{true, false} {
		name := "Forward"
		if !forward {
			name = "Backward"
		}
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			db := openBench(b)
			preload(b, db, preloadKeys)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				n := 0
				visit := func(genkv.Record) bool {
					n++
					return n < 1000
				}
				var err error
				if forward {
					err = db.ScanForward(genkv.Key{}, visit)
				} else {
					err = db.ScanBackward(genkv.Key{}, visit)
				}
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
