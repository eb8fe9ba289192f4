// Package testutil provides workload helpers for genkv tests and benchmarks.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random source, key and value generators with
// uniform or Zipfian skew, and Model, an in-memory reference store that
// randomized tests compare the database against.
//
// # Random Workloads
//
//	rng := testutil.NewRNG(seed)
//	id := rng.Zipf(10_000, 1.2) // hot keys
//	val := rng.Value(64)
//
// # Reference Model
//
//	m := testutil.NewModel()
//	m.Set(id, val)
//	m.Append(id, []byte("tail"))
//	got, ok := m.Get(id)
package testutil
