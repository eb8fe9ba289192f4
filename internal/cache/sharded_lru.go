package cache

import (
	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/resource"
)

// MaxShards bounds the shard count of a ShardedLRUBlockCache.
const MaxShards = 64

// ShardedLRUBlockCache spreads entries over independent LRU shards to
// reduce lock contention between concurrent readers.
type ShardedLRUBlockCache struct {
	shards []*LRUBlockCache
}

// NewShardedLRUBlockCache divides capacity evenly across shards. Every
// entry must fit into one shard, so callers caching large segments should
// pick a shard count with capacity/shards above the largest segment.
func NewShardedLRUBlockCache(capacity int64, shards int, rc *resource.Controller) *ShardedLRUBlockCache {
	shards = max(1, min(shards, MaxShards))
	shardCapacity := max(capacity/int64(shards), 1)

	s := &ShardedLRUBlockCache{shards: make([]*LRUBlockCache, shards)}
	for i := range s.shards {
		s.shards[i] = NewLRUBlockCache(shardCapacity, rc)
	}
	return s
}

// shard picks a shard with the splitmix64 finalizer over the address.
// Regions are aligned, so the low bits alone would cluster.
func (s *ShardedLRUBlockCache) shard(key Key) *LRUBlockCache {
	x := key.Addr ^ uint64(key.Kind)<<56
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return s.shards[x%uint64(len(s.shards))]
}

// Get returns a cached decoder.
func (s *ShardedLRUBlockCache) Get(key Key) (block.Decoder, bool) {
	return s.shard(key).Get(key)
}

// Set caches a decoder.
func (s *ShardedLRUBlockCache) Set(key Key, d block.Decoder, size int64) {
	s.shard(key).Set(key, d, size)
}

// Invalidate removes entries matching the predicate from every shard.
func (s *ShardedLRUBlockCache) Invalidate(predicate func(key Key) bool) {
	for _, sh := range s.shards {
		sh.Invalidate(predicate)
	}
}

// Close closes all shards.
func (s *ShardedLRUBlockCache) Close() error {
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns aggregated hit/miss statistics.
func (s *ShardedLRUBlockCache) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total size across all shards.
func (s *ShardedLRUBlockCache) Size() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}

// ShardStats describes one shard.
type ShardStats struct {
	Size    int64
	Entries int
	Hits    int64
	Misses  int64
}

// ShardStats returns per-shard statistics.
func (s *ShardedLRUBlockCache) ShardStats() []ShardStats {
	out := make([]ShardStats, len(s.shards))
	for i, sh := range s.shards {
		h, m := sh.Stats()
		out[i] = ShardStats{Size: sh.Size(), Entries: sh.Len(), Hits: h, Misses: m}
	}
	return out
}

var (
	_ BlockCache = (*LRUBlockCache)(nil)
	_ BlockCache = (*ShardedLRUBlockCache)(nil)
)
