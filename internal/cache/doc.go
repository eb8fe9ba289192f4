// Package cache keeps recently read segments in decoded form.
//
// Loading a segment means reading its region and building the block offset
// table; both are skipped on a hit. Entries are charged by their encoded
// size against the cache capacity and, when a resource.Controller is
// supplied, against its memory budget.
//
// ShardedLRUBlockCache splits the budget across independently locked LRU
// shards for concurrent readers. Retired segments are removed with
// Invalidate once their region is freed.
package cache
