package cache

import (
	"github.com/hupe1980/genkv/internal/block"
)

// Kind separates the key spaces of the cache.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSegment      // generation data segment
	KindRoot         // root segment holding the .ROOT subtree
)

// Key identifies one immutable segment. Regions are never rewritten in
// place while referenced, so the address alone is stable for the lifetime
// of the entry.
type Key struct {
	Kind Kind
	Addr uint64
}

// BlockCache holds decoded segment blocks. Decoders are immutable and safe
// to share between readers.
type BlockCache interface {
	// Get returns a cached decoder. ok=false if missing.
	Get(key Key) (d block.Decoder, ok bool)
	// Set caches a decoder charged at size bytes.
	Set(key Key, d block.Decoder, size int64)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	// Close drops every entry and returns its memory to the controller.
	Close() error
	// Stats returns hit and miss counts.
	Stats() (hits, misses int64)
	// Size returns the bytes currently charged.
	Size() int64
}
