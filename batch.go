package genkv

import (
	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/record"
)

// Batch collects updates that DB.Write applies atomically. A Batch is not
// safe for concurrent use.
type Batch struct {
	entries []block.Entry
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set stores value under key.
func (b *Batch) Set(key Key, value []byte) *Batch {
	return b.add(key, record.Full(value))
}

// Append appends fragment to the value under key.
func (b *Batch) Append(key Key, fragment []byte) *Batch {
	return b.add(key, record.Partial(fragment))
}

// Delete removes key.
func (b *Batch) Delete(key Key) *Batch {
	return b.add(key, record.Tombstone())
}

func (b *Batch) add(key Key, u record.Update) *Batch {
	b.entries = append(b.entries, block.Entry{Key: key.Encode(), Update: u})
	return b
}

// Len returns the number of updates in b.
func (b *Batch) Len() int { return len(b.entries) }

// Reset empties b for reuse.
func (b *Batch) Reset() { b.entries = b.entries[:0] }
