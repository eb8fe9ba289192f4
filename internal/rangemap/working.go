package rangemap

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/record"
)

// entryOverhead approximates the per-entry bookkeeping of the skipmap.
const entryOverhead = 48

// WorkingSegment is the in-memory segment receiving new updates. Updates to
// the same key are folded with record.Combine, so each key holds exactly one
// update.
//
// Apply must not be called concurrently; the log serializes it. Reads are
// safe at any time.
type WorkingSegment struct {
	m *skipmap.FuncMap[[]byte, record.Update]

	size    atomic.Int64
	version atomic.Uint64

	snapMu      sync.Mutex
	snap        []block.Entry
	snapVersion uint64
	snapValid   bool

	// checkpoint is the log sequence number of the CHECKPOINT_START that
	// froze the segment, zero while it is active.
	checkpoint uint64
}

// NewWorkingSegment returns an empty working segment.
func NewWorkingSegment() *WorkingSegment {
	return &WorkingSegment{
		m: skipmap.NewFunc[[]byte, record.Update](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Checkpoint returns the sequence number of the checkpoint that froze w.
func (w *WorkingSegment) Checkpoint() uint64 { return w.checkpoint }

// Apply folds u into the update stored for key. Both are copied.
func (w *WorkingSegment) Apply(key []byte, u record.Update) {
	k := append([]byte(nil), key...)
	if u.Value != nil {
		u.Value = append([]byte(nil), u.Value...)
	}

	delta := int64(len(k) + len(u.Value) + entryOverhead)
	if old, ok := w.m.Load(k); ok {
		u = record.Combine(old, u)
		delta = int64(len(u.Value) - len(old.Value))
	}
	w.m.Store(k, u)
	w.size.Add(delta)
	w.version.Add(1)
}

// Get returns the update stored for key.
func (w *WorkingSegment) Get(key []byte) (record.Update, bool) {
	return w.m.Load(key)
}

// Len returns the number of keys.
func (w *WorkingSegment) Len() int { return w.m.Len() }

// Size returns the approximate memory held by the segment.
func (w *WorkingSegment) Size() int64 { return w.size.Load() }

// Entries returns the segment's contents sorted by key. The snapshot is
// cached until the next Apply and must not be modified.
func (w *WorkingSegment) Entries() []block.Entry {
	v := w.version.Load()

	w.snapMu.Lock()
	defer w.snapMu.Unlock()
	if w.snapValid && w.snapVersion == v {
		return w.snap
	}

	out := make([]block.Entry, 0, w.m.Len())
	w.m.Range(func(k []byte, u record.Update) bool {
		out = append(out, block.Entry{Key: k, Update: u})
		return true
	})
	w.snap, w.snapVersion, w.snapValid = out, v, true
	return out
}

// Split separates user records from records of the reserved .ROOT subtree.
func (w *WorkingSegment) Split() (user, root []block.Entry) {
	for _, e := range w.Entries() {
		if catalog.IsCatalogKey(e.Key) {
			root = append(root, e)
		} else {
			user = append(user, e)
		}
	}
	return user, root
}

// findEntry is FindNext/FindPrev over a sorted entry slice. A nil key starts
// at the respective end.
func findEntry(entries []block.Entry, key []byte, equalOK, forward bool) (block.Entry, bool) {
	if forward {
		i := 0
		if key != nil {
			i = sort.Search(len(entries), func(i int) bool {
				c := bytes.Compare(entries[i].Key, key)
				return c > 0 || (equalOK && c == 0)
			})
		}
		if i < len(entries) {
			return entries[i], true
		}
		return block.Entry{}, false
	}

	i := len(entries) - 1
	if key != nil {
		i = sort.Search(len(entries), func(i int) bool {
			c := bytes.Compare(entries[i].Key, key)
			return c > 0 || (!equalOK && c == 0)
		}) - 1
	}
	if i >= 0 {
		return entries[i], true
	}
	return block.Entry{}, false
}
