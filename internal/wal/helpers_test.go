package wal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/genkv/internal/region"
	"github.com/stretchr/testify/require"
)

// abandon simulates a crash: buffered commands are dropped, nothing flushes.
func (l *Log) abandon() {
	_ = l.shutdown(false)
}

type recorder struct {
	mu         sync.Mutex
	seqs       []uint64
	cmds       []Command
	payloads   []string
	extend     bool
	extensions int
	used, free uint64
}

func (r *recorder) HandleCommand(seq uint64, cmd Command, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.cmds = append(r.cmds, cmd)
	r.payloads = append(r.payloads, string(payload))
}

func (r *recorder) RequestLogExtension() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions++
	return r.extend
}

func (r *recorder) LogStatusChange(used, free uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used, r.free = used, free
}

func (r *recorder) updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, c := range r.cmds {
		if c == CommandUpdate {
			out = append(out, r.payloads[i])
		}
	}
	return out
}

func testOptions(count int, size uint64) Options {
	opts := DefaultOptions()
	opts.SegmentCount = count
	opts.SegmentSize = size
	opts.FlushTimeout = 5 * time.Second
	return opts
}

func newMemory(opts Options) *region.MemoryManager {
	return region.NewMemoryManager(ReservedBytes(opts.SegmentCount, opts.SegmentSize))
}

// marker is a fixed-width payload so every record has the same size.
func marker(i int) string { return fmt.Sprintf("m-%05d", i) }

func addN(t *testing.T, l *Log, from, n int) uint64 {
	t.Helper()
	var seq uint64
	for i := from; i < from+n; i++ {
		var err error
		seq, err = l.AddCommand(CommandUpdate, []byte(marker(i)))
		require.NoError(t, err)
	}
	return seq
}

// stallManager blocks Sync on every log writer while stalled is set. A
// non-nil entered receives a value each time a Sync starts to wait.
type stallManager struct {
	*region.MemoryManager
	stalled atomic.Bool
	gate    chan struct{}
	entered chan struct{}
}

func (m *stallManager) WriteFresh(addr, length uint64) (region.Writer, error) {
	w, err := m.MemoryManager.WriteFresh(addr, length)
	if err != nil {
		return nil, err
	}
	return &stallWriter{Writer: w, m: m}, nil
}

func (m *stallManager) WriteExisting(addr uint64) (region.Writer, error) {
	w, err := m.MemoryManager.WriteExisting(addr)
	if err != nil {
		return nil, err
	}
	return &stallWriter{Writer: w, m: m}, nil
}

type stallWriter struct {
	region.Writer
	m *stallManager
}

func (w *stallWriter) Sync() error {
	if w.m.stalled.Load() {
		select {
		case w.m.entered <- struct{}{}:
		default:
		}
		<-w.m.gate
	}
	return w.Writer.Sync()
}
