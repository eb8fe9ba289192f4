package region

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hupe1980/genkv/internal/errs"
)

// MemoryManager keeps regions on the heap. Contents survive Close and can be
// reopened with Reopen, which lets tests simulate a process restart.
type MemoryManager struct {
	*tracker

	mu      sync.RWMutex
	regions map[uint64][]byte
}

// NewMemoryManager returns an empty in-memory manager that never allocates
// below reserved.
func NewMemoryManager(reserved uint64) *MemoryManager {
	m := &MemoryManager{regions: make(map[uint64][]byte)}
	m.tracker = newTracker(reserved, m.drop)
	return m
}

// Reopen returns a new manager over a snapshot of the current contents.
func (m *MemoryManager) Reopen() *MemoryManager {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := NewMemoryManager(m.reserved)
	for addr, data := range m.regions {
		n.regions[addr] = append([]byte(nil), data...)
		n.extents[addr] = uint64(len(data))
	}
	return n
}

func (m *MemoryManager) drop(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, addr)
	return nil
}

func (m *MemoryManager) get(addr uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.regions[addr]
	return data, ok
}

func (m *MemoryManager) Read(addr uint64) (Reader, error) {
	data, ok := m.get(addr)
	if !ok {
		return nil, fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
	}
	if err := m.acquire(addr); err != nil {
		return nil, err
	}
	return newReader(&memView{m: m, addr: addr}, int64(len(data)), func() error {
		return m.release(addr)
	}), nil
}

func (m *MemoryManager) ReadNonExclusive(addr uint64) (Reader, error) {
	return m.Read(addr)
}

func (m *MemoryManager) WriteFresh(addr, length uint64) (Writer, error) {
	if err := m.beginWrite(addr, length); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.regions[addr] = make([]byte, length)
	m.mu.Unlock()
	return &memWriter{m: m, addr: addr}, nil
}

func (m *MemoryManager) WriteExisting(addr uint64) (Writer, error) {
	if _, ok := m.get(addr); !ok {
		return nil, fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
	}
	if err := m.beginWrite(addr, 0); err != nil {
		return nil, err
	}
	return &memWriter{m: m, addr: addr}, nil
}

func (m *MemoryManager) Dispose(addr uint64) error {
	if _, ok := m.get(addr); !ok {
		return fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
	}
	return m.dispose(addr)
}

func (m *MemoryManager) NotifySafeToFree(addr uint64, fn func(uint64)) {
	m.notify(addr, fn)
}

func (m *MemoryManager) Alloc(size uint64) (uint64, error) {
	return m.alloc(size)
}

func (m *MemoryManager) List() ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint64, 0, len(m.regions))
	for addr := range m.regions {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryManager) Close() error {
	m.close()
	return nil
}

// memView reads the live bytes of a region so that in-place writes are
// visible to open readers, like a shared file mapping.
type memView struct {
	m    *MemoryManager
	addr uint64
}

func (v *memView) ReadAt(p []byte, off int64) (int, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	data := v.m.regions[v.addr]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type memWriter struct {
	m      *MemoryManager
	addr   uint64
	off    int64
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func (w *memWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.closed {
		return 0, errs.ErrClosed
	}
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	data, ok := w.m.regions[w.addr]
	if !ok {
		return 0, fmt.Errorf("region %#x: %w", w.addr, errs.ErrNotFound)
	}
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return 0, fmt.Errorf("write [%d,%d) past region %#x of %d bytes: %w",
			off, off+int64(len(p)), w.addr, len(data), errs.ErrCapacity)
	}
	return copy(data[off:], p), nil
}

func (w *memWriter) Sync() error {
	if w.closed {
		return errs.ErrClosed
	}
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}
