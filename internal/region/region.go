package region

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hupe1980/genkv/internal/errs"
)

// Alignment is the granularity of allocated extents.
const Alignment = 4096

// ErrBusy is returned when a region with open readers or a pending dispose is
// opened for writing.
var ErrBusy = errors.New("region busy")

// Reader reads one region. Each Reader owns its cursor.
type Reader interface {
	io.Reader
	io.ReaderAt
	io.Closer
	Size() int64
}

// Writer writes one region. Writes past the region's length fail with
// errs.ErrCapacity.
type Writer interface {
	io.Writer
	io.WriterAt
	io.Closer
	Sync() error
}

// Manager is the region manager contract.
type Manager interface {
	// Read opens an exclusive reader over addr.
	Read(addr uint64) (Reader, error)
	// ReadNonExclusive opens a reader that may share its bytes with other
	// readers of the same region.
	ReadNonExclusive(addr uint64) (Reader, error)
	// WriteFresh creates or replaces addr with a zeroed region of length bytes.
	WriteFresh(addr, length uint64) (Writer, error)
	// WriteExisting opens addr for in-place writes within its current length.
	WriteExisting(addr uint64) (Writer, error)
	// Dispose releases addr once every reader is closed.
	Dispose(addr uint64) error
	// NotifySafeToFree calls fn once addr has no open readers.
	NotifySafeToFree(addr uint64, fn func(addr uint64))
	// Alloc reserves an unused extent of at least size bytes.
	Alloc(size uint64) (uint64, error)
	// List returns the addresses of every stored region in ascending order.
	List() ([]uint64, error)
	Close() error
}

// Size returns the length of the region at addr.
func Size(m Manager, addr uint64) (int64, error) {
	r, err := m.Read(addr)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.Size(), nil
}

// ReadAll copies a whole region onto the heap.
func ReadAll(m Manager, addr uint64) ([]byte, error) {
	r, err := m.ReadNonExclusive(addr)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, r.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read region %#x: %w", addr, err)
	}
	return buf, nil
}

// WriteAll stores data as a fresh region at addr and syncs it.
func WriteAll(m Manager, addr uint64, data []byte) (err error) {
	w, err := m.WriteFresh(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = w.Write(data); err != nil {
		return err
	}
	return w.Sync()
}

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// tracker holds the bookkeeping shared by every Manager: reader counts,
// deferred disposal, safe-to-free callbacks and extent allocation.
type tracker struct {
	mu       sync.Mutex
	readers  map[uint64]int
	pending  map[uint64]struct{}
	waiters  map[uint64][]func(uint64)
	extents  map[uint64]uint64
	reserved uint64
	closed   bool

	remove func(addr uint64) error
}

func newTracker(reserved uint64, remove func(uint64) error) *tracker {
	return &tracker{
		readers:  make(map[uint64]int),
		pending:  make(map[uint64]struct{}),
		waiters:  make(map[uint64][]func(uint64)),
		extents:  make(map[uint64]uint64),
		reserved: reserved,
		remove:   remove,
	}
}

func (t *tracker) acquire(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errs.ErrClosed
	}
	if _, ok := t.pending[addr]; ok {
		return fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
	}
	t.readers[addr]++
	return nil
}

func (t *tracker) release(addr uint64) error {
	t.mu.Lock()
	t.readers[addr]--
	if t.readers[addr] > 0 {
		t.mu.Unlock()
		return nil
	}
	delete(t.readers, addr)

	_, disposed := t.pending[addr]
	t.mu.Unlock()

	if disposed {
		return t.finish(addr)
	}
	t.fire(addr)
	return nil
}

// beginWrite reserves addr for writing and records its extent.
func (t *tracker) beginWrite(addr, length uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errs.ErrClosed
	}
	if _, ok := t.pending[addr]; ok {
		return fmt.Errorf("region %#x: %w", addr, ErrBusy)
	}
	if t.readers[addr] > 0 {
		return fmt.Errorf("region %#x: %w", addr, ErrBusy)
	}
	if length > t.extents[addr] {
		t.extents[addr] = length
	}
	return nil
}

func (t *tracker) dispose(addr uint64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errs.ErrClosed
	}
	if _, ok := t.pending[addr]; ok {
		t.mu.Unlock()
		return nil
	}
	t.pending[addr] = struct{}{}
	busy := t.readers[addr] > 0
	t.mu.Unlock()

	if busy {
		return nil
	}
	return t.finish(addr)
}

func (t *tracker) finish(addr uint64) error {
	err := t.remove(addr)

	t.mu.Lock()
	delete(t.pending, addr)
	delete(t.extents, addr)
	t.mu.Unlock()

	t.fire(addr)
	return err
}

func (t *tracker) fire(addr uint64) {
	t.mu.Lock()
	fns := t.waiters[addr]
	delete(t.waiters, addr)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(addr)
	}
}

func (t *tracker) notify(addr uint64, fn func(uint64)) {
	t.mu.Lock()
	if t.readers[addr] > 0 {
		t.waiters[addr] = append(t.waiters[addr], fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(addr)
}

// alloc returns the first aligned gap of at least size bytes above the
// reserved prefix and records it as used.
func (t *tracker) alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc of zero bytes: %w", errs.ErrInvalidArgument)
	}
	size = alignUp(size)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, errs.ErrClosed
	}

	addrs := make([]uint64, 0, len(t.extents))
	for a := range t.extents {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	cursor := alignUp(t.reserved)
	for _, a := range addrs {
		end := alignUp(a + t.extents[a])
		if end <= cursor {
			continue
		}
		if a >= cursor && a-cursor >= size {
			break
		}
		cursor = end
	}

	t.extents[cursor] = size
	return cursor, nil
}

func (t *tracker) close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

// readerAt adapts a ReaderAt of known size into a Reader with its own cursor
// and a release hook.
type readerAt struct {
	*io.SectionReader
	release func() error
	once    sync.Once
	err     error
}

func newReader(src io.ReaderAt, size int64, release func() error) *readerAt {
	return &readerAt{
		SectionReader: io.NewSectionReader(src, 0, size),
		release:       release,
	}
}

func (r *readerAt) Close() error {
	r.once.Do(func() { r.err = r.release() })
	return r.err
}
