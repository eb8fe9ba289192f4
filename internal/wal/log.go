package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/region"
)

// Receiver is the authoritative owner of the state the log protects.
//
// Every method is invoked with the log's mutex held and must not call back
// into the Log.
type Receiver interface {
	// HandleCommand applies a command. It is called for every appended
	// command, and by Open for every replayed UPDATE and CHECKPOINT_START.
	// The payload must be copied if retained.
	HandleCommand(seq uint64, cmd Command, payload []byte)
	// RequestLogExtension is called when no empty segment is left. Returning
	// true lets the log allocate another segment.
	RequestLogExtension() bool
	// LogStatusChange reports the bytes held by non-empty and empty segments.
	LogStatusChange(used, free uint64)
}

// SegmentState is the lifecycle state of one log segment.
type SegmentState uint8

const (
	SegmentEmpty SegmentState = iota
	SegmentActive
	SegmentFull
)

func (s SegmentState) String() string {
	switch s {
	case SegmentEmpty:
		return "EMPTY"
	case SegmentActive:
		return "ACTIVE"
	case SegmentFull:
		return "FULL"
	default:
		return fmt.Sprintf("SegmentState(%d)", uint8(s))
	}
}

type segment struct {
	extent segmentExtent
	state  SegmentState

	firstSeq uint64
	lastSeq  uint64
	records  int

	used    int64 // bytes appended, pending included
	flushed int64 // bytes handed to w
	pending []byte

	w region.Writer
}

func (s *segment) addr() uint64 { return uint64(s.extent.Start) }
func (s *segment) size() int64  { return int64(s.extent.Size) }

func (s *segment) reset() {
	s.firstSeq, s.lastSeq, s.records = 0, 0, 0
	s.used, s.flushed = 0, 0
	s.pending = nil
}

// Log is the write-ahead log.
type Log struct {
	mgr    region.Manager
	recv   Receiver
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	segments      []*segment
	active        *segment
	dirty         []*segment
	nextSeq       uint64
	durableSeq    uint64
	checkpointing bool
	debugSegments bool
	failed        error
	closed        bool
	released      bool
	round         chan struct{}

	flushMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	fresh    bool
	replayed int

	onGroupCommit func(batch int, d time.Duration)
}

// Open opens the log stored in mgr, creating it when address 0 holds no root
// block. An existing log is resumed: every UPDATE after the last completed
// checkpoint is replayed into recv before Open returns.
func Open(mgr region.Manager, recv Receiver, opts Options) (*Log, error) {
	opts.fill()

	l := &Log{
		mgr:     mgr,
		recv:    recv,
		opts:    opts,
		logger:  opts.Logger,
		nextSeq: 1,
		round:   make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	root, err := region.ReadAll(mgr, 0)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		err = l.create()
	case err != nil:
		err = fmt.Errorf("read root block: %w", err)
	default:
		err = l.resume(root)
	}
	if err != nil {
		l.closeWriters()
		return nil, err
	}

	if opts.GroupCommit {
		go l.runFlusher()
	} else {
		close(l.done)
	}

	l.mu.Lock()
	l.reportStatusLocked()
	l.mu.Unlock()

	return l, nil
}

// OnGroupCommit registers a callback invoked after every physical flush with
// the number of commands it made durable.
func (l *Log) OnGroupCommit(fn func(batch int, d time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onGroupCommit = fn
}

func (l *Log) create() error {
	size := l.opts.SegmentSize
	if size > math.MaxUint32 || ReservedBytes(l.opts.SegmentCount, size) > math.MaxUint32 {
		return fmt.Errorf("log geometry %d x %d exceeds 32-bit addresses: %w",
			l.opts.SegmentCount, size, errs.ErrInvalidArgument)
	}
	if l.opts.SegmentCount > MaxSegments {
		return fmt.Errorf("%d log segments: %w", l.opts.SegmentCount, errs.ErrInvalidArgument)
	}

	extents := make([]segmentExtent, l.opts.SegmentCount)
	for i := range extents {
		extents[i] = segmentExtent{
			Start: uint32(RootBlockSize + uint64(i)*size),
			Size:  uint32(size),
		}
		seg, err := l.freshSegment(extents[i])
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}

	// The root block goes last: a crash before this point leaves no log.
	root, err := encodeRoot(extents)
	if err != nil {
		return err
	}
	if err := region.WriteAll(l.mgr, 0, root); err != nil {
		return fmt.Errorf("write root block: %w", err)
	}

	l.fresh = true
	l.logger.Info("log created", "segments", len(extents), "segment_size", size)
	return nil
}

func (l *Log) freshSegment(e segmentExtent) (*segment, error) {
	w, err := l.mgr.WriteFresh(uint64(e.Start), uint64(e.Size))
	if err != nil {
		return nil, fmt.Errorf("create log segment %#x: %w", e.Start, err)
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("sync log segment %#x: %w", e.Start, err)
	}
	return &segment{extent: e, w: w}, nil
}

func (l *Log) resume(root []byte) error {
	extents, err := decodeRoot(root)
	if err != nil {
		return err
	}

	type scanned struct {
		seg  *segment
		recs []Record
	}
	scans := make([]scanned, 0, len(extents))

	var maxSeq, start uint64
	var dropSeq uint64
	for _, e := range extents {
		data, err := region.ReadAll(l.mgr, uint64(e.Start))
		if err != nil {
			return fmt.Errorf("read log segment %#x: %v: %w", e.Start, err, errs.ErrCorrupt)
		}
		if len(data) != int(e.Size) {
			return fmt.Errorf("log segment %#x has %d bytes, root block says %d: %w",
				e.Start, len(data), e.Size, errs.ErrCorrupt)
		}

		recs, end := scanSegment(data)
		seg := &segment{extent: e, used: int64(end), flushed: int64(end), records: len(recs)}
		if len(recs) > 0 {
			seg.firstSeq = recs[0].Seq
			seg.lastSeq = recs[len(recs)-1].Seq
			maxSeq = max(maxSeq, seg.lastSeq)
		}
		for _, r := range recs {
			if r.Command != CommandCheckpointDrop || r.Seq < dropSeq {
				continue
			}
			if len(r.Payload) != 8 {
				return fmt.Errorf("checkpoint drop %d has %d byte payload: %w", r.Seq, len(r.Payload), errs.ErrCorrupt)
			}
			dropSeq = r.Seq
			start = binary.LittleEndian.Uint64(r.Payload)
		}

		l.segments = append(l.segments, seg)
		scans = append(scans, scanned{seg: seg, recs: recs})
	}

	var replay []Record
	for _, s := range scans {
		for _, r := range s.recs {
			if r.Seq > start {
				replay = append(replay, r)
			}
		}
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].Seq < replay[j].Seq })

	keep := len(replay)
	for i, r := range replay {
		if want := start + 1 + uint64(i); r.Seq != want {
			if l.opts.Recovery != RecoveryTruncate {
				return fmt.Errorf("log sequence gap: expected %d, found %d: %w", want, r.Seq, errs.ErrCorrupt)
			}
			l.logger.Warn("log truncated at sequence gap", "expected", want, "found", r.Seq,
				"discarded", len(replay)-i)
			keep = i
			break
		}
	}

	lastKept := start
	if keep > 0 {
		lastKept = replay[keep-1].Seq
	}
	if keep == len(replay) {
		lastKept = max(lastKept, maxSeq)
	}

	for _, s := range l.segments {
		w, err := l.mgr.WriteExisting(s.addr())
		if err != nil {
			return fmt.Errorf("open log segment %#x: %w", s.addr(), err)
		}
		s.w = w
	}

	// Assign states. Segments wholly before the checkpoint start, or wholly
	// after a truncation point, are free.
	for _, s := range l.segments {
		switch {
		case s.records == 0 || s.lastSeq < start:
			s.state = SegmentEmpty
		case s.firstSeq > lastKept:
			s.state = SegmentEmpty
			if err := l.zeroFrom(s, 0); err != nil {
				return err
			}
		default:
			s.state = SegmentFull
			if l.active == nil || s.lastSeq > l.active.lastSeq {
				l.active = s
			}
		}
		if s.state == SegmentEmpty {
			s.reset()
		}
	}
	if l.active != nil {
		l.active.state = SegmentActive
		if err := l.zeroFrom(l.active, l.active.used); err != nil {
			return err
		}
	}

	for _, r := range replay[:keep] {
		switch r.Command {
		case CommandUpdate:
			l.recv.HandleCommand(r.Seq, r.Command, r.Payload)
			l.replayed++
		case CommandCheckpointStart:
			// An unfinished checkpoint: the receiver decides whether the
			// state before it already reached durable storage.
			l.recv.HandleCommand(r.Seq, r.Command, nil)
		}
	}

	l.nextSeq = lastKept + 1
	l.durableSeq = lastKept

	l.logger.Info("log resumed", "segments", len(l.segments), "checkpoint", start,
		"replayed", l.replayed, "next_seq", l.nextSeq)
	return nil
}

// zeroFrom clears a segment from off to its end so no stale record can
// follow the records written next.
func (l *Log) zeroFrom(s *segment, off int64) error {
	if off >= s.size() {
		return nil
	}
	if _, err := s.w.WriteAt(make([]byte, s.size()-off), off); err != nil {
		return fmt.Errorf("clear log segment %#x: %w", s.addr(), err)
	}
	return s.w.Sync()
}

// Fresh reports whether Open created a new log.
func (l *Log) Fresh() bool { return l.fresh }

// Replayed returns the number of UPDATE commands replayed by Open.
func (l *Log) Replayed() int { return l.replayed }

// SetDebugLogSegments makes every UPDATE start a new segment.
func (l *Log) SetDebugLogSegments(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugSegments = on
}

func (l *Log) usableLocked() error {
	if l.closed {
		return errs.ErrClosed
	}
	return l.failed
}

// AddCommand appends a command, dispatches it to the receiver and returns its
// sequence number. The command is durable once FlushPendingCommandsThrough
// returns for that number.
func (l *Log) AddCommand(cmd Command, payload []byte) (uint64, error) {
	if cmd != CommandUpdate {
		return 0, fmt.Errorf("%s is written by the checkpoint protocol: %w", cmd, errs.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usableLocked(); err != nil {
		return 0, err
	}
	return l.appendLocked(cmd, payload)
}

func (l *Log) appendLocked(cmd Command, payload []byte) (uint64, error) {
	size := int64(recordHeaderSize + len(payload))
	if size > int64(l.opts.SegmentSize) {
		return 0, fmt.Errorf("log record of %d bytes exceeds segment size %d: %w",
			size, l.opts.SegmentSize, errs.ErrInvalidArgument)
	}

	seg := l.active
	rotate := seg == nil || seg.used+size > seg.size() ||
		(l.debugSegments && cmd == CommandUpdate && seg.records > 0)

	if rotate {
		next, err := l.nextSegmentLocked(cmd)
		if err != nil {
			return 0, err
		}
		if seg != nil {
			seg.state = SegmentFull
		}
		next.reset()
		next.state = SegmentActive
		l.active, seg = next, next
	}

	seq := l.nextSeq
	l.nextSeq++

	seg.pending = appendRecord(seg.pending, Record{Seq: seq, Command: cmd, Payload: payload})
	if seg.records == 0 {
		seg.firstSeq = seq
	}
	seg.lastSeq = seq
	seg.records++
	seg.used += size
	if n := len(l.dirty); n == 0 || l.dirty[n-1] != seg {
		l.dirty = append(l.dirty, seg)
	}

	l.recv.HandleCommand(seq, cmd, payload)

	if rotate {
		l.reportStatusLocked()
	}
	return seq, nil
}

// nextSegmentLocked picks the segment to rotate into. Outside a checkpoint an
// UPDATE may not take the last empty segment, which stays reserved for the
// checkpoint records that free the others.
func (l *Log) nextSegmentLocked(cmd Command) (*segment, error) {
	var empty []*segment
	for _, s := range l.segments {
		if s.state == SegmentEmpty {
			empty = append(empty, s)
		}
	}

	need := 1
	if cmd == CommandUpdate && !l.checkpointing {
		need = 2
	}
	if len(empty) >= need {
		return empty[0], nil
	}

	if !l.recv.RequestLogExtension() {
		return nil, fmt.Errorf("log full with %d segments and extension refused: %w",
			len(l.segments), errs.ErrCapacity)
	}
	return l.extendLocked()
}

func (l *Log) extendLocked() (*segment, error) {
	if len(l.segments) >= MaxSegments {
		return nil, fmt.Errorf("log already has %d segments: %w", len(l.segments), errs.ErrCapacity)
	}

	size := l.opts.SegmentSize
	addr, err := l.mgr.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate log segment: %w", err)
	}
	if addr+size > math.MaxUint32 {
		return nil, fmt.Errorf("log segment at %#x beyond 32-bit addresses: %w", addr, errs.ErrCapacity)
	}

	e := segmentExtent{Start: uint32(addr), Size: uint32(size)}
	seg, err := l.freshSegment(e)
	if err != nil {
		return nil, err
	}

	extents := make([]segmentExtent, 0, len(l.segments)+1)
	for _, s := range l.segments {
		extents = append(extents, s.extent)
	}
	extents = append(extents, e)

	if err := l.writeRoot(extents); err != nil {
		_ = seg.w.Close()
		_ = l.mgr.Dispose(addr)
		return nil, err
	}

	l.segments = append(l.segments, seg)
	l.logger.Info("log extended", "segments", len(l.segments), "addr", addr)
	return seg, nil
}

func (l *Log) writeRoot(extents []segmentExtent) error {
	root, err := encodeRoot(extents)
	if err != nil {
		return err
	}
	w, err := l.mgr.WriteExisting(0)
	if err != nil {
		return fmt.Errorf("open root block: %w", err)
	}
	if _, err := w.WriteAt(root, 0); err != nil {
		_ = w.Close()
		return fmt.Errorf("write root block: %w", err)
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return fmt.Errorf("sync root block: %w", err)
	}
	return w.Close()
}

// CheckpointStart writes CHECKPOINT_START and returns its sequence number.
// The receiver sees the command before CheckpointStart returns, so it can
// capture exactly the state preceding it.
func (l *Log) CheckpointStart() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usableLocked(); err != nil {
		return 0, err
	}
	if l.checkpointing {
		return 0, fmt.Errorf("checkpoint already in progress: %w", errs.ErrInvalidArgument)
	}

	l.checkpointing = true
	seq, err := l.appendLocked(CommandCheckpointStart, nil)
	if err != nil {
		l.checkpointing = false
		return 0, err
	}
	return seq, nil
}

// CheckpointDrop declares everything before the CHECKPOINT_START with
// sequence number start durable elsewhere. It writes CHECKPOINT_DROP, waits
// until it is durable and then frees every full segment that lies wholly
// before start.
func (l *Log) CheckpointDrop(start uint64) error {
	payload := binary.LittleEndian.AppendUint64(nil, start)

	l.mu.Lock()
	if err := l.usableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if !l.checkpointing {
		l.mu.Unlock()
		return fmt.Errorf("no checkpoint in progress: %w", errs.ErrInvalidArgument)
	}
	seq, err := l.appendLocked(CommandCheckpointDrop, payload)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if err := l.FlushPendingCommandsThrough(seq); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	freed := 0
	for _, s := range l.segments {
		if s.state == SegmentFull && s.lastSeq < start {
			s.state = SegmentEmpty
			s.reset()
			freed++
		}
	}
	l.checkpointing = false
	l.reportStatusLocked()

	l.logger.Debug("checkpoint dropped", "start", start, "drop", seq, "freed_segments", freed)
	return nil
}

// CheckpointAbort ends a checkpoint without writing CHECKPOINT_DROP. Nothing
// is freed; a later checkpoint covers the same records.
func (l *Log) CheckpointAbort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpointing = false
}

// FlushPendingCommands blocks until every appended command is durable.
func (l *Log) FlushPendingCommands() error {
	l.mu.Lock()
	seq := l.nextSeq - 1
	l.mu.Unlock()
	return l.FlushPendingCommandsThrough(seq)
}

// FlushPendingCommandsThrough blocks until the command with sequence number
// seq and every earlier one is durable. With group commit the wait is bounded
// by Options.FlushTimeout; exceeding it fails the log permanently.
func (l *Log) FlushPendingCommandsThrough(seq uint64) error {
	timer := time.NewTimer(l.opts.FlushTimeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if l.failed != nil {
			err := l.failed
			l.mu.Unlock()
			return err
		}
		if l.durableSeq >= seq {
			l.mu.Unlock()
			return nil
		}
		if l.closed {
			l.mu.Unlock()
			return errs.ErrClosed
		}
		if seq >= l.nextSeq {
			l.mu.Unlock()
			return fmt.Errorf("sequence %d not yet assigned: %w", seq, errs.ErrInvalidArgument)
		}
		round := l.round
		l.mu.Unlock()

		if !l.opts.GroupCommit {
			if err := l.flushRound(); err != nil {
				return err
			}
			continue
		}

		select {
		case l.kick <- struct{}{}:
		default:
		}

		select {
		case <-round:
		case <-timer.C:
			err := fmt.Errorf("flush through %d not durable after %s: %w", seq, l.opts.FlushTimeout, errs.ErrTimeout)
			l.mu.Lock()
			l.failLocked(err)
			l.mu.Unlock()
			l.logger.Error("log flush timed out", "seq", seq, "error", err)
			return err
		}
	}
}

type pendingWrite struct {
	seg  *segment
	off  int64
	data []byte
}

// flushRound writes and syncs everything appended so far, one segment after
// the other in append order, then releases the waiters of the round.
func (l *Log) flushRound() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.failed != nil {
		err := l.failed
		l.mu.Unlock()
		return err
	}
	if l.released {
		l.mu.Unlock()
		return errs.ErrClosed
	}
	target := l.nextSeq - 1
	prev := l.durableSeq
	if target <= prev && len(l.dirty) == 0 {
		l.mu.Unlock()
		return nil
	}

	batch := make([]pendingWrite, 0, len(l.dirty))
	for _, s := range l.dirty {
		batch = append(batch, pendingWrite{seg: s, off: s.flushed, data: s.pending})
		s.flushed += int64(len(s.pending))
		s.pending = nil
	}
	l.dirty = nil
	onCommit := l.onGroupCommit
	l.mu.Unlock()

	began := time.Now()
	var err error
	for _, p := range batch {
		if _, err = p.seg.w.WriteAt(p.data, p.off); err != nil {
			break
		}
		if err = p.seg.w.Sync(); err != nil {
			break
		}
	}

	l.mu.Lock()
	if err != nil {
		l.failLocked(fmt.Errorf("log flush: %w", err))
		err = l.failed
		l.mu.Unlock()
		l.logger.Error("log flush failed", "error", err)
		return err
	}
	if target > l.durableSeq {
		l.durableSeq = target
	}
	close(l.round)
	l.round = make(chan struct{})
	l.mu.Unlock()

	if onCommit != nil && target > prev {
		onCommit(int(target-prev), time.Since(began))
	}
	return nil
}

func (l *Log) failLocked(err error) {
	if l.failed == nil {
		l.failed = err
	}
	close(l.round)
	l.round = make(chan struct{})
}

func (l *Log) runFlusher() {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.IdleTick)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.kick:
		case <-ticker.C:
		}
		if err := l.flushRound(); err != nil {
			return
		}
	}
}

func (l *Log) reportStatusLocked() {
	var used, free uint64
	for _, s := range l.segments {
		if s.state == SegmentEmpty {
			free += uint64(s.extent.Size)
		} else {
			used += uint64(s.extent.Size)
		}
	}
	l.recv.LogStatusChange(used, free)
}

// SegmentStats describes one log segment.
type SegmentStats struct {
	Addr     uint64
	Size     uint64
	State    SegmentState
	FirstSeq uint64
	LastSeq  uint64
	Used     int64
}

// Stats is a snapshot of the log.
type Stats struct {
	Segments      []SegmentStats
	UsedBytes     uint64
	FreeBytes     uint64
	LastSeq       uint64
	DurableSeq    uint64
	Replayed      int
	Checkpointing bool
}

// EmptySegments counts the segments in state EMPTY.
func (s Stats) EmptySegments() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.State == SegmentEmpty {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the segment ring.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		LastSeq:       l.nextSeq - 1,
		DurableSeq:    l.durableSeq,
		Replayed:      l.replayed,
		Checkpointing: l.checkpointing,
	}
	for _, s := range l.segments {
		st.Segments = append(st.Segments, SegmentStats{
			Addr:     s.addr(),
			Size:     uint64(s.extent.Size),
			State:    s.state,
			FirstSeq: s.firstSeq,
			LastSeq:  s.lastSeq,
			Used:     s.used,
		})
		if s.state == SegmentEmpty {
			st.FreeBytes += uint64(s.extent.Size)
		} else {
			st.UsedBytes += uint64(s.extent.Size)
		}
	}
	return st
}

// Addrs returns the region addresses owned by the log, root block included.
func (l *Log) Addrs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []uint64{0}
	for _, s := range l.segments {
		out = append(out, s.addr())
	}
	return out
}

// Close flushes pending commands, stops the flusher and releases every
// segment writer.
func (l *Log) Close() error {
	return l.shutdown(true)
}

func (l *Log) shutdown(flush bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done

	var err error
	if flush {
		err = l.flushRound()
	}

	// A caller without group commit may still be inside flushRound.
	l.flushMu.Lock()
	l.closeWriters()
	l.mu.Lock()
	l.released = true
	close(l.round)
	l.round = make(chan struct{})
	l.mu.Unlock()
	l.flushMu.Unlock()

	return err
}

func (l *Log) closeWriters() {
	for _, s := range l.segments {
		if s.w != nil {
			_ = s.w.Close()
			s.w = nil
		}
	}
}
