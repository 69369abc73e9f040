// Package wal provides the segmented write-ahead log that makes every
// acknowledged mutation durable. Records are encoded in little-endian format
// with CRC32 checksums; segment files are named by the first sequence number
// they hold, so readers can seek and checkpointing can prune by name.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SyncPolicy controls when appends are fsynced.
type SyncPolicy int

const (
	// SyncAlways fsyncs after every append. Slowest, strongest guarantee.
	SyncAlways SyncPolicy = iota
	// SyncInterval batches fsyncs: a background worker syncs every
	// Interval, and Append blocks until its record is persisted.
	SyncInterval
	// SyncNever leaves syncing to the OS. Acknowledged writes may be lost
	// on crash; recovery still sees a valid prefix.
	SyncNever
)

// Options configures the log.
type Options struct {
	// SegmentSize is the size threshold in bytes above which the active
	// segment is rotated.
	SegmentSize int64
	// Policy selects the fsync behavior.
	Policy SyncPolicy
	// Interval is the batching window for SyncInterval.
	Interval time.Duration
	// MaxPending forces an immediate fsync in SyncInterval mode once this
	// many appends are waiting.
	MaxPending int
}

// DefaultOptions returns the default log options.
func DefaultOptions() Options {
	return Options{
		SegmentSize: 128 * 1024 * 1024,
		Policy:      SyncInterval,
		Interval:    100 * time.Millisecond,
		MaxPending:  128,
	}
}

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("wal: log is closed")
	// ErrFailed is returned after an append failure that could not be
	// rolled back; the log refuses further appends.
	ErrFailed = errors.New("wal: log is in a failed state")
)

// Log is a durable, ordered, append-only record log. Append is the single
// serialization point for commit ordering: sequence numbers are assigned
// under an exclusive section, one writer in flight at a time. Readers open
// independent handles and never block writers.
type Log struct {
	mu   sync.Mutex
	dir  string
	opts Options

	file     *os.File
	firstSeq uint64 // first sequence of the active segment
	size     int64  // bytes written to the active segment
	seq      uint64 // last assigned sequence number
	failed   bool
	closed   bool

	// Interval sync state. Appends wait on cond until persistedSeq covers
	// their record; the worker (or a full batch) fsyncs and broadcasts.
	cond         *sync.Cond
	persistedSeq uint64
	pending      int
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Open opens or creates a segmented log in dir. A torn record at the tail of
// the last segment is truncated away; that data was never acknowledged as
// durable under the configured policy.
func Open(dir string, opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultOptions().SegmentSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultOptions().MaxPending
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	l := &Log{dir: dir, opts: opts}
	l.cond = sync.NewCond(&l.mu)

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(segs) == 0 {
		if err := l.openSegment(1); err != nil {
			return nil, err
		}
	} else {
		if err := l.openExisting(segs[len(segs)-1]); err != nil {
			return nil, err
		}
	}
	l.persistedSeq = l.seq

	if l.opts.Policy == SyncInterval {
		l.stopCh = make(chan struct{})
		l.wg.Add(1)
		go l.syncWorker()
	}

	return l, nil
}

// openSegment creates a fresh segment whose name records firstSeq.
func (l *Log) openSegment(firstSeq uint64) error {
	f, err := os.OpenFile(segmentName(l.dir, firstSeq), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	l.file = f
	l.firstSeq = firstSeq
	l.size = 0
	l.seq = firstSeq - 1
	return nil
}

// openExisting opens the newest segment, scans it to recover the last
// assigned sequence number and truncates any torn trailing record.
func (l *Log) openExisting(seg segmentInfo) error {
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}

	lastSeq := seg.firstSeq - 1
	var validOffset int64
	for {
		rec, n, err := readRecord(f)
		if err != nil {
			// io.EOF is a clean end; anything else is a torn or
			// corrupted tail that is dropped below.
			break
		}
		lastSeq = rec.Seq
		validOffset += int64(n)
	}

	if err := f.Truncate(validOffset); err != nil {
		f.Close()
		return fmt.Errorf("wal: failed to truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("wal: failed to seek to end: %w", err)
	}

	l.file = f
	l.firstSeq = seg.firstSeq
	l.size = validOffset
	l.seq = lastSeq
	return nil
}

// Append assigns the next sequence number, writes the record and returns
// only once it is durable per the configured policy. On failure the record
// is not considered applied and the assigned sequence is reused.
func (l *Log) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.failed {
		return 0, ErrFailed
	}
	if len(rec.Key) > MaxKeyLen {
		return 0, fmt.Errorf("wal: key is %d bytes, limit %d: %w", len(rec.Key), MaxKeyLen, ErrTooLarge)
	}
	if len(rec.Value) > MaxValueLen {
		return 0, fmt.Errorf("wal: value is %d bytes, limit %d: %w", len(rec.Value), MaxValueLen, ErrTooLarge)
	}

	rec.Seq = l.seq + 1
	data := encodeRecord(rec)

	if l.size > 0 && l.size+int64(len(data)) > l.opts.SegmentSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	prevSize := l.size
	if _, err := l.file.Write(data); err != nil {
		l.rollback(prevSize)
		return 0, fmt.Errorf("wal: failed to write record: %w", err)
	}
	l.seq = rec.Seq
	l.size += int64(len(data))

	if err := l.syncPerPolicy(prevSize); err != nil {
		return 0, fmt.Errorf("wal: failed to sync: %w", err)
	}
	return rec.Seq, nil
}

// rollback discards the bytes of a record that failed to commit so its
// sequence number can be reassigned. If the bytes cannot be removed the log
// is marked failed, since a later append would leave an invalid record
// mid-log.
func (l *Log) rollback(size int64) {
	l.size = size
	if err := l.file.Truncate(size); err != nil {
		l.failed = true
		l.cond.Broadcast()
		return
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		l.failed = true
		l.cond.Broadcast()
	}
}

// rotate starts a new segment. The outgoing segment is fsynced regardless of
// policy so a durable segment boundary never precedes non-durable data.
func (l *Log) rotate() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync segment before rotate: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	l.pending = 0
	l.persistedSeq = l.seq
	l.cond.Broadcast()
	return l.openSegment(l.seq + 1)
}

// syncPerPolicy is called with l.mu held after a successful write. prevSize
// is the segment size before the record's bytes went in.
func (l *Log) syncPerPolicy(prevSize int64) error {
	switch l.opts.Policy {
	case SyncAlways:
		if err := l.file.Sync(); err != nil {
			// A record whose caller sees an error must not survive
			// to replay as committed history. The file state after
			// a failed fsync cannot be trusted either way, so the
			// log also stops accepting appends.
			l.seq--
			l.rollback(prevSize)
			l.failed = true
			l.cond.Broadcast()
			return err
		}
		l.persistedSeq = l.seq
		return nil

	case SyncInterval:
		l.pending++
		target := l.seq
		if l.pending >= l.opts.MaxPending {
			return l.flushPending()
		}
		// Wait releases l.mu so the worker can acquire it and sync.
		for l.persistedSeq < target && !l.closed && !l.failed {
			l.cond.Wait()
		}
		if l.failed {
			return ErrFailed
		}
		return nil

	default: // SyncNever
		return nil
	}
}

// flushPending fsyncs everything written so far. Caller must hold l.mu.
// On failure the log is marked failed: the pending appenders have not been
// acknowledged, and acknowledging any later record ahead of them would
// reorder the durability contract.
func (l *Log) flushPending() error {
	if l.failed {
		return ErrFailed
	}
	if l.pending == 0 {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.failed = true
		l.cond.Broadcast()
		return err
	}
	l.pending = 0
	l.persistedSeq = l.seq
	l.cond.Broadcast()
	return nil
}

func (l *Log) syncWorker() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			l.mu.Lock()
			_ = l.flushPending()
			l.mu.Unlock()
			return
		case <-ticker.C:
			l.mu.Lock()
			_ = l.flushPending()
			l.mu.Unlock()
		}
	}
}

// Sync forces an fsync of the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync: %w", err)
	}
	l.pending = 0
	l.persistedSeq = l.seq
	l.cond.Broadcast()
	return nil
}

// LastSequence returns the last assigned sequence number.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// SkipTo raises the sequence counter so the next append is assigned seq+1.
// Recovery uses it when a checkpoint covers records that a crash removed
// from the log tail: reusing those sequence numbers would make new appends
// look like already-applied history during replay. Lowering the counter is
// not possible.
func (l *Log) SkipTo(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
		l.persistedSeq = seq
	}
}

// TruncateBefore deletes segments whose records are all covered by seq,
// i.e. segments entirely below the reclaimable horizon set by a checkpoint.
// The active segment is never deleted.
func (l *Log) TruncateBefore(seq uint64) error {
	l.mu.Lock()
	activeFirst := l.firstSeq
	l.mu.Unlock()

	segs, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	for i, seg := range segs {
		if seg.firstSeq == activeFirst {
			break
		}
		// A segment holds records [firstSeq, nextFirstSeq); it is
		// reclaimable only if that whole range is covered by seq.
		if i+1 >= len(segs) || segs[i+1].firstSeq > seq+1 {
			break
		}
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("wal: failed to remove segment: %w", err)
		}
	}
	return nil
}

// Close flushes pending records and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.stopCh != nil {
		close(l.stopCh)
		l.mu.Unlock()
		l.wg.Wait()
		l.mu.Lock()
	}
	l.cond.Broadcast()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("wal: failed to sync on close: %w", err)
	}
	return l.file.Close()
}
