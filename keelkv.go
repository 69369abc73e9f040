// Package keelkv is the durability core of a single-node key-value store:
// a segmented write-ahead log, the sharded in-memory store it protects, and
// the checkpoint/recovery machinery that reconciles the two after a crash.
//
// Every mutation is appended to the WAL, then applied to the in-memory
// store, then acknowledged. A background checkpoint periodically snapshots
// the store and advances the WAL's reclaimable horizon; on restart, recovery
// loads the latest snapshot and replays only the WAL records after it.
package keelkv

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keelkv/keelkv/internal/snapshot"
	"github.com/keelkv/keelkv/internal/store"
	"github.com/keelkv/keelkv/internal/wal"
)

// Entry is the caller-visible state of one key.
type Entry struct {
	Value     []byte
	Version   uint64
	CreatedAt time.Time
	ExpiresAt time.Time // zero when the entry has no expiry
}

// Stats holds DB statistics.
type Stats struct {
	TotalReads   int64
	TotalWrites  int64
	SweptKeys    int64
	KeysCount    int
	LastSequence uint64
	StartTime    time.Time
}

// DB coordinates the WAL, the sharded store and the snapshot manager. It is
// safe for concurrent use by multiple goroutines.
type DB struct {
	opts    Options
	dir     string
	snapDir string

	log    *wal.Log
	store  *store.Store
	snaps  *snapshot.Manager
	logger *slog.Logger

	// checkpointMu serializes checkpoints; live traffic is not excluded.
	checkpointMu sync.Mutex
	sweepLimiter *rate.Limiter

	startTime   time.Time
	totalReads  atomic.Int64
	totalWrites atomic.Int64
	sweptKeys   atomic.Int64

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates a database rooted at dir, recovering any existing
// durable state. Recovery failures other than a torn WAL tail are fatal:
// Open returns the error and the DB must not serve.
func Open(dir string, optFns ...func(*Options)) (*DB, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l, err := wal.Open(filepath.Join(dir, "wal"), wal.Options{
		SegmentSize: opts.SegmentSize,
		Policy:      opts.SyncPolicy,
		Interval:    opts.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("keelkv: failed to open WAL: %w", err)
	}

	snapDir := filepath.Join(dir, "snapshots")
	sm, err := snapshot.NewManager(snapDir)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("keelkv: failed to init snapshot manager: %w", err)
	}

	db := &DB{
		opts:      opts,
		dir:       dir,
		snapDir:   snapDir,
		log:       l,
		store:     store.New(opts.Shards, opts.Clock),
		snaps:     sm,
		logger:    opts.Logger,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	if opts.SweepRate > 0 {
		db.sweepLimiter = rate.NewLimiter(rate.Limit(opts.SweepRate), 1)
	}

	if err := db.recover(); err != nil {
		l.Close()
		return nil, err
	}

	db.startWorkers()
	return db, nil
}

// Put stores a key-value pair without expiry. The record is durable per the
// sync policy before Put returns its sequence number.
func (db *DB) Put(key string, value []byte) (uint64, error) {
	return db.PutWithTTL(key, value, 0)
}

// PutWithTTL stores a key-value pair that expires after ttl. A ttl <= 0
// stores the value without expiry.
func (db *DB) PutWithTTL(key string, value []byte, ttl time.Duration) (uint64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	if len(key) > wal.MaxKeyLen {
		return 0, fmt.Errorf("keelkv: key is %d bytes, limit %d: %w",
			len(key), wal.MaxKeyLen, ErrKeyTooLarge)
	}
	if len(value) > db.opts.MaxValueSize {
		return 0, fmt.Errorf("keelkv: value is %d bytes, limit %d: %w",
			len(value), db.opts.MaxValueSize, ErrValueTooLarge)
	}

	seq, err := db.store.Put(db.log, key, value, ttl)
	if err != nil {
		return 0, fmt.Errorf("keelkv: put %q: %w", key, err)
	}
	db.totalWrites.Add(1)
	return seq, nil
}

// Get retrieves the value for key. Expired entries read as absent.
func (db *DB) Get(key string) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.totalReads.Add(1)
	return db.store.Get(key)
}

// GetEntry retrieves the value together with its version counter, for
// CompareAndSwap callers.
func (db *DB) GetEntry(key string) (Entry, error) {
	if db.closed.Load() {
		return Entry{}, ErrClosed
	}
	db.totalReads.Add(1)

	e, err := db.store.GetEntry(key)
	if err != nil {
		return Entry{}, err
	}
	out := Entry{
		Value:     e.Value,
		Version:   e.Version,
		CreatedAt: time.Unix(0, e.CreatedAt),
	}
	if e.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(0, e.ExpiresAt)
	}
	return out, nil
}

// Delete removes a key. Returns ErrNotFound if the key is absent or expired.
func (db *DB) Delete(key string) (uint64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	seq, err := db.store.Delete(db.log, key)
	if err != nil {
		return 0, err
	}
	db.totalWrites.Add(1)
	return seq, nil
}

// Increment adds delta to the decimal integer at key, creating it from zero
// when absent, and returns the new value. Fails with ErrNotNumeric when the
// existing value is not numeric-coercible.
func (db *DB) Increment(key string, delta int64) (int64, uint64, error) {
	if db.closed.Load() {
		return 0, 0, ErrClosed
	}
	if len(key) > wal.MaxKeyLen {
		return 0, 0, fmt.Errorf("keelkv: key is %d bytes, limit %d: %w",
			len(key), wal.MaxKeyLen, ErrKeyTooLarge)
	}
	val, seq, err := db.store.Increment(db.log, key, delta)
	if err != nil {
		return 0, 0, err
	}
	db.totalWrites.Add(1)
	return val, seq, nil
}

// CompareAndSwap replaces the value at key only if its version matches
// expectedVersion and, when expectedValue is non-nil, its current value
// matches too. On mismatch it fails with ErrVersionConflict and leaves the
// entry untouched.
func (db *DB) CompareAndSwap(key string, expectedVersion uint64, expectedValue, newValue []byte) (uint64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	if len(key) > wal.MaxKeyLen {
		return 0, fmt.Errorf("keelkv: key is %d bytes, limit %d: %w",
			len(key), wal.MaxKeyLen, ErrKeyTooLarge)
	}
	if len(newValue) > db.opts.MaxValueSize {
		return 0, fmt.Errorf("keelkv: value is %d bytes, limit %d: %w",
			len(newValue), db.opts.MaxValueSize, ErrValueTooLarge)
	}
	seq, err := db.store.CompareAndSwap(db.log, key, expectedVersion, expectedValue, newValue, 0)
	if err != nil {
		return 0, err
	}
	db.totalWrites.Add(1)
	return seq, nil
}

// Checkpoint serializes a consistent snapshot of the store, publishes it
// atomically, advances the control record and prunes WAL segments and
// snapshots that no recovery path needs. It runs interleaved with live
// traffic, holding each shard's lock only long enough to copy that shard.
// Cancelling ctx before the publish step aborts with no effect on durable
// state.
func (db *DB) Checkpoint(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	// Every record at or below this horizon is already applied: the
	// commit path holds the shard lock across append+apply, so a shard
	// copy taken after this point cannot miss one. Entries newer than
	// the horizon may slip in; replay is idempotent, so re-applying
	// their records during recovery is a no-op.
	horizon := db.log.LastSequence()

	copies := make([]map[string]store.Entry, db.store.ShardCount())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range copies {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			copies[i] = db.store.CopyShard(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("keelkv: checkpoint aborted: %w", err)
	}

	id, err := db.snaps.Create(horizon, copies)
	if err != nil {
		return fmt.Errorf("keelkv: checkpoint failed: %w", err)
	}

	if err := snapshot.SaveControl(db.snapDir, snapshot.Control{
		ActiveSnapshot:    id,
		LastCheckpointSeq: horizon,
	}); err != nil {
		return fmt.Errorf("keelkv: checkpoint failed: %w", err)
	}

	// The control record is durable; older segments and snapshots are no
	// longer on any recovery path.
	if err := db.log.TruncateBefore(horizon); err != nil {
		db.logger.Warn("wal prune failed", "error", err)
	}
	if err := db.snaps.PruneExcept(id); err != nil {
		db.logger.Warn("snapshot prune failed", "error", err)
	}

	db.logger.Info("checkpoint complete", "snapshot", id, "last_checkpoint_seq", horizon)
	return nil
}

// ExpireSweep physically removes expired entries, emitting a Delete record
// for each so the removal survives replay. Returns the number of keys swept.
func (db *DB) ExpireSweep(ctx context.Context) (int, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}

	keys := db.store.ExpiredKeys(db.opts.SweepBatch)
	swept := 0
	for _, key := range keys {
		if db.sweepLimiter != nil {
			if err := db.sweepLimiter.Wait(ctx); err != nil {
				return swept, err
			}
		}
		_, removed, err := db.store.SweepKey(db.log, key)
		if err != nil {
			return swept, fmt.Errorf("keelkv: sweep %q: %w", key, err)
		}
		if removed {
			swept++
		}
	}
	if swept > 0 {
		db.sweptKeys.Add(int64(swept))
		db.logger.Debug("expiry sweep", "swept", swept)
	}
	return swept, nil
}

// Stats returns current DB statistics.
func (db *DB) Stats() Stats {
	return Stats{
		TotalReads:   db.totalReads.Load(),
		TotalWrites:  db.totalWrites.Load(),
		SweptKeys:    db.sweptKeys.Load(),
		KeysCount:    db.store.Len(),
		LastSequence: db.log.LastSequence(),
		StartTime:    db.startTime,
	}
}

// Close stops the background workers and closes the WAL. Further operations
// return ErrClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.stopCh)
	db.wg.Wait()
	return db.log.Close()
}
