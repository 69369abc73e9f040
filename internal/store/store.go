// Package store provides the sharded in-memory key-value surface protected
// by the WAL. The keyspace is partitioned by key hash into a power-of-two
// number of shards, each independently lockable, so operations on different
// shards proceed fully in parallel.
//
// Live mutations validate their preconditions under the shard's exclusive
// lock, append to the WAL through the injected Appender, then fold the
// record into the shard. Holding the lock across append+apply means the
// store never reflects a record that is not durable, and a concurrent shard
// copy can never observe an assigned-but-unapplied sequence number.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/keelkv/keelkv/internal/wal"
)

var (
	// ErrNotFound indicates the key is absent or past its expiry.
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionConflict indicates a CompareAndSwap precondition failed.
	// Safe to retry after re-reading the entry.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrNotNumeric indicates Increment hit a value that is not a decimal
	// integer.
	ErrNotNumeric = errors.New("store: value is not an integer")
)

// Appender is the WAL surface the store commits through. The store never
// reads from the log; sequencing is the appender's concern.
type Appender interface {
	Append(rec wal.Record) (uint64, error)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Store is a sharded key->entry map. It is safe for concurrent use by
// multiple goroutines.
type Store struct {
	shards []*shard
	mask   uint32
	now    func() time.Time
}

// New creates a store with the given shard count, rounded up to a power of
// two. The clock is injected so expiry decisions share one source of time;
// nil selects time.Now.
func New(shardCount int, clock func() time.Time) *Store {
	if shardCount < 1 {
		shardCount = 256
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if clock == nil {
		clock = time.Now
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return &Store{shards: shards, mask: uint32(n - 1), now: clock}
}

// shardFor picks the shard for a key via FNV-1a.
func (s *Store) shardFor(key string) *shard {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return s.shards[h&s.mask]
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// Get retrieves the value for key. Expiry is lazy: an entry past its expiry
// reads as absent but stays in the map until a sweep removes it durably.
func (s *Store) Get(key string) ([]byte, error) {
	e, err := s.GetEntry(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry retrieves a copy of the full entry for key, including its version
// counter for CompareAndSwap callers.
func (s *Store) GetEntry(key string) (Entry, error) {
	now := s.now().UnixNano()
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok || e.expiredAt(now) {
		return Entry{}, ErrNotFound
	}
	return e.clone(), nil
}

// Put creates or overwrites the entry for key, bumping its version. A ttl
// <= 0 stores the value without expiry.
func (s *Store) Put(app Appender, key string, value []byte, ttl time.Duration) (uint64, error) {
	now := s.now()
	nowNanos := now.UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	version := uint64(1)
	if e, ok := sh.entries[key]; ok && !e.expiredAt(nowNanos) {
		version = e.Version + 1
	}

	rec := wal.Record{
		Op:        wal.OpPut,
		Version:   version,
		Timestamp: nowNanos,
		ExpiresAt: expiry(now, ttl),
		Key:       key,
		Value:     value,
	}
	seq, err := app.Append(rec)
	if err != nil {
		return 0, err
	}
	rec.Seq = seq
	return seq, sh.apply(rec)
}

// Delete removes the entry for key. Deleting an absent or expired key is
// ErrNotFound and appends nothing.
func (s *Store) Delete(app Appender, key string) (uint64, error) {
	now := s.now()
	nowNanos := now.UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expiredAt(nowNanos) {
		return 0, ErrNotFound
	}

	rec := wal.Record{
		Op:        wal.OpDelete,
		Timestamp: nowNanos,
		Key:       key,
	}
	seq, err := app.Append(rec)
	if err != nil {
		return 0, err
	}
	rec.Seq = seq
	return seq, sh.apply(rec)
}

// Increment adds delta to the decimal integer stored at key, creating it
// from zero when absent. The existing TTL, if any, is preserved. Fails with
// ErrNotNumeric when the current value does not parse.
func (s *Store) Increment(app Appender, key string, delta int64) (int64, uint64, error) {
	now := s.now()
	nowNanos := now.UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	base := int64(0)
	version := uint64(1)
	expiresAt := int64(0)
	if e, ok := sh.entries[key]; ok && !e.expiredAt(nowNanos) {
		v, err := strconv.ParseInt(string(e.Value), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("store: increment %q: %w", key, ErrNotNumeric)
		}
		base = v
		version = e.Version + 1
		expiresAt = e.ExpiresAt
	}

	rec := wal.Record{
		Op:        wal.OpIncrement,
		Version:   version,
		Timestamp: nowNanos,
		ExpiresAt: expiresAt,
		Key:       key,
		Value:     strconv.AppendInt(nil, delta, 10),
	}
	seq, err := app.Append(rec)
	if err != nil {
		return 0, 0, err
	}
	rec.Seq = seq
	if err := sh.apply(rec); err != nil {
		return 0, 0, err
	}
	return base + delta, seq, nil
}

// CompareAndSwap replaces the value at key only if the entry's version
// matches expectedVersion and, when expectedValue is non-nil, its current
// value matches too. On mismatch it fails with ErrVersionConflict and the
// entry is untouched.
func (s *Store) CompareAndSwap(app Appender, key string, expectedVersion uint64, expectedValue, newValue []byte, ttl time.Duration) (uint64, error) {
	now := s.now()
	nowNanos := now.UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expiredAt(nowNanos) {
		return 0, ErrNotFound
	}
	if e.Version != expectedVersion {
		return 0, fmt.Errorf("store: cas %q: expected version %d, have %d: %w",
			key, expectedVersion, e.Version, ErrVersionConflict)
	}
	if expectedValue != nil && !bytes.Equal(e.Value, expectedValue) {
		return 0, fmt.Errorf("store: cas %q: value mismatch: %w", key, ErrVersionConflict)
	}

	rec := wal.Record{
		Op:        wal.OpCompareAndSwap,
		Version:   e.Version + 1,
		Timestamp: nowNanos,
		ExpiresAt: expiry(now, ttl),
		Key:       key,
		Value:     newValue,
	}
	seq, err := app.Append(rec)
	if err != nil {
		return 0, err
	}
	rec.Seq = seq
	return seq, sh.apply(rec)
}

// SweepKey durably removes key if it is still present and past its expiry.
// It returns false without appending when the key is live again (for example
// re-put since it was collected) or already gone.
func (s *Store) SweepKey(app Appender, key string) (uint64, bool, error) {
	nowNanos := s.now().UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || !e.expiredAt(nowNanos) {
		return 0, false, nil
	}

	rec := wal.Record{
		Op:        wal.OpDelete,
		Timestamp: nowNanos,
		Key:       key,
	}
	seq, err := app.Append(rec)
	if err != nil {
		return 0, false, err
	}
	rec.Seq = seq
	if err := sh.apply(rec); err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// Apply folds a WAL record into the store. It is the replay entry point and
// is idempotent with respect to sequence numbers: a record whose sequence is
// already reflected by the target entry is a no-op.
func (s *Store) Apply(rec wal.Record) error {
	sh := s.shardFor(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.apply(rec)
}

// apply folds a record into the shard. Caller must hold the shard lock.
// All state transitions depend only on the record and the map contents, so
// replay from sequence 1 reproduces live execution exactly; wall-clock
// expiry decisions use the record's own timestamp.
func (sh *shard) apply(rec wal.Record) error {
	prev, exists := sh.entries[rec.Key]
	if exists && prev.Seq >= rec.Seq {
		return nil
	}

	switch rec.Op {
	case wal.OpDelete:
		delete(sh.entries, rec.Key)
		return nil

	case wal.OpPut, wal.OpCompareAndSwap:
		createdAt := rec.Timestamp
		if exists && !prev.expiredAt(rec.Timestamp) {
			createdAt = prev.CreatedAt
		}
		sh.entries[rec.Key] = &Entry{
			Value:     append([]byte(nil), rec.Value...),
			Version:   rec.Version,
			Seq:       rec.Seq,
			CreatedAt: createdAt,
			ExpiresAt: rec.ExpiresAt,
		}
		return nil

	case wal.OpIncrement:
		delta, err := strconv.ParseInt(string(rec.Value), 10, 64)
		if err != nil {
			return fmt.Errorf("store: apply increment %q: %w", rec.Key, ErrNotNumeric)
		}
		base := int64(0)
		createdAt := rec.Timestamp
		if exists && !prev.expiredAt(rec.Timestamp) {
			base, err = strconv.ParseInt(string(prev.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("store: apply increment %q: %w", rec.Key, ErrNotNumeric)
			}
			createdAt = prev.CreatedAt
		}
		sh.entries[rec.Key] = &Entry{
			Value:     strconv.AppendInt(nil, base+delta, 10),
			Version:   rec.Version,
			Seq:       rec.Seq,
			CreatedAt: createdAt,
			ExpiresAt: rec.ExpiresAt,
		}
		return nil

	default:
		return fmt.Errorf("store: apply: %w (op %d)", wal.ErrInvalidOp, rec.Op)
	}
}

// Restore places an entry directly into the store without logging. Used by
// recovery when loading a snapshot.
func (s *Store) Restore(key string, e Entry) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = &Entry{
		Value:     append([]byte(nil), e.Value...),
		Version:   e.Version,
		Seq:       e.Seq,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
	sh.mu.Unlock()
}

// CopyShard returns a copy of shard i's entries under a brief read lock.
// The pause per shard is bounded by the time to copy that shard's contents.
func (s *Store) CopyShard(i int) map[string]Entry {
	sh := s.shards[i]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make(map[string]Entry, len(sh.entries))
	for k, e := range sh.entries {
		out[k] = e.clone()
	}
	return out
}

// ExpiredKeys returns up to limit keys past their expiry at now. The caller
// is expected to delete them through the WAL so the removal is durable.
func (s *Store) ExpiredKeys(limit int) []string {
	now := s.now().UnixNano()
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if e.expiredAt(now) {
				keys = append(keys, k)
				if limit > 0 && len(keys) >= limit {
					sh.mu.RUnlock()
					return keys
				}
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}
