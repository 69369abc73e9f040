package keelkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelkv/keelkv/internal/snapshot"
	"github.com/keelkv/keelkv/internal/wal"
)

// testOptions disables the background workers so tests drive checkpoints and
// sweeps explicitly, and uses SyncAlways so every acknowledged write is on
// disk before the next step.
func testOptions(o *Options) {
	o.Shards = 8
	o.SyncPolicy = SyncAlways
	o.CheckpointInterval = 0
	o.SweepInterval = 0
}

func TestDB_PutGetDelete(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions)
	require.NoError(t, err)
	defer db.Close()

	seq, err := db.Put("key1", []byte("value1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	val, err := db.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), val)

	_, err = db.Delete("key1")
	require.NoError(t, err)
	_, err = db.Get("key1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Delete("key1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_ReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	_, err = db.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = db.Put("b", []byte("2"))
	require.NoError(t, err)
	_, _, err = db.Increment("counter", 7)
	require.NoError(t, err)
	_, err = db.Delete("a")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db2.Close()

	_, err = db2.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	val, err := db2.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
	val, err = db2.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), val)

	// Versions replay too, so CompareAndSwap works across a restart.
	e, err := db2.GetEntry("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)

	// Sequence numbering continues where it left off.
	_, err = db2.Put("c", []byte("3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), db2.Stats().LastSequence)
}

func TestDB_CheckpointAndRecover(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	_, err = db.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = db.Put("b", []byte("2"))
	require.NoError(t, err)
	_, err = db.Delete("a")
	require.NoError(t, err)

	require.NoError(t, db.Checkpoint(context.Background()))

	// Records after the checkpoint replay on top of the snapshot.
	_, err = db.Put("c", []byte("3"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db2.Close()

	_, err = db2.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	for key, want := range map[string]string{"b": "2", "c": "3"} {
		val, err := db2.Get(key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, []byte(want), val, "key %s", key)
	}
	assert.Equal(t, 2, db2.Stats().KeysCount)
}

func TestDB_RecoverWhenWALBehindCheckpoint(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		_, err := db.Put(key, []byte("old"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Checkpoint(context.Background()))
	require.NoError(t, db.Close())

	// Simulate a crash that loses the WAL tail after the checkpoint ran:
	// cut the last of the three equal-size records off the segment. The
	// snapshot still covers it, so no data is lost, but the log now ends
	// before the checkpoint horizon.
	walDir := filepath.Join(dir, "wal")
	names := sortedFiles(t, walDir, ".wal")
	require.Len(t, names, 1)
	path := filepath.Join(walDir, names[0])
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()/3*2))

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)

	// All three keys come back from the snapshot, and new writes get
	// sequence numbers above the checkpoint horizon. A write reusing a
	// covered sequence would be skipped as already-applied on replay.
	for _, key := range []string{"a", "b", "c"} {
		val, err := db2.Get(key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, []byte("old"), val, "key %s", key)
	}
	seq, err := db2.Put("c", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	val, err := db2.Get("c")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
	require.NoError(t, db2.Close())

	db3, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db3.Close()
	val, err = db3.Get("c")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
	assert.Equal(t, uint64(4), db3.Stats().LastSequence)
}

func TestDB_CheckpointPrunesWALAndSnapshots(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, func(o *Options) {
		testOptions(o)
		o.SegmentSize = 256 // rotate every few records
	})
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		_, err := db.Put(fmt.Sprintf("key%02d", i), []byte("some value payload"))
		require.NoError(t, err)
	}

	segsBefore := countFiles(t, filepath.Join(dir, "wal"), ".wal")
	require.Greater(t, segsBefore, 2)

	require.NoError(t, db.Checkpoint(context.Background()))
	require.NoError(t, db.Checkpoint(context.Background()))

	// Only the active segment survives; older ones are fully covered.
	assert.Equal(t, 1, countFiles(t, filepath.Join(dir, "wal"), ".wal"))
	// Only the latest snapshot is kept.
	assert.Equal(t, 1, countFiles(t, filepath.Join(dir, "snapshots"), ".snap"))

	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db2.Close()
	assert.Equal(t, 40, db2.Stats().KeysCount)
	val, err := db2.Get("key39")
	require.NoError(t, err)
	assert.Equal(t, []byte("some value payload"), val)
}

func TestDB_CheckpointCancelled(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put("key1", []byte("v"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.Checkpoint(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// An aborted checkpoint publishes nothing.
	assert.Equal(t, 0, countFiles(t, filepath.Join(db.dir, "snapshots"), ".snap"))
}

func TestDB_CompareAndSwap(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put("key1", []byte("v1"))
	require.NoError(t, err)

	e, err := db.GetEntry("key1")
	require.NoError(t, err)

	// First writer wins.
	_, err = db.CompareAndSwap("key1", e.Version, nil, []byte("v2"))
	require.NoError(t, err)

	// Second writer holding the stale version loses and the entry is
	// untouched by the attempt.
	_, err = db.CompareAndSwap("key1", e.Version, nil, []byte("v2-stale"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	val, err := db.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	// The loser retries after re-reading.
	e, err = db.GetEntry("key1")
	require.NoError(t, err)
	_, err = db.CompareAndSwap("key1", e.Version, nil, []byte("v3"))
	assert.NoError(t, err)
}

func TestDB_TornTailTolerated(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	_, err = db.Put("key1", []byte("v1"))
	require.NoError(t, err)
	_, err = db.Put("key2", []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Simulate a crash mid-write: garbage after the last record.
	appendToNewestFile(t, filepath.Join(dir, "wal"), ".wal", []byte{0xde, 0xad, 0xbe})

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db2.Close()

	val, err := db2.Get("key2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
	assert.Equal(t, uint64(2), db2.Stats().LastSequence)
}

func TestDB_TruncationAtArbitraryOffsets(t *testing.T) {
	// Cutting the log at any byte offset recovers a valid prefix of
	// operations, never a partial record.
	for _, cut := range []int64{1, 17, 63, 64, 65, 120, 200} {
		dir := t.TempDir()

		db, err := Open(dir, testOptions)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			_, err := db.Put(fmt.Sprintf("key%d", i), []byte("v"))
			require.NoError(t, err)
		}
		require.NoError(t, db.Close())

		walDir := filepath.Join(dir, "wal")
		names := sortedFiles(t, walDir, ".wal")
		require.Len(t, names, 1)
		require.NoError(t, os.Truncate(filepath.Join(walDir, names[0]), cut))

		db2, err := Open(dir, testOptions)
		require.NoError(t, err, "cut at %d bytes", cut)

		// Keys up to the last complete record survive, in order, with
		// nothing partial: key N present implies keys 0..N-1 present.
		last := int(db2.Stats().LastSequence)
		assert.LessOrEqual(t, last, 10)
		for i := 0; i < 10; i++ {
			_, err := db2.Get(fmt.Sprintf("key%d", i))
			if i < last {
				assert.NoError(t, err, "cut at %d: key%d should survive", cut, i)
			} else {
				assert.ErrorIs(t, err, ErrNotFound, "cut at %d: key%d should be gone", cut, i)
			}
		}
		require.NoError(t, db2.Close())
	}
}

func TestDB_MidLogCorruptionRefusesToServe(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, func(o *Options) {
		testOptions(o)
		o.SegmentSize = 256
	})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		_, err := db.Put(fmt.Sprintf("key%02d", i), []byte("some value payload"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// Flip a byte in the oldest segment: damage before the tail.
	walDir := filepath.Join(dir, "wal")
	names := sortedFiles(t, walDir, ".wal")
	require.Greater(t, len(names), 1)
	path := filepath.Join(walDir, names[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, testOptions)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDB_CorruptSnapshotRefusesToServe(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	_, err = db.Put("key1", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, db.Checkpoint(context.Background()))
	require.NoError(t, db.Close())

	snapDir := filepath.Join(dir, "snapshots")
	names := sortedFiles(t, snapDir, ".snap")
	require.Len(t, names, 1)
	path := filepath.Join(snapDir, names[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, testOptions)
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrCorrupted)
}

func TestDB_ControlSnapshotMismatchRefusesToServe(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)
	_, err = db.Put("key1", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, db.Checkpoint(context.Background()))
	require.NoError(t, db.Close())

	snapDir := filepath.Join(dir, "snapshots")
	ctrl, err := snapshot.LoadControl(snapDir)
	require.NoError(t, err)
	ctrl.LastCheckpointSeq++
	require.NoError(t, snapshot.SaveControl(snapDir, *ctrl))

	_, err = Open(dir, testOptions)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDB_TTLExpiryAndSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	opts := func(o *Options) {
		testOptions(o)
		o.Clock = func() time.Time { return now }
	}

	db, err := Open(dir, opts)
	require.NoError(t, err)
	_, err = db.PutWithTTL("session", []byte("token"), time.Minute)
	require.NoError(t, err)
	_, err = db.Put("durable", []byte("stays"))
	require.NoError(t, err)

	val, err := db.Get("session")
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), val)

	now = now.Add(2 * time.Minute)

	// Expired reads as absent even before a sweep runs.
	_, err = db.Get("session")
	assert.ErrorIs(t, err, ErrNotFound)

	swept, err := db.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, db.Stats().KeysCount)
	require.NoError(t, db.Close())

	// The sweep logged a delete, so the key stays gone after replay even
	// for a process whose clock is before the expiry.
	now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db2, err := Open(dir, opts)
	require.NoError(t, err)
	defer db2.Close()

	_, err = db2.Get("session")
	assert.ErrorIs(t, err, ErrNotFound)
	val, err = db2.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("stays"), val)
}

func TestDB_ValueTooLarge(t *testing.T) {
	db, err := Open(t.TempDir(), func(o *Options) {
		testOptions(o)
		o.MaxValueSize = 8
	})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put("key1", []byte("this value is too large"))
	assert.ErrorIs(t, err, ErrValueTooLarge)

	_, err = db.Put("key1", []byte("ok"))
	require.NoError(t, err)
	_, err = db.CompareAndSwap("key1", 1, nil, []byte("this value is too large"))
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestDB_KeyTooLarge(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions)
	require.NoError(t, err)

	// An oversized key is refused on every write path before it can reach
	// the log, where replay would reject its record as corruption.
	bigKey := string(make([]byte, wal.MaxKeyLen+1))
	_, err = db.Put(bigKey, []byte("v"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	_, _, err = db.Increment(bigKey, 1)
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	_, err = db.CompareAndSwap(bigKey, 0, nil, []byte("v"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	_, err = db.Put("key1", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions)
	require.NoError(t, err)
	defer db2.Close()
	val, err := db2.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, uint64(1), db2.Stats().LastSequence)
}

func TestDB_ClosedOperationsFail(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close()) // idempotent

	_, err = db.Put("k", []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Delete("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Checkpoint(context.Background()), ErrClosed)
}

func TestDB_Stats(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = db.Put("b", []byte("2"))
	require.NoError(t, err)
	_, err = db.Get("a")
	require.NoError(t, err)

	stats := db.Stats()
	assert.Equal(t, int64(2), stats.TotalWrites)
	assert.Equal(t, int64(1), stats.TotalReads)
	assert.Equal(t, 2, stats.KeysCount)
	assert.Equal(t, uint64(2), stats.LastSequence)
	assert.False(t, stats.StartTime.IsZero())
}

func TestDB_BackgroundWorkers(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, func(o *Options) {
		o.Shards = 8
		o.SyncPolicy = SyncAlways
		o.CheckpointInterval = 20 * time.Millisecond
		o.SweepInterval = 20 * time.Millisecond
	})
	require.NoError(t, err)

	_, err = db.Put("key1", []byte("v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countFiles(t, filepath.Join(dir, "snapshots"), ".snap") > 0
	}, 2*time.Second, 10*time.Millisecond, "background checkpoint never ran")

	require.NoError(t, db.Close())
}

func countFiles(t *testing.T, dir, suffix string) int {
	t.Helper()
	return len(sortedFiles(t, dir, suffix))
}

func sortedFiles(t *testing.T, dir, suffix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == suffix {
			names = append(names, e.Name())
		}
	}
	return names
}

func appendToNewestFile(t *testing.T, dir, suffix string, data []byte) {
	t.Helper()
	names := sortedFiles(t, dir, suffix)
	require.NotEmpty(t, names)
	f, err := os.OpenFile(filepath.Join(dir, names[len(names)-1]), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func BenchmarkDB_Put(b *testing.B) {
	db, err := Open(b.TempDir(), func(o *Options) {
		o.SyncPolicy = SyncNever
		o.CheckpointInterval = 0
		o.SweepInterval = 0
	})
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	value := make([]byte, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Put("bench-key", value); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDB_Get(b *testing.B) {
	db, err := Open(b.TempDir(), func(o *Options) {
		o.SyncPolicy = SyncNever
		o.CheckpointInterval = 0
		o.SweepInterval = 0
	})
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Put("bench-key", make([]byte, 128)); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Get("bench-key"); err != nil {
			b.Fatal(err)
		}
	}
}
