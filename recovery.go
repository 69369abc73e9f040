package keelkv

import (
	"errors"
	"fmt"
	"io"

	"github.com/keelkv/keelkv/internal/snapshot"
	"github.com/keelkv/keelkv/internal/wal"
)

// recoveryPhase tracks progress through startup so failures name where they
// happened.
type recoveryPhase int

const (
	phaseStart recoveryPhase = iota
	phaseLoadControl
	phaseLoadSnapshot
	phaseReplayWAL
	phaseReady
	phaseFailed
)

func (p recoveryPhase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseLoadControl:
		return "load_control"
	case phaseLoadSnapshot:
		return "load_snapshot"
	case phaseReplayWAL:
		return "replay_wal"
	case phaseReady:
		return "ready"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// recover rebuilds the in-memory store from the latest snapshot plus the WAL
// records after it. A torn record at the WAL tail is tolerated (the write
// was never acknowledged); any other corruption is fatal and the DB refuses
// to serve.
func (db *DB) recover() error {
	phase := phaseLoadControl
	db.logger.Info("recovery started", "phase", phase.String())

	ctrl, err := snapshot.LoadControl(db.snapDir)
	if err != nil {
		return db.recoveryFailed(phase, err)
	}

	var replayFrom uint64
	if ctrl != nil && ctrl.ActiveSnapshot != "" {
		phase = phaseLoadSnapshot
		db.logger.Info("loading snapshot",
			"phase", phase.String(), "snapshot", ctrl.ActiveSnapshot)

		snap, err := db.snaps.Load(ctrl.ActiveSnapshot)
		if err != nil {
			return db.recoveryFailed(phase, err)
		}
		if snap.LastAppliedSeq != ctrl.LastCheckpointSeq {
			return db.recoveryFailed(phase, fmt.Errorf(
				"snapshot horizon %d does not match control record %d: %w",
				snap.LastAppliedSeq, ctrl.LastCheckpointSeq, ErrCorrupted))
		}
		for key, e := range snap.Entries {
			db.store.Restore(key, e)
		}
		replayFrom = snap.LastAppliedSeq
	}

	phase = phaseReplayWAL
	db.logger.Info("replaying WAL", "phase", phase.String(), "after_seq", replayFrom)

	r, err := db.log.ReadFrom(replayFrom)
	if err != nil {
		return db.recoveryFailed(phase, err)
	}
	defer r.Close()

	replayed := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, wal.ErrCorrupted) {
				return db.recoveryFailed(phase, fmt.Errorf("%w: %v", ErrCorrupted, err))
			}
			return db.recoveryFailed(phase, err)
		}
		if err := db.store.Apply(rec); err != nil {
			return db.recoveryFailed(phase, err)
		}
		replayed++
	}
	if r.Torn() {
		db.logger.Warn("truncated torn record at WAL tail",
			"last_sequence", db.log.LastSequence())
	}

	// A crash can lose an un-synced WAL tail that a checkpoint already
	// covers. The store is restored up to the checkpoint horizon, so the
	// log must not hand out sequence numbers at or below it: replay would
	// mistake those appends for already-applied history.
	if replayFrom > db.log.LastSequence() {
		db.logger.Warn("wal behind checkpoint horizon, skipping sequences",
			"last_sequence", db.log.LastSequence(), "horizon", replayFrom)
		db.log.SkipTo(replayFrom)
	}

	db.logger.Info("recovery complete",
		"phase", phaseReady.String(),
		"replayed", replayed,
		"keys", db.store.Len(),
		"last_sequence", db.log.LastSequence())
	return nil
}

func (db *DB) recoveryFailed(phase recoveryPhase, err error) error {
	db.logger.Error("recovery failed", "phase", phase.String(), "error", err)
	return fmt.Errorf("keelkv: recovery failed during %s: %w", phase.String(), err)
}
