package keelkv

import (
	"context"
	"errors"
	"time"
)

// startWorkers launches the background checkpoint and expiry-sweep loops.
func (db *DB) startWorkers() {
	if db.opts.CheckpointInterval > 0 {
		db.wg.Add(1)
		go db.checkpointLoop()
	}
	if db.opts.SweepInterval > 0 {
		db.wg.Add(1)
		go db.sweepLoop()
	}
}

func (db *DB) checkpointLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				db.logger.Error("background checkpoint failed", "error", err)
			}
		case <-db.stopCh:
			return
		}
	}
}

func (db *DB) sweepLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.SweepInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-db.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := db.ExpireSweep(ctx); err != nil &&
				!errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				db.logger.Error("expiry sweep failed", "error", err)
			}
		case <-db.stopCh:
			return
		}
	}
}
