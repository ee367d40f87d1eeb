package quipodb

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

func (db *DB) startSweep() {
	db.stopSweep = make(chan struct{})
	db.sweepDone = make(chan struct{})

	go func() {
		defer close(db.sweepDone)
		ticker := time.NewTicker(db.ttlInterval)
		defer ticker.Stop()

		for {
			select {
			case <-db.stopSweep:
				return
			case now := <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), db.ttlInterval)
				if _, err := db.Sweep(ctx, now); err != nil {
					db.logger.Warn("ttl sweep failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (db *DB) stopSweeper() {
	if db.stopSweep == nil {
		return
	}
	close(db.stopSweep)
	<-db.sweepDone
}

// Sweep removes every document whose TTL field holds an epoch millisecond
// timestamp at or before now, across all collections, and returns how many
// documents were removed. WithTTLSweep runs it periodically.
func (db *DB) Sweep(ctx context.Context, now time.Time) (int, error) {
	db.mu.RLock()
	handles := make([]*Docs, 0, len(db.collections))
	for _, docs := range db.collections {
		handles = append(handles, docs)
	}
	db.mu.RUnlock()

	var (
		total int
		errs  error
	)
	for _, docs := range handles {
		if err := ctx.Err(); err != nil {
			return total, multierr.Append(errs, err)
		}
		n, err := docs.expire(ctx, now)
		total += n
		errs = multierr.Append(errs, err)
		if n > 0 {
			db.logger.Debug("expired documents removed", "collection", docs.Name(), "count", n)
		}
	}
	return total, errs
}
