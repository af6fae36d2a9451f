// Package leader guards single-instance operation. The daemon keeps progress
// snapshots on local disk and runs one process-wide executor pool, so two
// instances sharing a database would double-run every scraper. The guard
// takes a Postgres advisory lock at startup; Postgres releases the lock when
// the holding session ends, so a crashed instance never wedges the next one.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// AdvisoryLockID is a fixed int64 used as the Postgres advisory lock key.
// Chosen to avoid colliding with the migration lock.
const AdvisoryLockID int64 = 7526700533050

// ErrAlreadyRunning is returned by Acquire when the lock stays held after
// all retries.
var ErrAlreadyRunning = errors.New("another instance holds the database lock")

const (
	defaultRetries = 3
	defaultWait    = 2 * time.Second
)

// TryLockFunc attempts to acquire the advisory lock. The caller provides it
// using pgxpool.Pool.QueryRow over SELECT pg_try_advisory_lock($1).
type TryLockFunc func(ctx context.Context) (acquired bool, err error)

// Guard serializes daemon startup against a shared database.
type Guard struct {
	tryLock TryLockFunc
	retries int
	wait    time.Duration
}

// New creates a Guard using the given lock function.
func New(tryLock TryLockFunc) *Guard {
	return &Guard{tryLock: tryLock, retries: defaultRetries, wait: defaultWait}
}

// Acquire takes the instance lock, retrying briefly so a restart can ride
// out the previous instance still shutting down.
func (g *Guard) Acquire(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		acquired, err := g.tryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			slog.Info("instance lock acquired")
			return nil
		}
		if attempt >= g.retries {
			return ErrAlreadyRunning
		}
		slog.Warn("instance lock held, retrying", "attempt", attempt+1, "wait", g.wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.wait):
		}
	}
}
