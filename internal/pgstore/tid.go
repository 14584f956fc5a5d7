package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// commitAdvisoryLockKey is the fixed pg_advisory_xact_lock key serializing
// vote→finish across all committers against one database, per the "one
// database-wide lock is sufficient at expected commit rates" design note.
const commitAdvisoryLockKey = int64(0x7a6f6462)

// acquireCommitLock takes the transaction-scoped advisory lock for the
// lifetime of tx (pg_advisory_xact_lock auto-releases at commit/rollback,
// so there is no separate release call). Lock-wait time is recorded on the
// lockWaitMs histogram the same way the teacher's AccessLock does for its
// flock-based equivalent.
func acquireCommitLock(ctx context.Context, tx pgx.Tx) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, commitAdvisoryLockKey)
	metrics.lockWaitMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return storageErr(fmt.Errorf("acquire commit advisory lock: %w", err))
	}
	return nil
}

// allocateTID returns a TID strictly greater than both the maximum TID
// already committed and lowerBound (the framework's wall-clock-derived
// floor, guarding against TID regression after clock skew). Must be called
// with the commit advisory lock already held by tx.
func allocateTID(ctx context.Context, tx pgx.Tx, lowerBound uint64) (uint64, error) {
	var maxTid *uint64
	if err := tx.QueryRow(ctx, `SELECT max(tid) FROM transaction_log`).Scan(&maxTid); err != nil {
		return 0, storageErr(fmt.Errorf("read max tid: %w", err))
	}
	floor := lowerBound
	if maxTid != nil && *maxTid > floor {
		floor = *maxTid
	}
	return floor + 1, nil
}
