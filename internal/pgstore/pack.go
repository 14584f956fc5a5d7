package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PackResult reports how much data a Pack call removed, so callers (the CLI,
// an operator script) can log a summary the same way DropHistoryResult does
// for schema migrations.
type PackResult struct {
	ObjectsDeleted      int64
	HistoryRowsDeleted  int64
	BlobsDeleted        int64
	TransactionsDeleted int64
}

// packDeleteBatchSize bounds how many rows a single delete statement inside
// Pack removes before the loop checks for cancellation and issues another
// batch, mirroring the teacher's tiered compaction batching
// (internal/storage/dolt/compact.go processes tier-1/tier-2 candidates in
// bounded groups rather than one unbounded pass). The batches bound each
// statement only: every batch runs inside the single transaction Pack opens,
// which stays open until the whole pack commits.
const packDeleteBatchSize = 2000

// rootZoid is the single GC root the reachability walk starts from, per
// §4.8's "designated roots (zoid 0)".
const rootZoid = uint64(0)

// reachableCTE is the recursive walk over object_state.refs shared by both
// pack modes. It is inlined as a WITH clause rather than materialized into a
// table up front, so history-free pack (which has no persistent pack_state
// table — see schema.go) and history-preserving pack (which populates one)
// can each decide independently what to do with the reachable set.
const reachableCTE = `
	WITH RECURSIVE reachable(zoid) AS (
		SELECT $1::bigint
		UNION
		SELECT r.ref
		FROM reachable rc
		JOIN object_state o ON o.zoid = rc.zoid
		CROSS JOIN LATERAL unnest(o.refs) AS r(ref)
	)
`

// Pack runs garbage collection against the reachability graph rooted at
// zoid 0. In history-free mode packTime is ignored and unreachable objects
// are deleted outright. In history-preserving mode, packTime additionally
// prunes, for reachable objects, every history row older than the newest
// history row at or before packTime (that row itself is kept), and drops all
// history for unreachable ones, per §4.8.
//
// referencesf is accepted for parity with the framework's
// pack(pack_time, referencesf) contract but is not consulted: this engine's
// codec already extracts and persists refs into object_state.refs /
// object_history.refs at store time (§4.4), so reachability is computed from
// that column instead of re-deriving it from raw state bytes on every pack.
func (s *Store) Pack(ctx context.Context, packTime uint64, referencesf func(state []byte) ([]uint64, error)) (result PackResult, err error) {
	ctx, span := startSpan(ctx, "pack", "")
	defer func() { endSpan(span, err) }()

	tx, err := s.pool.pgxpool.Begin(ctx)
	if err != nil {
		err = storageErr(fmt.Errorf("begin pack tx: %w", err))
		return result, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err = acquireCommitLock(ctx, tx); err != nil {
		return result, err
	}

	if s.cfg.HistoryPreserving {
		result, err = packHistoryPreserving(ctx, tx, packTime)
	} else {
		result, err = packHistoryFree(ctx, tx)
	}
	if err != nil {
		return result, err
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		err = storageErr(fmt.Errorf("commit pack tx: %w", commitErr))
		return result, err
	}
	return result, nil
}

// packHistoryFree deletes unreachable object-state rows, their blobs, and
// any transaction rows that become orphaned as a result.
func packHistoryFree(ctx context.Context, tx pgx.Tx) (PackResult, error) {
	var result PackResult

	for {
		tag, err := tx.Exec(ctx, reachableCTE+`
			DELETE FROM blob_state
			WHERE (zoid, tid) IN (
				SELECT zoid, tid FROM blob_state b
				WHERE NOT EXISTS (SELECT 1 FROM reachable r WHERE r.zoid = b.zoid)
				LIMIT $2
			)`, rootZoid, packDeleteBatchSize)
		if err != nil {
			return result, storageErr(fmt.Errorf("delete unreachable blobs: %w", err))
		}
		result.BlobsDeleted += tag.RowsAffected()
		if ctx.Err() != nil {
			return result, storageErr(ctx.Err())
		}
		if tag.RowsAffected() < packDeleteBatchSize {
			break
		}
	}

	for {
		tag, err := tx.Exec(ctx, reachableCTE+`
			DELETE FROM object_state
			WHERE zoid IN (
				SELECT o.zoid FROM object_state o
				WHERE NOT EXISTS (SELECT 1 FROM reachable r WHERE r.zoid = o.zoid)
				LIMIT $2
			)`, rootZoid, packDeleteBatchSize)
		if err != nil {
			return result, storageErr(fmt.Errorf("delete unreachable objects: %w", err))
		}
		result.ObjectsDeleted += tag.RowsAffected()
		if ctx.Err() != nil {
			return result, storageErr(ctx.Err())
		}
		if tag.RowsAffected() < packDeleteBatchSize {
			break
		}
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM transaction_log t
		WHERE NOT EXISTS (SELECT 1 FROM object_state o WHERE o.tid = t.tid)`)
	if err != nil {
		return result, storageErr(fmt.Errorf("delete orphan transactions: %w", err))
	}
	result.TransactionsDeleted = tag.RowsAffected()
	return result, nil
}

// packHistoryPreserving populates pack_state with the reachable set, then:
// drops all history for unreachable zoids; for reachable zoids, drops
// history strictly older than packTime (the newest surviving history row at
// or before packTime is kept so loadBefore/loadSerial can still resolve any
// tid from packTime onward, matching the "retains the latest revision...on
// or before pack_time" contract in §4.8); drops unreachable current objects
// and their blobs; and finally drops orphaned transaction rows.
func packHistoryPreserving(ctx context.Context, tx pgx.Tx, packTime uint64) (PackResult, error) {
	var result PackResult

	if _, err := tx.Exec(ctx, `TRUNCATE pack_state`); err != nil {
		return result, storageErr(fmt.Errorf("reset pack_state: %w", err))
	}
	if _, err := tx.Exec(ctx, reachableCTE+`
		INSERT INTO pack_state (zoid, tid)
		SELECT o.zoid, o.tid FROM object_state o
		WHERE o.zoid IN (SELECT zoid FROM reachable)
		ON CONFLICT (zoid) DO NOTHING`, rootZoid); err != nil {
		return result, storageErr(fmt.Errorf("mark reachable objects: %w", err))
	}

	// Unreachable zoids: drop all their history and blobs outright.
	for {
		tag, err := tx.Exec(ctx, `
			DELETE FROM object_history
			WHERE (zoid, tid) IN (
				SELECT zoid, tid FROM object_history h
				WHERE NOT EXISTS (SELECT 1 FROM pack_state p WHERE p.zoid = h.zoid)
				LIMIT $1
			)`, packDeleteBatchSize)
		if err != nil {
			return result, storageErr(fmt.Errorf("delete unreachable history: %w", err))
		}
		result.HistoryRowsDeleted += tag.RowsAffected()
		if ctx.Err() != nil {
			return result, storageErr(ctx.Err())
		}
		if tag.RowsAffected() < packDeleteBatchSize {
			break
		}
	}

	// Reachable zoids: keep the newest history row at or before packTime
	// (if any) and drop everything strictly older than it.
	tag, err := tx.Exec(ctx, `
		DELETE FROM object_history h
		WHERE EXISTS (SELECT 1 FROM pack_state p WHERE p.zoid = h.zoid)
		  AND h.tid < (
			SELECT max(h2.tid) FROM object_history h2
			WHERE h2.zoid = h.zoid AND h2.tid <= $1
		  )`, packTime)
	if err != nil {
		return result, storageErr(fmt.Errorf("prune reachable history before pack_time: %w", err))
	}
	result.HistoryRowsDeleted += tag.RowsAffected()

	for {
		tag, err := tx.Exec(ctx, `
			DELETE FROM blob_state
			WHERE (zoid, tid) IN (
				SELECT zoid, tid FROM blob_state b
				WHERE NOT EXISTS (SELECT 1 FROM pack_state p WHERE p.zoid = b.zoid)
				LIMIT $1
			)`, packDeleteBatchSize)
		if err != nil {
			return result, storageErr(fmt.Errorf("delete unreachable blobs: %w", err))
		}
		result.BlobsDeleted += tag.RowsAffected()
		if ctx.Err() != nil {
			return result, storageErr(ctx.Err())
		}
		if tag.RowsAffected() < packDeleteBatchSize {
			break
		}
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM blob_state b
		WHERE EXISTS (SELECT 1 FROM pack_state p WHERE p.zoid = b.zoid)
		  AND NOT EXISTS (SELECT 1 FROM object_state o WHERE o.zoid = b.zoid AND o.tid = b.tid)
		  AND NOT EXISTS (SELECT 1 FROM object_history h WHERE h.zoid = b.zoid AND h.tid = b.tid)`); err != nil {
		return result, storageErr(fmt.Errorf("delete blobs for pruned history: %w", err))
	}

	for {
		tag, err := tx.Exec(ctx, `
			DELETE FROM object_state
			WHERE zoid IN (
				SELECT o.zoid FROM object_state o
				WHERE NOT EXISTS (SELECT 1 FROM pack_state p WHERE p.zoid = o.zoid)
				LIMIT $1
			)`, packDeleteBatchSize)
		if err != nil {
			return result, storageErr(fmt.Errorf("delete unreachable objects: %w", err))
		}
		result.ObjectsDeleted += tag.RowsAffected()
		if ctx.Err() != nil {
			return result, storageErr(ctx.Err())
		}
		if tag.RowsAffected() < packDeleteBatchSize {
			break
		}
	}

	tag, err = tx.Exec(ctx, `
		DELETE FROM transaction_log t
		WHERE NOT EXISTS (SELECT 1 FROM object_state o WHERE o.tid = t.tid)
		  AND NOT EXISTS (SELECT 1 FROM object_history h WHERE h.tid = t.tid)`)
	if err != nil {
		return result, storageErr(fmt.Errorf("delete orphan transactions: %w", err))
	}
	result.TransactionsDeleted = tag.RowsAffected()
	return result, nil
}
