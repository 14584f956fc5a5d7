package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pendingObjectWrite is one buffered store() call, held by an instance
// between tpc_begin and tpc_vote.
type pendingObjectWrite struct {
	Zoid        uint64
	OldSerial   uint64
	State       []byte
	Refs        []uint64
	ClassModule string
	ClassName   string
}

// load reads the current revision of zoid. Fails with KeyMissingError if
// the object does not exist.
func load(ctx context.Context, q querier, zoid uint64) (state []byte, tid uint64, err error) {
	ctx, span := startSpan(ctx, "load", "select object_state")
	defer func() { endSpan(span, err) }()

	var encoded []byte
	err = withRetry(ctx, "load", func() error {
		return q.QueryRow(ctx, `SELECT tid, state FROM object_state WHERE zoid = $1`, zoid).Scan(&tid, &encoded)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = &KeyMissingError{Zoid: zoid}
			return nil, 0, err
		}
		err = storageErr(err)
		return nil, 0, err
	}
	state, err = decodeState(encoded)
	if err != nil {
		err = storageErr(err)
		return nil, 0, err
	}
	return state, tid, nil
}

// loadSerial reads the exact (zoid, tid) revision, checking the current row
// first and then, in history-preserving mode, the history table.
func loadSerial(ctx context.Context, q querier, zoid, tid uint64, historyPreserving bool) (state []byte, err error) {
	ctx, span := startSpan(ctx, "load_serial", "select exact revision")
	defer func() { endSpan(span, err) }()

	var encoded []byte
	scanErr := q.QueryRow(ctx,
		`SELECT state FROM object_state WHERE zoid = $1 AND tid = $2`, zoid, tid,
	).Scan(&encoded)
	if scanErr == nil {
		return decodeState(encoded)
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		err = storageErr(scanErr)
		return nil, err
	}
	if !historyPreserving {
		err = &KeyMissingError{Zoid: zoid, Tid: &tid}
		return nil, err
	}
	scanErr = q.QueryRow(ctx,
		`SELECT state FROM object_history WHERE zoid = $1 AND tid = $2`, zoid, tid,
	).Scan(&encoded)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		err = &KeyMissingError{Zoid: zoid, Tid: &tid}
		return nil, err
	}
	if scanErr != nil {
		err = storageErr(scanErr)
		return nil, err
	}
	return decodeState(encoded)
}

// loadBefore returns the largest revision with serial < tid, plus the next
// serial after it for the same zoid (nil if that revision is current).
// History-free storages only ever have the current row to offer.
func loadBefore(ctx context.Context, q querier, zoid, tid uint64, historyPreserving bool) (state []byte, serial uint64, nextSerial *uint64, err error) {
	ctx, span := startSpan(ctx, "load_before", "select before tid")
	defer func() { endSpan(span, err) }()

	var curTid uint64
	var curEncoded []byte
	curErr := q.QueryRow(ctx, `SELECT tid, state FROM object_state WHERE zoid = $1`, zoid).Scan(&curTid, &curEncoded)
	if curErr != nil && !errors.Is(curErr, pgx.ErrNoRows) {
		err = storageErr(curErr)
		return nil, 0, nil, err
	}
	haveCurrent := curErr == nil

	if haveCurrent && curTid < tid {
		state, err = decodeState(curEncoded)
		return state, curTid, nil, err
	}

	if !historyPreserving {
		err = &KeyMissingError{Zoid: zoid, Tid: &tid}
		return nil, 0, nil, err
	}

	var encoded []byte
	scanErr := q.QueryRow(ctx, `
		SELECT tid, state FROM object_history
		WHERE zoid = $1 AND tid < $2
		ORDER BY tid DESC LIMIT 1`, zoid, tid,
	).Scan(&serial, &encoded)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		err = &KeyMissingError{Zoid: zoid, Tid: &tid}
		return nil, 0, nil, err
	}
	if scanErr != nil {
		err = storageErr(scanErr)
		return nil, 0, nil, err
	}
	state, err = decodeState(encoded)
	if err != nil {
		err = storageErr(err)
		return nil, 0, nil, err
	}

	var next uint64
	nextErr := q.QueryRow(ctx, `
		SELECT tid FROM object_history WHERE zoid = $1 AND tid > $2
		ORDER BY tid ASC LIMIT 1`, zoid, serial,
	).Scan(&next)
	switch {
	case nextErr == nil:
		nextSerial = &next
	case errors.Is(nextErr, pgx.ErrNoRows):
		if haveCurrent {
			nextSerial = &curTid
		}
	default:
		err = storageErr(nextErr)
		return nil, 0, nil, err
	}
	return state, serial, nextSerial, nil
}

// checkConflictAndWrite applies one pendingObjectWrite inside tx: it fetches
// the current serial (0 if the zoid is new), compares to OldSerial, and on
// match writes the new current row (copying the old one into object_history
// first when historyPreserving). w.State must already be encoded (see
// compress.go) by the caller.
func checkConflictAndWrite(ctx context.Context, tx pgx.Tx, w pendingObjectWrite, newTid uint64, stateSize int, historyPreserving bool) error {
	var currentTid uint64
	err := tx.QueryRow(ctx, `SELECT tid FROM object_state WHERE zoid = $1`, w.Zoid).Scan(&currentTid)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storageErr(fmt.Errorf("read current serial: %w", err))
	}
	exists := err == nil
	if exists && currentTid != w.OldSerial {
		return &ConflictError{Zoid: w.Zoid, OldSerial: w.OldSerial, CurrentSerial: currentTid}
	}
	if !exists && w.OldSerial != 0 {
		return &ConflictError{Zoid: w.Zoid, OldSerial: w.OldSerial, CurrentSerial: 0}
	}

	if exists && historyPreserving {
		if _, err := tx.Exec(ctx, `
			INSERT INTO object_history (zoid, tid, class_module, class_name, state, state_size, refs)
			SELECT zoid, tid, class_module, class_name, state, state_size, refs
			FROM object_state WHERE zoid = $1`, w.Zoid); err != nil {
			return storageErr(fmt.Errorf("archive object history: %w", err))
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO object_state (zoid, tid, class_module, class_name, state, state_size, refs)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (zoid) DO UPDATE SET
			tid = EXCLUDED.tid,
			class_module = EXCLUDED.class_module,
			class_name = EXCLUDED.class_name,
			state = EXCLUDED.state,
			state_size = EXCLUDED.state_size,
			refs = EXCLUDED.refs`,
		w.Zoid, newTid, w.ClassModule, w.ClassName, w.State, stateSize, refsToInt64(w.Refs),
	)
	if err != nil {
		return storageErr(fmt.Errorf("write object_state: %w", err))
	}
	return nil
}

func refsToInt64(refs []uint64) []int64 {
	out := make([]int64, len(refs))
	for i, r := range refs {
		out[i] = int64(r)
	}
	return out
}
