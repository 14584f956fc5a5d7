package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// historyFreeDDLTemplate creates the tables and index set that exist
// regardless of mode, plus the commit trigger that drives the invalidation
// bus. Column names and the trigger function mirror schema.py from the
// project this engine's contract was distilled from. %s is the NOTIFY
// channel name, substituted as a quoted SQL string literal by
// historyFreeDDL so the trigger always publishes on the same channel
// cfg.InvalidationChannel tells the listener to LISTEN on (see
// invalidation.go's listenOnce).
const historyFreeDDLTemplate = `
CREATE SEQUENCE zoid_seq;

CREATE TABLE transaction_log (
	tid         BIGINT PRIMARY KEY,
	username    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	extension   BYTEA
);

-- state holds the codec's opaque record, encoded by this engine (see
-- compress.go): a one-byte magic prefix followed by either the raw bytes
-- or an s2-compressed block. It is BYTEA rather than JSONB because the
-- engine treats the record as a black-box byte string end to end and must
-- be able to store its compressed form, which is not valid JSON text.
CREATE TABLE object_state (
	zoid         BIGINT PRIMARY KEY,
	tid          BIGINT NOT NULL REFERENCES transaction_log(tid),
	class_module TEXT NOT NULL,
	class_name   TEXT NOT NULL,
	state        BYTEA NOT NULL,
	state_size   BIGINT NOT NULL,
	refs         BIGINT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX object_state_class_idx ON object_state (class_module, class_name);
CREATE INDEX object_state_refs_gin_idx ON object_state USING gin (refs);
CREATE INDEX object_state_tid_idx ON object_state (tid);

CREATE TABLE blob_state (
	zoid             BIGINT NOT NULL,
	tid              BIGINT NOT NULL,
	data             BYTEA,
	object_store_key TEXT,
	PRIMARY KEY (zoid, tid)
);

CREATE OR REPLACE FUNCTION notify_commit() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%s, NEW.tid::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE TRIGGER trg_notify_commit
	AFTER INSERT ON transaction_log
	FOR EACH ROW EXECUTE FUNCTION notify_commit();
`

// historyFreeDDL renders historyFreeDDLTemplate with channel baked into the
// notify_commit() trigger body as a SQL string literal.
func historyFreeDDL(channel string) string {
	return fmt.Sprintf(historyFreeDDLTemplate, sqlStringLiteral(channel))
}

// sqlStringLiteral quotes s as a single-quoted SQL string literal, escaping
// embedded quotes. The trigger body can't take the channel as a bind
// parameter (CREATE FUNCTION ... AS $$...$$ is static DDL text), so this is
// the one place the channel name needs literal-escaping instead of pgx's
// usual placeholder-based parameterization.
func sqlStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// historyPreservingDDL adds the history tables used only in
// history-preserving mode.
const historyPreservingDDL = `
CREATE TABLE object_history (
	zoid         BIGINT NOT NULL,
	tid          BIGINT NOT NULL,
	class_module TEXT NOT NULL,
	class_name   TEXT NOT NULL,
	state        BYTEA NOT NULL,
	state_size   BIGINT NOT NULL,
	refs         BIGINT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (zoid, tid)
);

CREATE INDEX object_history_zoid_tid_desc_idx ON object_history (zoid, tid DESC);
CREATE INDEX object_history_tid_idx ON object_history (tid);

CREATE TABLE blob_history (
	zoid             BIGINT NOT NULL,
	tid              BIGINT NOT NULL,
	data             BYTEA,
	object_store_key TEXT,
	PRIMARY KEY (zoid, tid)
);

-- pack_state is scratch space for the history-preserving packer's
-- reachable-zoid walk (§3, §4.8); the history-free packer computes the
-- reachable set inline with a recursive CTE (see pack.go) instead.
CREATE TABLE pack_state (
	zoid BIGINT PRIMARY KEY,
	tid  BIGINT NOT NULL
);
`

// tableExists uses to_regclass rather than information_schema or a direct
// SELECT, so install can run under REPEATABLE READ snapshots held by other
// instances without taking an ACCESS EXCLUSIVE lock to find out it has
// nothing to do.
func tableExists(ctx context.Context, p *pgxpool.Pool, table string) (bool, error) {
	var oid *string
	err := p.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&oid)
	if err != nil {
		return false, storageErr(fmt.Errorf("check table %s: %w", table, err))
	}
	return oid != nil, nil
}

// InstallSchema creates the core tables if absent, and additionally the
// history-preserving tables if historyPreserving is set and they are not
// already present. Running it twice is a no-op on the second call — no
// table-creation statement runs, and no exclusive lock is acquired, per the
// idempotent-install testable property.
//
// channel is the NOTIFY channel name baked into the commit trigger; an
// empty string falls back to defaultInvalidationChannel, the same default
// applyConfigDefaults gives Config.InvalidationChannel. Callers that open a
// Store with a non-default InvalidationChannel must install with that same
// channel, or the trigger will publish where nothing is listening.
func InstallSchema(ctx context.Context, p *pgxpool.Pool, historyPreserving bool, channel string) error {
	ctx, span := startSpan(ctx, "install_schema", "")
	defer func() { endSpan(span, nil) }()

	if channel == "" {
		channel = defaultInvalidationChannel
	}

	exists, err := tableExists(ctx, p, "transaction_log")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := p.Exec(ctx, historyFreeDDL(channel)); err != nil {
			return storageErr(fmt.Errorf("install history-free schema: %w", err))
		}
	}

	if historyPreserving {
		histExists, err := tableExists(ctx, p, "object_history")
		if err != nil {
			return err
		}
		if !histExists {
			if _, err := p.Exec(ctx, historyPreservingDDL); err != nil {
				return storageErr(fmt.Errorf("install history-preserving schema: %w", err))
			}
		}
	}
	return nil
}

// DropHistoryResult reports how many rows of each class were deleted by
// DropHistory. Field names match drop_history_tables's result dict in the
// project this contract was distilled from, so operators reading migration
// logs recognize the same vocabulary.
type DropHistoryResult struct {
	HistoryRows        int64
	PackRows           int64
	BlobHistoryRows    int64
	OldBlobVersions    int64
	OrphanTransactions int64
}

// DropHistory migrates a history-preserving database down to history-free:
// it drops the history/pack tables entirely, prunes blob_state to the
// latest tid per zoid, and deletes transaction rows no longer referenced by
// any current object-state row.
func DropHistory(ctx context.Context, p *pgxpool.Pool) (DropHistoryResult, error) {
	ctx, span := startSpan(ctx, "drop_history", "")
	var result DropHistoryResult
	var err error
	defer func() { endSpan(span, err) }()

	tx, err := p.Begin(ctx)
	if err != nil {
		return result, storageErr(fmt.Errorf("begin drop-history tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if exists, cerr := tableExistsTx(ctx, tx, "object_history"); cerr != nil {
		err = cerr
		return result, err
	} else if exists {
		if cerr := tx.QueryRow(ctx, "SELECT count(*) FROM object_history").Scan(&result.HistoryRows); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
		if _, cerr := tx.Exec(ctx, "DROP TABLE object_history"); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
	}

	if exists, cerr := tableExistsTx(ctx, tx, "pack_state"); cerr != nil {
		err = cerr
		return result, err
	} else if exists {
		if cerr := tx.QueryRow(ctx, "SELECT count(*) FROM pack_state").Scan(&result.PackRows); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
		if _, cerr := tx.Exec(ctx, "DROP TABLE pack_state"); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
	}

	if exists, cerr := tableExistsTx(ctx, tx, "blob_history"); cerr != nil {
		err = cerr
		return result, err
	} else if exists {
		if cerr := tx.QueryRow(ctx, "SELECT count(*) FROM blob_history").Scan(&result.BlobHistoryRows); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
		if _, cerr := tx.Exec(ctx, "DROP TABLE blob_history"); cerr != nil {
			err = storageErr(cerr)
			return result, err
		}
	}

	// Prune blob_state to the latest tid per zoid.
	pruneSQL := `
		DELETE FROM blob_state b
		USING (
			SELECT zoid, max(tid) AS max_tid FROM blob_state GROUP BY zoid
		) latest
		WHERE b.zoid = latest.zoid AND b.tid <> latest.max_tid
	`
	tag, cerr := tx.Exec(ctx, pruneSQL)
	if cerr != nil {
		err = storageErr(fmt.Errorf("prune old blob versions: %w", cerr))
		return result, err
	}
	result.OldBlobVersions = tag.RowsAffected()

	orphanSQL := `
		DELETE FROM transaction_log t
		WHERE NOT EXISTS (SELECT 1 FROM object_state o WHERE o.tid = t.tid)
	`
	tag, cerr = tx.Exec(ctx, orphanSQL)
	if cerr != nil {
		err = storageErr(fmt.Errorf("delete orphan transactions: %w", cerr))
		return result, err
	}
	result.OrphanTransactions = tag.RowsAffected()

	if cerr := tx.Commit(ctx); cerr != nil {
		err = storageErr(fmt.Errorf("commit drop-history tx: %w", cerr))
		return result, err
	}
	err = nil
	return result, nil
}

func tableExistsTx(ctx context.Context, tx pgx.Tx, table string) (bool, error) {
	var oid *string
	row := tx.QueryRow(ctx, "SELECT to_regclass($1)::text", table)
	if err := row.Scan(&oid); err != nil {
		return false, storageErr(fmt.Errorf("check table %s: %w", table, err))
	}
	return oid != nil, nil
}
