package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by *pgxpool.Pool, pgx.Tx, and this package's
// *readOnlyConn, so object/blob store code can run the same statements
// whether it is reading inside a read-only snapshot transaction or writing
// inside the coordinator's in-flight one. Grounded on the Querier/TxQuerier
// split used for the same purpose against pgx in the wider retrieval pack's
// pgmemory store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
