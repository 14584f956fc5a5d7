package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pool is a thin wrapper over pgxpool.Pool that gives us the lease/return/
// drain vocabulary the component design calls for, and turns pgx's
// context-deadline-exceeded-on-acquire into the documented ErrPoolExhausted.
type pool struct {
	pgxpool *pgxpool.Pool
	cfg     Config
}

func newPool(ctx context.Context, cfg Config) (*pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	poolCfg.MinConns = int32(cfg.PoolSize)
	poolCfg.MaxConns = int32(cfg.PoolMaxSize)

	ctx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	pgxp, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storageErr(fmt.Errorf("open pool: %w", err))
	}
	return &pool{pgxpool: pgxp, cfg: cfg}, nil
}

// lease acquires a connection, bounded by cfg.LeaseTimeout. The caller must
// call Release on the returned conn; committing or rolling back a
// transaction opened on it does not release it.
func (p *pool) lease(ctx context.Context) (*pgxpool.Conn, error) {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTimeout)
	defer cancel()

	conn, err := p.pgxpool.Acquire(lctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, storageErr(ErrPoolExhausted)
		}
		return nil, storageErr(fmt.Errorf("acquire connection: %w", err))
	}
	return conn, nil
}

// readOnlyConn is a leased connection with one REPEATABLE READ transaction
// held open across it, so a read path issuing two or three separate SELECTs
// (loadBefore's current-row lookup plus its history lookups, say) sees one
// stable MVCC snapshot rather than a fresh implicit per-statement
// transaction each time. "SET TRANSACTION ISOLATION LEVEL" on a bare
// autocommit statement only governs that one statement's own implicit
// transaction, which is already over by the time the next statement runs,
// so the isolation level has to be pinned by an explicit BEGIN instead.
type readOnlyConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (r *readOnlyConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return r.tx.Exec(ctx, sql, args...)
}

func (r *readOnlyConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.tx.Query(ctx, sql, args...)
}

func (r *readOnlyConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.tx.QueryRow(ctx, sql, args...)
}

// Release ends the snapshot transaction and returns the connection to the
// pool. Read-only transactions have nothing to commit; a rollback is
// sufficient and avoids leaving an idle-in-transaction connection if the
// caller forgets.
func (r *readOnlyConn) Release() {
	_ = r.tx.Rollback(context.Background())
	r.conn.Release()
}

// leaseReadOnly acquires a connection and opens a REPEATABLE READ
// transaction on it that stays open until Release, as read paths expect a
// stable snapshot across multiple statements.
func (p *pool) leaseReadOnly(ctx context.Context) (*readOnlyConn, error) {
	conn, err := p.lease(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, storageErr(fmt.Errorf("begin repeatable read transaction: %w", err))
	}
	return &readOnlyConn{conn: conn, tx: tx}, nil
}

func (p *pool) drain() {
	p.pgxpool.Close()
}

// dedicatedConn opens a connection outside the pool for long-lived,
// autocommit uses such as the invalidation listener, which must not be
// recycled by the pool's normal lease/return traffic.
func dedicatedConn(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, storageErr(fmt.Errorf("dedicated connection: %w", err))
	}
	return conn, nil
}
