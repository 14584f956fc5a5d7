//go:build integration

package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore spins up a disposable Postgres container, installs the
// requested schema mode, and returns an open Store plus the raw dsn for
// tests that need a second Store (CopyTransactionsFrom's destination, or a
// second InstallSchema idempotency check) against the same database.
func newTestStore(t *testing.T, historyPreserving bool) (*Store, string) {
	t.Helper()
	return newTestStoreWithChannel(t, historyPreserving, "", true)
}

// newTestStoreWithChannel is newTestStore plus control over the NOTIFY
// channel installed into the trigger and whether the invalidation
// listener is started, for tests that exercise cross-instance
// invalidation delivery end to end rather than disabling the watchdog.
func newTestStoreWithChannel(t *testing.T, historyPreserving bool, channel string, disableWatchdog bool) (*Store, string) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pgjsonb_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open install pool: %v", err)
	}
	if err := InstallSchema(ctx, pool, historyPreserving, channel); err != nil {
		pool.Close()
		t.Fatalf("install schema: %v", err)
	}
	pool.Close()

	store, err := Open(ctx, Config{
		Dsn:                 dsn,
		HistoryPreserving:   historyPreserving,
		BlobTempDir:         t.TempDir(),
		InvalidationChannel: channel,
		DisableWatchdog:     disableWatchdog,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, dsn
}
