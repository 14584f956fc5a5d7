//go:build integration

package pgstore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallSchemaIsIdempotent(t *testing.T) {
	_, dsn := newTestStore(t, true)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, InstallSchema(ctx, pool, true, ""))
	require.NoError(t, InstallSchema(ctx, pool, true, ""))

	exists, err := tableExists(ctx, pool, "object_history")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDropHistoryMigratesDownToHistoryFree(t *testing.T) {
	store, dsn := newTestStore(t, true)
	ctx := context.Background()

	inst := store.NewInstance()
	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(1, 0, []byte("v1"), nil, "pkg", "Thing"))
	_, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	tid1, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(1, tid1, []byte("v2"), nil, "pkg", "Thing"))
	_, err = inst.TpcVote(ctx)
	require.NoError(t, err)
	_, err = inst.TpcFinish(ctx, nil)
	require.NoError(t, err)
	inst.Release()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	result, err := DropHistory(ctx, pool)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.HistoryRows, int64(1))

	exists, err := tableExists(ctx, pool, "object_history")
	require.NoError(t, err)
	assert.False(t, exists)

	state, tid, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), state)
	assert.Greater(t, tid, uint64(0))
}
