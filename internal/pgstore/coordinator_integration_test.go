//go:build integration

package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTpcCycleCommitsAndIsVisible(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice", Description: "create"}))
	require.NoError(t, inst.Store(1, 0, []byte("hello"), []uint64{2}, "pkg", "Widget"))
	touched, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, touched)

	var committedTid uint64
	tid, err := inst.TpcFinish(ctx, func(finishedTid uint64) { committedTid = finishedTid })
	require.NoError(t, err)
	assert.Equal(t, tid, committedTid)

	state, readTid, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), state)
	assert.Equal(t, tid, readTid)
}

func TestTpcVoteDetectsConflict(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()
	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(9, 0, []byte("v1"), nil, "pkg", "Thing"))
	_, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	_, err = inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	other := store.NewInstance()
	defer other.Release()
	require.NoError(t, other.TpcBegin(ctx, TxnInfo{Username: "bob"}))
	require.NoError(t, other.Store(9, 0, []byte("stale-write"), nil, "pkg", "Thing"))
	_, err = other.TpcVote(ctx)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, uint64(9), conflictErr.Zoid)

	require.NoError(t, other.TpcAbort(ctx))
}

func TestTpcAbortLeavesNoTrace(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()
	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(77, 0, []byte("never-committed"), nil, "pkg", "Thing"))
	_, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	require.NoError(t, inst.TpcAbort(ctx))

	_, _, err = store.Load(ctx, 77)
	var missing *KeyMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestLoadBeforeAndLoadSerialHistoryPreserving(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(5, 0, []byte("v1"), nil, "pkg", "Thing"))
	_, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	tid1, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.Store(5, tid1, []byte("v2"), nil, "pkg", "Thing"))
	_, err = inst.TpcVote(ctx)
	require.NoError(t, err)
	tid2, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	v1, err := store.LoadSerial(ctx, 5, tid1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v1)

	before, serial, next, err := store.LoadBefore(ctx, 5, tid2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), before)
	assert.Equal(t, tid1, serial)
	require.NotNil(t, next)
	assert.Equal(t, tid2, *next)
}

// TestLoadBeforeResolvesNextSerialFromHistory covers a zoid with more than
// two revisions, where the revision loadBefore resolves to is neither the
// first nor the current row: next_serial must come from the next history
// row, not be short-circuited to the current row's tid.
func TestLoadBeforeResolvesNextSerialFromHistory(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()

	commit := func(old uint64, state string) uint64 {
		require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
		require.NoError(t, inst.Store(9, old, []byte(state), nil, "pkg", "Thing"))
		_, err := inst.TpcVote(ctx)
		require.NoError(t, err)
		tid, err := inst.TpcFinish(ctx, nil)
		require.NoError(t, err)
		return tid
	}

	tid1 := commit(0, "v1")
	tid2 := commit(tid1, "v2")
	tid3 := commit(tid2, "v3")
	_ = commit(tid3, "v4") // current row; v1..v3 all live in object_history

	before, serial, next, err := store.LoadBefore(ctx, 9, tid3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), before)
	assert.Equal(t, tid2, serial)
	require.NotNil(t, next)
	assert.Equal(t, tid3, *next, "next_serial must be the next history row (tid3), not the current row's tid")
}
