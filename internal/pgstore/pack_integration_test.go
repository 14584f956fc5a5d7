//go:build integration

package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitOne(t *testing.T, store *Store, zoid, oldSerial uint64, state []byte, refs []uint64) uint64 {
	t.Helper()
	ctx := context.Background()
	inst := store.NewInstance()
	defer inst.Release()
	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "packer"}))
	require.NoError(t, inst.Store(zoid, oldSerial, state, refs, "pkg", "Thing"))
	_, err := inst.TpcVote(ctx)
	require.NoError(t, err)
	tid, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)
	return tid
}

func TestPackHistoryFreeRemovesUnreachableObjects(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	commitOne(t, store, rootZoid, 0, []byte("root"), []uint64{1})
	commitOne(t, store, 1, 0, []byte("reachable"), nil)
	commitOne(t, store, 99, 0, []byte("garbage"), nil)

	result, err := store.Pack(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ObjectsDeleted)

	_, _, err = store.Load(ctx, 99)
	var missing *KeyMissingError
	assert.ErrorAs(t, err, &missing)

	_, _, err = store.Load(ctx, 1)
	assert.NoError(t, err)
}

// TestPackHistoryPreservingPrunesOldRevisionsButKeepsCurrent exercises §8
// scenario 6 verbatim: three committed revisions of one zoid at
// tid1 < tid2 < tid3, pack(pack_time=tid2), then loadSerial must raise
// KeyMissing for tid1, and succeed for both tid2 and tid3.
func TestPackHistoryPreservingPrunesOldRevisionsButKeepsCurrent(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	commitOne(t, store, rootZoid, 0, []byte("root"), []uint64{9})
	tid1 := commitOne(t, store, 9, 0, []byte("v1"), nil)
	tid2 := commitOne(t, store, 9, tid1, []byte("v2"), nil)
	tid3 := commitOne(t, store, 9, tid2, []byte("v3"), nil)

	result, err := store.Pack(ctx, tid2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.HistoryRowsDeleted, "only the tid1 history row should be pruned")

	_, err = store.LoadSerial(ctx, 9, tid1)
	var missing *KeyMissingError
	assert.ErrorAs(t, err, &missing, "tid1 must be gone after packing past it")

	state2, err := store.LoadSerial(ctx, 9, tid2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), state2, "tid2 is the pack boundary and must survive")

	state3, err := store.LoadSerial(ctx, 9, tid3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), state3, "tid3 is the current revision and must survive")
}
