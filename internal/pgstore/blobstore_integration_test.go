//go:build integration

package pgstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempBlob(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "source.blob")
	require.NoError(t, os.WriteFile(path, data, 0o640))
	return path
}

func TestStoreBlobInlineTier(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()
	tmp, err := inst.TemporaryDirectory()
	require.NoError(t, err)

	small := bytes.Repeat([]byte("a"), 64)
	src := writeTempBlob(t, tmp, small)

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.StoreBlob(11, 0, []byte("meta"), nil, "pkg", "Blob", src, ""))
	_, err = inst.TpcVote(ctx)
	require.NoError(t, err)
	tid, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	path, err := store.LoadBlob(ctx, 11, tid, t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, small, got)
}

func TestStoreBlobExternalTier(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()
	tmp, err := inst.TemporaryDirectory()
	require.NoError(t, err)

	large := bytes.Repeat([]byte("b"), int(store.cfg.InlineBlobThreshold)+1024)
	src := writeTempBlob(t, tmp, large)

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.StoreBlob(12, 0, []byte("meta"), nil, "pkg", "Blob", src, ""))
	_, err = inst.TpcVote(ctx)
	require.NoError(t, err)
	tid, err := inst.TpcFinish(ctx, nil)
	require.NoError(t, err)

	path, err := store.LoadBlob(ctx, 12, tid, t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, large, got)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source file should be tombstoned away, never left at its original path")
}

func TestAbortCleansUpPendingBlob(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	inst := store.NewInstance()
	defer inst.Release()
	tmp, err := inst.TemporaryDirectory()
	require.NoError(t, err)
	src := writeTempBlob(t, tmp, []byte("abandoned"))

	require.NoError(t, inst.TpcBegin(ctx, TxnInfo{Username: "alice"}))
	require.NoError(t, inst.StoreBlob(13, 0, []byte("meta"), nil, "pkg", "Blob", src, ""))
	require.NoError(t, inst.TpcAbort(ctx))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}
