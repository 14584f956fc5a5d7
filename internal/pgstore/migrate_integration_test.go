//go:build integration

package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyTransactionsFromReplaysVerbatim(t *testing.T) {
	source, _ := newTestStore(t, false)
	dest, _ := newTestStore(t, false)
	ctx := context.Background()

	commitOne(t, source, 1, 0, []byte("from-source"), []uint64{2})
	commitOne(t, source, 2, 0, []byte("also-from-source"), nil)

	require.NoError(t, dest.CopyTransactionsFrom(ctx, source))

	state, _, err := dest.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-source"), state)

	state2, _, err := dest.Load(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("also-from-source"), state2)

	sourceLast, err := source.LastTransaction(ctx)
	require.NoError(t, err)
	destLast, err := dest.LastTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, sourceLast, destLast)
}

func TestCopyTransactionsFromFailsFastOnOverlap(t *testing.T) {
	source, _ := newTestStore(t, false)
	dest, _ := newTestStore(t, false)
	ctx := context.Background()

	commitOne(t, source, 1, 0, []byte("v1"), nil)
	require.NoError(t, dest.CopyTransactionsFrom(ctx, source))

	commitOne(t, source, 2, 0, []byte("v2"), nil)
	err := dest.CopyTransactionsFrom(ctx, source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}
