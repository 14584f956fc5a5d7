package pgstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigDefaultsRequiresDsn(t *testing.T) {
	_, err := applyConfigDefaults(Config{})
	assert.Error(t, err)
}

func TestApplyConfigDefaultsFillsZeroValues(t *testing.T) {
	cfg, err := applyConfigDefaults(Config{Dsn: "postgres://localhost/test"})
	require.NoError(t, err)

	assert.Equal(t, "pgjsonb", cfg.Name)
	assert.NotEmpty(t, cfg.BlobTempDir)
	assert.Equal(t, defaultPoolSize, cfg.PoolSize)
	assert.Equal(t, defaultPoolMaxSize, cfg.PoolMaxSize)
	assert.Equal(t, int64(defaultInlineBlobThreshold), cfg.InlineBlobThreshold)
	assert.Equal(t, int64(defaultCompressionThresh), cfg.CompressionThreshold)
	assert.Equal(t, defaultInvalidationChannel, cfg.InvalidationChannel)
	assert.Equal(t, defaultOpenTimeout, cfg.OpenTimeout)
	assert.Equal(t, defaultLeaseTimeout, cfg.LeaseTimeout)
}

func TestApplyConfigDefaultsClampsMaxBelowMin(t *testing.T) {
	cfg, err := applyConfigDefaults(Config{Dsn: "postgres://localhost/test", PoolSize: 20, PoolMaxSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.PoolMaxSize, "max must never end up below the requested minimum")
}

func TestApplyConfigDefaultsPreservesExplicitValues(t *testing.T) {
	cfg, err := applyConfigDefaults(Config{
		Dsn:                  "postgres://localhost/test",
		HistoryPreserving:    true,
		InlineBlobThreshold:  42,
		CompressionThreshold: 7,
	})
	require.NoError(t, err)
	assert.True(t, cfg.HistoryPreserving)
	assert.Equal(t, int64(42), cfg.InlineBlobThreshold)
	assert.Equal(t, int64(7), cfg.CompressionThreshold)
}

func TestNewInstanceTempDirIsUnderParentWithPrefix(t *testing.T) {
	parent := t.TempDir()
	dir, err := newInstanceTempDir(parent)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, parent, filepath.Dir(dir))
	assert.True(t, strings.HasPrefix(filepath.Base(dir), instanceTempDirPrefix))
}

func TestSweepStaleInstanceDirsRemovesOrphans(t *testing.T) {
	parent := t.TempDir()
	_, err := newInstanceTempDir(parent)
	require.NoError(t, err)
	_, err = newInstanceTempDir(parent)
	require.NoError(t, err)

	sweepStaleInstanceDirs(parent)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == ".pgjsonb-sweep.lock" {
			continue
		}
		t.Fatalf("expected sweep to remove orphaned instance dir %q", e.Name())
	}
}
