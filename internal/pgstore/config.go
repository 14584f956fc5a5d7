package pgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relstore/pgjsonb/internal/lockfile"
)

const (
	defaultPoolSize            = 2
	defaultPoolMaxSize         = 10
	defaultInlineBlobThreshold = 1 << 20 // 1 MiB
	defaultCompressionThresh   = 8 << 10 // 8 KiB
	defaultInvalidationChannel = "zodb_invalidations"
	defaultOpenTimeout         = 10 * time.Second
	defaultLeaseTimeout        = 5 * time.Second
)

// Config holds the options the framework's (out-of-scope) config-file
// parser would otherwise hand us. Field names track the ZConfig factory
// shape of the distilled original (dsn, name, history_preserving,
// blob_temp_dir) plus the pool/tiering/compression knobs this engine needs.
type Config struct {
	// Dsn is the PostgreSQL connection string. Required.
	Dsn string
	// Name is a human label for this storage instance.
	Name string
	// HistoryPreserving selects the schema variant at install time.
	HistoryPreserving bool
	// BlobTempDir is the parent directory for per-instance scratch dirs.
	// Defaults to os.TempDir().
	BlobTempDir string
	// CacheLocalMB is advisory only; this engine never reads it. It exists
	// so a collaborator above us can persist its own cache sizing alongside
	// our config without a second struct.
	CacheLocalMB int

	PoolSize    int
	PoolMaxSize int

	InlineBlobThreshold  int64
	CompressionThreshold int64

	InvalidationChannel string

	// BlobBackend is the external object-store tier. A local-filesystem
	// backend rooted under BlobTempDir/external is constructed if nil.
	BlobBackend BlobBackend

	OpenTimeout  time.Duration
	LeaseTimeout time.Duration

	// ReadOnly rejects all mutating operations with ErrReadOnly.
	ReadOnly bool

	// DisableWatchdog skips starting the invalidation listener goroutine;
	// intended for tests that only exercise the object/blob store directly.
	DisableWatchdog bool
}

func applyConfigDefaults(cfg Config) (Config, error) {
	if cfg.Dsn == "" {
		return cfg, fmt.Errorf("pgstore: dsn is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pgjsonb"
	}
	if cfg.BlobTempDir == "" {
		cfg.BlobTempDir = os.TempDir()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PoolMaxSize <= 0 {
		cfg.PoolMaxSize = defaultPoolMaxSize
	}
	if cfg.PoolMaxSize < cfg.PoolSize {
		cfg.PoolMaxSize = cfg.PoolSize
	}
	if cfg.InlineBlobThreshold <= 0 {
		cfg.InlineBlobThreshold = defaultInlineBlobThreshold
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThresh
	}
	if cfg.InvalidationChannel == "" {
		cfg.InvalidationChannel = defaultInvalidationChannel
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	return cfg, nil
}

// instanceTempDirPrefix is the prefix used for per-instance scratch
// directories, so a startup recovery sweep can find and remove orphans left
// behind by a crashed previous process.
const instanceTempDirPrefix = "pgjsonb-inst-"

func newInstanceTempDir(parent string) (string, error) {
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", fmt.Errorf("pgstore: create blob temp parent: %w", err)
	}
	dir, err := os.MkdirTemp(parent, instanceTempDirPrefix)
	if err != nil {
		return "", fmt.Errorf("pgstore: create instance temp dir: %w", err)
	}
	return dir, nil
}

// sweepStaleInstanceDirs removes instanceTempDirPrefix-named directories left
// behind by a process that crashed before calling release(). Guarded by an
// exclusive, non-blocking file lock so two processes opening a Store against
// the same BlobTempDir at the same moment don't both try to remove the same
// orphaned directory; a process that loses the race simply skips the sweep
// and leaves it to whichever process won.
func sweepStaleInstanceDirs(parent string) {
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return
	}
	lockPath := filepath.Join(parent, ".pgjsonb-sweep.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return
	}
	defer f.Close()
	// Whether the lock is busy (another process is already sweeping) or
	// something else went wrong, the sweep is best-effort: skip it and let
	// whichever process holds the lock finish the job.
	if err := lockfile.FlockExclusiveNonBlocking(f); err != nil {
		return
	}
	defer func() { _ = lockfile.FlockUnlock(f) }()

	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) >= len(instanceTempDirPrefix) && name[:len(instanceTempDirPrefix)] == instanceTempDirPrefix {
			_ = os.RemoveAll(filepath.Join(parent, name))
		}
	}
}
