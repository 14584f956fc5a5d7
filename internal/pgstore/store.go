package pgstore

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Store is the shared backend: the connection pool, the schema mode, and
// the invalidation-listener thread. A framework opens exactly one Store
// per logical database and calls NewInstance() once per active
// connection/thread.
type Store struct {
	cfg         Config
	pool        *pool
	blobBackend BlobBackend
	bus         *invalidationBus

	refCount atomic.Int64
	mu       sync.Mutex
	closed   bool
}

// Open applies defaults to cfg, opens the connection pool, constructs the
// default blob backend if none was supplied, and (unless
// cfg.DisableWatchdog) starts the invalidation listener. It does not
// install the schema; call InstallSchema separately (typically via the
// CLI), mirroring the "schema install is an explicit operator action"
// posture of the upstream CLI surface.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg, err := applyConfigDefaults(cfg)
	if err != nil {
		return nil, err
	}

	p, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend := cfg.BlobBackend
	if backend == nil {
		backend, err = newLocalFSBackend(cfg.BlobTempDir + "/external")
		if err != nil {
			p.drain()
			return nil, storageErr(err)
		}
	}

	sweepStaleInstanceDirs(cfg.BlobTempDir)

	s := &Store{cfg: cfg, pool: p, blobBackend: backend}

	if !cfg.DisableWatchdog {
		s.bus = newInvalidationBus(cfg.Dsn, cfg.InvalidationChannel, p)
		s.bus.start(ctx)
	}
	return s, nil
}

// NewInstance returns a new per-thread handle sharing this Store's pool,
// schema mode, and invalidation bus.
func (s *Store) NewInstance() *Instance {
	s.refCount.Add(1)
	return newInstance(s)
}

// releaseInstance is called by Instance.Release via the Store back-
// reference kept on newInstance; it only decrements the live-instance count.
// Close does not consult that count: it drains the pool and stops the
// listener immediately, whether or not instances are still live.
func (s *Store) releaseInstance() {
	s.refCount.Add(-1)
}

// Close drains the connection pool and joins the invalidation listener.
// The caller must have released every Instance first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.bus != nil {
		s.bus.stop()
	}
	s.pool.drain()
	return nil
}

func (s *Store) logFatal(err error) {
	slog.Error("pgstore: fatal error after commit", "error", err)
}

// Load, LoadBefore, LoadSerial, LastTransaction, and GetSize are read-only
// and do not require an in-flight transaction. Load, LoadBefore, LoadSerial,
// LoadBlob and OpenCommittedBlobFile run inside a leased REPEATABLE READ
// read-only transaction; LastTransaction and GetSize use a plain lease at
// the default isolation level.

// Load reads the current revision of zoid.
func (s *Store) Load(ctx context.Context, zoid uint64) ([]byte, uint64, error) {
	conn, err := s.pool.leaseReadOnly(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Release()
	return load(ctx, conn, zoid)
}

// LoadBefore returns the revision of zoid in effect strictly before tid.
func (s *Store) LoadBefore(ctx context.Context, zoid, tid uint64) ([]byte, uint64, *uint64, error) {
	conn, err := s.pool.leaseReadOnly(ctx)
	if err != nil {
		return nil, 0, nil, err
	}
	defer conn.Release()
	return loadBefore(ctx, conn, zoid, tid, s.cfg.HistoryPreserving)
}

// LoadSerial returns the exact (zoid, tid) revision.
func (s *Store) LoadSerial(ctx context.Context, zoid, tid uint64) ([]byte, error) {
	conn, err := s.pool.leaseReadOnly(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	return loadSerial(ctx, conn, zoid, tid, s.cfg.HistoryPreserving)
}

// LoadBlob materializes the blob for (zoid, tid) into a fresh file inside
// instanceTempDir.
func (s *Store) LoadBlob(ctx context.Context, zoid, tid uint64, instanceTempDir string) (string, error) {
	conn, err := s.pool.leaseReadOnly(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release()
	return loadBlob(ctx, conn, s.blobBackend, zoid, tid, instanceTempDir)
}

// OpenCommittedBlobFile is LoadBlob plus opening the resulting file.
func (s *Store) OpenCommittedBlobFile(ctx context.Context, zoid, tid uint64, instanceTempDir string) (*fileHandle, error) {
	conn, err := s.pool.leaseReadOnly(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	f, err := openCommittedBlobFile(ctx, conn, s.blobBackend, zoid, tid, instanceTempDir)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// LastTransaction returns the highest committed TID, or 0 if the database
// has no committed transactions yet.
func (s *Store) LastTransaction(ctx context.Context) (uint64, error) {
	conn, err := s.pool.lease(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()
	var tid *uint64
	if err := conn.QueryRow(ctx, `SELECT max(tid) FROM transaction_log`).Scan(&tid); err != nil {
		return 0, storageErr(err)
	}
	if tid == nil {
		return 0, nil
	}
	return *tid, nil
}

// GetSize estimates on-disk size in bytes, summing state_size across
// current object rows (and history rows, in history-preserving mode) plus
// inline blob bytes. External-tier blob bytes are not this database's
// storage to account for.
func (s *Store) GetSize(ctx context.Context) (int64, error) {
	conn, err := s.pool.lease(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var total int64
	if err := conn.QueryRow(ctx, `SELECT coalesce(sum(state_size), 0) FROM object_state`).Scan(&total); err != nil {
		return 0, storageErr(err)
	}
	if s.cfg.HistoryPreserving {
		var histTotal int64
		if err := conn.QueryRow(ctx, `SELECT coalesce(sum(state_size), 0) FROM object_history`).Scan(&histTotal); err == nil {
			total += histTotal
		}
	}
	var blobTotal int64
	if err := conn.QueryRow(ctx, `SELECT coalesce(sum(length(data)), 0) FROM blob_state WHERE data IS NOT NULL`).Scan(&blobTotal); err == nil {
		total += blobTotal
	}
	return total, nil
}

// NewOID allocates a fresh, never-before-used zoid from the zoid_seq
// sequence. Object identity and transaction identity are independent
// spaces: TIDs come from allocateTID, not from a sequence.
func (s *Store) NewOID(ctx context.Context) (uint64, error) {
	conn, err := s.pool.lease(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()
	var oid uint64
	if err := conn.QueryRow(ctx, `SELECT nextval('zoid_seq')`).Scan(&oid); err != nil {
		return 0, storageErr(err)
	}
	return oid, nil
}

// fileHandle is an unexported alias for os.File, the type
// openCommittedBlobFile and OpenCommittedBlobFile return.
type fileHandle = os.File

// PollInvalidations drains inst's invalidation queue. See instanceQueue.poll
// for the nil-on-cold-cache contract.
func (inst *Instance) PollInvalidations() map[uint64]struct{} {
	if inst.invalidations == nil {
		return nil
	}
	return inst.invalidations.poll()
}
