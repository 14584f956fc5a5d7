package pgstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// coordState is one state of the per-instance commit state machine:
// Idle -> Begun -> Voted -> Idle. There is no separate Finishing state:
// TpcFinish performs the whole Voted -> Idle step while holding inst.mu, and
// a failure inside it also returns straight to Idle. Aborting is entered
// only from Begun, when TpcVote fails, and TpcAbort takes it back to Idle.
type coordState int

const (
	stateIdle coordState = iota
	stateBegun
	stateVoted
	stateAborting
)

func (s coordState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBegun:
		return "begun"
	case stateVoted:
		return "voted"
	case stateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// TxnInfo carries the framework-supplied transaction metadata recorded in
// transaction_log at finish.
type TxnInfo struct {
	Username    string
	Description string
	Extension   []byte
}

// Instance is a per-thread handle onto a shared Store: one leased
// connection, one pending-write buffer, one coordinator state machine.
// Only one transaction may be in flight per instance; concurrent use from
// two goroutines against the same instance is a programming error
// (ErrInvalidState), matching "only one transaction is in flight per
// instance" in §4.6.
type Instance struct {
	store *Store

	mu    sync.Mutex
	state coordState

	conn *pgxpool.Conn
	tx   pgx.Tx

	txnInfo      TxnInfo
	pendingObjs  []pendingObjectWrite
	pendingBlobs []pendingBlobWrite
	tombstoneDir string
	touchedZoids []uint64

	tempDir string

	invalidations *instanceQueue

	readOnly bool
	released bool
}

// newInstance wires an Instance to its shared store and registers it with
// the invalidation bus so it starts receiving fan-out immediately, even
// before its first poll.
func newInstance(s *Store) *Instance {
	inst := &Instance{store: s, state: stateIdle, readOnly: s.cfg.ReadOnly}
	if s.bus != nil {
		inst.invalidations = s.bus.register()
	}
	return inst
}

// TemporaryDirectory returns (creating on first use) this instance's
// scratch directory for materialized blobs.
func (inst *Instance) TemporaryDirectory() (string, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.tempDir != "" {
		return inst.tempDir, nil
	}
	dir, err := newInstanceTempDir(inst.store.cfg.BlobTempDir)
	if err != nil {
		return "", err
	}
	inst.tempDir = dir
	return dir, nil
}

// TpcBegin leases a write connection and opens the buffered commit cycle.
// Allowed only from Idle.
func (inst *Instance) TpcBegin(ctx context.Context, info TxnInfo) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.readOnly {
		return ErrReadOnly
	}
	if inst.state != stateIdle {
		return fmt.Errorf("tpc_begin: %w (currently %s)", ErrInvalidState, inst.state)
	}

	conn, err := inst.store.pool.lease(ctx)
	if err != nil {
		return err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return storageErr(fmt.Errorf("begin db transaction: %w", err))
	}

	inst.conn = conn
	inst.tx = tx
	inst.txnInfo = info
	inst.pendingObjs = nil
	inst.pendingBlobs = nil
	inst.touchedZoids = nil
	inst.state = stateBegun
	return nil
}

// Store buffers a store() call. Allowed only from Begun.
func (inst *Instance) Store(zoid, oldSerial uint64, state []byte, refs []uint64, classModule, className string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateBegun {
		return fmt.Errorf("store: %w (currently %s)", ErrInvalidState, inst.state)
	}
	inst.pendingObjs = append(inst.pendingObjs, pendingObjectWrite{
		Zoid: zoid, OldSerial: oldSerial, State: state, Refs: refs,
		ClassModule: classModule, ClassName: className,
	})
	return nil
}

// StoreBlob buffers a storeBlob() call and registers sourcePath as a
// pending blob owned by this instance until vote, abort, or finish
// disposes of it. version must be empty; this engine has no multi-version
// blob support, matching §4.5.
func (inst *Instance) StoreBlob(zoid, oldSerial uint64, state []byte, refs []uint64, classModule, className, sourcePath, version string) error {
	if version != "" {
		return fmt.Errorf("pgstore: blob versions are not supported")
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateBegun {
		return fmt.Errorf("store_blob: %w (currently %s)", ErrInvalidState, inst.state)
	}
	inst.pendingBlobs = append(inst.pendingBlobs, pendingBlobWrite{
		Object: pendingObjectWrite{
			Zoid: zoid, OldSerial: oldSerial, State: state, Refs: refs,
			ClassModule: classModule, ClassName: className,
		},
		SourcePath: sourcePath,
	})
	return nil
}

// TpcVote acquires the commit advisory lock, allocates the TID, runs
// conflict detection and writes every buffered object/blob, and stages
// blob source files into the tombstone area. Allowed only from Begun. On
// any failure the database transaction is rolled back and the instance
// moves to Aborting.
func (inst *Instance) TpcVote(ctx context.Context) (touched []uint64, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateBegun {
		return nil, fmt.Errorf("tpc_vote: %w (currently %s)", ErrInvalidState, inst.state)
	}

	ctx, span := startSpan(ctx, "tpc_vote", "")
	defer func() { endSpan(span, err) }()

	defer func() {
		if err != nil {
			_ = inst.tx.Rollback(ctx)
			inst.state = stateAborting
		}
	}()

	if err = acquireCommitLock(ctx, inst.tx); err != nil {
		return nil, err
	}

	tid, err := allocateTID(ctx, inst.tx, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}

	if _, execErr := inst.tx.Exec(ctx, `
		INSERT INTO transaction_log (tid, username, description, extension) VALUES ($1, $2, $3, $4)`,
		tid, inst.txnInfo.Username, inst.txnInfo.Description, inst.txnInfo.Extension); execErr != nil {
		err = storageErr(fmt.Errorf("write transaction record: %w", execErr))
		return nil, err
	}

	seen := make(map[uint64]struct{})
	for _, w := range inst.pendingObjs {
		encoded := encodeState(w.State, inst.store.cfg.CompressionThreshold)
		encodedWrite := w
		encodedWrite.State = encoded
		if err = checkConflictAndWrite(ctx, inst.tx, encodedWrite, tid, len(w.State), inst.store.cfg.HistoryPreserving); err != nil {
			return nil, err
		}
		seen[w.Zoid] = struct{}{}
	}

	if len(inst.pendingBlobs) > 0 {
		inst.tombstoneDir, err = blobTombstoneDir(inst.tempDirOrDefault())
		if err != nil {
			return nil, storageErr(err)
		}
	}
	for i := range inst.pendingBlobs {
		bw := &inst.pendingBlobs[i]
		encoded := encodeState(bw.Object.State, inst.store.cfg.CompressionThreshold)
		objWrite := bw.Object
		objWrite.State = encoded
		if err = checkConflictAndWrite(ctx, inst.tx, objWrite, tid, len(bw.Object.State), inst.store.cfg.HistoryPreserving); err != nil {
			return nil, err
		}
		if err = stageBlobForVote(ctx, inst.tx, inst.store.blobBackend, bw, tid, inst.tombstoneDir, inst.store.cfg.InlineBlobThreshold); err != nil {
			return nil, err
		}
		seen[bw.Object.Zoid] = struct{}{}
	}

	touched = make([]uint64, 0, len(seen))
	for z := range seen {
		touched = append(touched, z)
	}
	inst.touchedZoids = touched
	inst.state = stateVoted
	return touched, nil
}

func (inst *Instance) tempDirOrDefault() string {
	if inst.tempDir != "" {
		return inst.tempDir
	}
	dir, err := newInstanceTempDir(inst.store.cfg.BlobTempDir)
	if err == nil {
		inst.tempDir = dir
	}
	return inst.tempDir
}

// TpcFinish commits the database transaction (firing the commit trigger
// that publishes the invalidation NOTIFY), unlinks tombstoned blob source
// files, and invokes callback(tid) before releasing the connection.
// Allowed only from Voted.
func (inst *Instance) TpcFinish(ctx context.Context, callback func(tid uint64)) (tid uint64, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateVoted {
		return 0, fmt.Errorf("tpc_finish: %w (currently %s)", ErrInvalidState, inst.state)
	}

	ctx, span := startSpan(ctx, "tpc_finish", "")
	defer func() { endSpan(span, err) }()

	var votedTid uint64
	if scanErr := inst.tx.QueryRow(ctx, `SELECT max(tid) FROM transaction_log`).Scan(&votedTid); scanErr != nil {
		_ = inst.tx.Rollback(ctx)
		inst.releaseConn()
		inst.state = stateIdle
		return 0, storageErr(fmt.Errorf("read voted tid: %w", scanErr))
	}

	if commitErr := inst.tx.Commit(ctx); commitErr != nil {
		inst.releaseConn()
		inst.state = stateIdle
		return 0, storageErr(fmt.Errorf("commit transaction: %w", commitErr))
	}
	metrics.commitCount.Add(ctx, 1)

	// Everything below this line runs after durability: failures are
	// Fatal (logged), never raised into the framework, per §7.
	for i := range inst.pendingBlobs {
		if fatalErr := finishBlob(&inst.pendingBlobs[i]); fatalErr != nil {
			inst.store.logFatal(fatalErr)
		}
	}

	if callback != nil {
		callback(votedTid)
	}

	inst.releaseConn()
	inst.state = stateIdle
	return votedTid, nil
}

// TpcAbort rolls back the database transaction and unlinks any queued or
// tombstoned blob source files. Allowed from Begun, Voted, or Aborting
// (after a failed vote).
func (inst *Instance) TpcAbort(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateBegun && inst.state != stateVoted && inst.state != stateAborting {
		return fmt.Errorf("tpc_abort: %w (currently %s)", ErrInvalidState, inst.state)
	}
	if inst.tx != nil {
		_ = inst.tx.Rollback(ctx)
	}
	for i := range inst.pendingBlobs {
		abortBlob(&inst.pendingBlobs[i])
	}
	inst.releaseConn()
	inst.pendingObjs = nil
	inst.pendingBlobs = nil
	inst.state = stateIdle
	return nil
}

func (inst *Instance) releaseConn() {
	if inst.conn != nil {
		inst.conn.Release()
		inst.conn = nil
	}
	inst.tx = nil
}

// Release returns this instance's owned resources (temp dir, pending
// state) to the operating system and drops it from the invalidation bus.
func (inst *Instance) Release() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.released {
		return
	}
	inst.released = true
	if inst.state != stateIdle && inst.tx != nil {
		_ = inst.tx.Rollback(context.Background())
		inst.releaseConn()
	}
	if inst.tempDir != "" {
		_ = os.RemoveAll(inst.tempDir)
	}
	if inst.invalidations != nil {
		inst.store.bus.unregister(inst.invalidations)
	}
	inst.store.releaseInstance()
}
