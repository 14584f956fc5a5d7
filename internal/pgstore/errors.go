package pgstore

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a coordinator operation is called in the
// wrong phase of the commit state machine. It always indicates a programming
// error in the caller.
var ErrInvalidState = errors.New("pgstore: invalid state")

// ErrReadOnly is returned when a mutating operation is attempted on a
// read-only instance.
var ErrReadOnly = errors.New("pgstore: storage is read-only")

// ErrPoolExhausted is returned when a connection lease times out because the
// pool's maximum size is reached and nothing returns in time.
var ErrPoolExhausted = errors.New("pgstore: connection pool exhausted")

// KeyMissingError is returned by load, loadBefore, loadSerial, and the blob
// equivalents when the requested object or blob does not exist.
type KeyMissingError struct {
	Zoid uint64
	Tid  *uint64
}

func (e *KeyMissingError) Error() string {
	if e.Tid != nil {
		return fmt.Sprintf("pgstore: no record for zoid=%d tid=%d", e.Zoid, *e.Tid)
	}
	return fmt.Sprintf("pgstore: no record for zoid=%d", e.Zoid)
}

// ConflictError is returned by tpc_vote when a concurrent committer has
// already replaced the object's current serial.
type ConflictError struct {
	Zoid          uint64
	OldSerial     uint64
	CurrentSerial uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pgstore: conflict on zoid=%d: old_serial=%d current_serial=%d",
		e.Zoid, e.OldSerial, e.CurrentSerial)
}

// StorageError wraps a database or I/O failure, including a connection lease
// that timed out (ErrPoolExhausted). When it is returned from TpcVote or
// TpcFinish, the database transaction has not committed and has been rolled
// back by the time this error surfaces.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("pgstore: storage error: %v", e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// FatalError wraps a failure that happened during finish after the database
// commit already succeeded (e.g. a tombstone file failed to unlink). The
// transaction is durable regardless; callers log this, they do not retry it.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("pgstore: fatal (post-commit): %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

func storageErr(cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{Cause: cause}
}
