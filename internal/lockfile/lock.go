// Package lockfile wraps the platform flock(2)/LockFileEx primitives behind
// a small exclusive/shared vocabulary. It backs the startup recovery sweep
// that removes orphaned per-instance temp directories left behind by a
// crashed process (see pgstore's sweepStaleInstanceDirs), so two processes
// starting up concurrently don't race cleaning the same prefix.
package lockfile

import "errors"

// ErrLockBusy is returned by FlockSharedNonBlock and FlockExclusiveNonBlock
// when the lock cannot be acquired because another process holds a
// conflicting lock. FlockExclusiveNonBlocking reports the same condition
// with its own errSweepLocked error instead.
var ErrLockBusy = errors.New("lockfile: lock busy, held by another process")
