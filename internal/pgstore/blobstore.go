package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
)

// pendingBlobWrite is one buffered storeBlob() call. It carries the same
// object-state payload as a pendingObjectWrite (storeBlob always implies an
// object write, per §4.5) plus the staged source file.
type pendingBlobWrite struct {
	Object pendingObjectWrite

	// SourcePath is the instance-owned file handed to us by storeBlob. It
	// is moved into tombstonePath during vote and unlinked at finish (or
	// unlinked directly on abort, before ever being tombstoned).
	SourcePath string

	// tombstonePath is set once vote has taken ownership of the source
	// file, so finish/abort know what to clean up without re-deriving it.
	tombstonePath string
}

// blobTombstoneDir returns (creating if necessary) the per-instance
// directory pending-blob source files are moved into during vote, so a
// crash between vote and finish leaves identifiable orphans rather than
// bytes silently lost from the filesystem's normal temp area.
func blobTombstoneDir(instanceTempDir string) (string, error) {
	dir := filepath.Join(instanceTempDir, "tombstone")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("pgstore: create tombstone dir: %w", err)
	}
	return dir, nil
}

// stageBlobForVote moves w.SourcePath into the tombstone area and uploads
// it to the appropriate tier, writing the blob_state row inside tx. It must
// run after the owning object_state row has already been written by
// checkConflictAndWrite for the same zoid/tid, since blob_state's invariant
// requires the (zoid, tid) pair to already exist in object_state/history.
func stageBlobForVote(ctx context.Context, tx pgx.Tx, backend BlobBackend, w *pendingBlobWrite, tid uint64, tombstoneDir string, inlineThreshold int64) error {
	info, err := os.Stat(w.SourcePath)
	if err != nil {
		return storageErr(fmt.Errorf("stat blob source: %w", err))
	}

	tombstonePath := filepath.Join(tombstoneDir, fmt.Sprintf("%016x-%016x", w.Object.Zoid, tid))
	if err := os.Rename(w.SourcePath, tombstonePath); err != nil {
		return storageErr(fmt.Errorf("tombstone blob source: %w", err))
	}
	w.tombstonePath = tombstonePath

	if info.Size() <= inlineThreshold {
		data, err := os.ReadFile(tombstonePath)
		if err != nil {
			return storageErr(fmt.Errorf("read inline blob: %w", err))
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO blob_state (zoid, tid, data, object_store_key) VALUES ($1, $2, $3, NULL)`,
			w.Object.Zoid, tid, data); err != nil {
			return storageErr(fmt.Errorf("write inline blob_state: %w", err))
		}
		return nil
	}

	key := blobObjectKey(w.Object.Zoid, tid)
	f, err := os.Open(tombstonePath)
	if err != nil {
		return storageErr(fmt.Errorf("open blob for upload: %w", err))
	}
	defer f.Close()
	// External-store failure during vote is a fatal error for the
	// transaction and triggers abort, per §4.5.
	if err := backend.Put(ctx, key, f); err != nil {
		return storageErr(fmt.Errorf("upload blob to external store: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO blob_state (zoid, tid, data, object_store_key) VALUES ($1, $2, NULL, $3)`,
		w.Object.Zoid, tid, key); err != nil {
		return storageErr(fmt.Errorf("write external blob_state: %w", err))
	}
	return nil
}

// finishBlob unlinks the now-committed tombstone file. A failure here is
// Fatal, not StorageError: the database transaction already committed, so
// the blob row is durable even if its tombstone leaks.
func finishBlob(w *pendingBlobWrite) error {
	if w.tombstonePath == "" {
		return nil
	}
	if err := os.Remove(w.tombstonePath); err != nil && !os.IsNotExist(err) {
		return &FatalError{Cause: fmt.Errorf("unlink blob tombstone: %w", err)}
	}
	return nil
}

// abortBlob unlinks whichever of SourcePath/tombstonePath currently holds
// the staged bytes, restoring the "no blob row, no leftover file" guarantee
// the abort-cleanup testable property requires.
func abortBlob(w *pendingBlobWrite) {
	path := w.SourcePath
	if w.tombstonePath != "" {
		path = w.tombstonePath
	}
	_ = os.Remove(path)
}

// loadBlob materializes the blob for (zoid, tid) into a new file inside
// instanceTempDir and returns its path. The file is read-only by
// convention; callers must not mutate it in place.
func loadBlob(ctx context.Context, q querier, backend BlobBackend, zoid, tid uint64, instanceTempDir string) (path string, err error) {
	ctx, span := startSpan(ctx, "load_blob", "select blob_state")
	defer func() { endSpan(span, err) }()

	var data []byte
	var key *string
	scanErr := q.QueryRow(ctx, `SELECT data, object_store_key FROM blob_state WHERE zoid = $1 AND tid = $2`, zoid, tid).Scan(&data, &key)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		err = &KeyMissingError{Zoid: zoid, Tid: &tid}
		return "", err
	}
	if scanErr != nil {
		err = storageErr(scanErr)
		return "", err
	}

	if err := os.MkdirAll(instanceTempDir, 0o750); err != nil {
		return "", storageErr(fmt.Errorf("create blob scratch dir: %w", err))
	}
	outPath := filepath.Join(instanceTempDir, fmt.Sprintf("%016x-%016x.blob", zoid, tid))

	if key != nil {
		rc, getErr := backend.Get(ctx, *key)
		if getErr != nil {
			err = storageErr(fmt.Errorf("fetch external blob: %w", getErr))
			return "", err
		}
		defer rc.Close()
		out, createErr := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o440)
		if createErr != nil {
			err = storageErr(fmt.Errorf("create blob scratch file: %w", createErr))
			return "", err
		}
		if _, copyErr := io.Copy(out, rc); copyErr != nil {
			_ = out.Close()
			err = storageErr(fmt.Errorf("materialize external blob: %w", copyErr))
			return "", err
		}
		_ = out.Close()
		return outPath, nil
	}

	if writeErr := os.WriteFile(outPath, data, 0o440); writeErr != nil {
		err = storageErr(fmt.Errorf("materialize inline blob: %w", writeErr))
		return "", err
	}
	return outPath, nil
}

// openCommittedBlobFile is loadBlob plus opening the materialized file, so
// callers that don't need the path (just the bytes) can skip a second
// syscall round trip.
func openCommittedBlobFile(ctx context.Context, q querier, backend BlobBackend, zoid, tid uint64, instanceTempDir string) (*os.File, error) {
	path, err := loadBlob(ctx, q, backend, zoid, tid, instanceTempDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, storageErr(fmt.Errorf("open materialized blob: %w", err))
	}
	return f, nil
}
