package pgstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// BlobBackend is the pluggable external object-store tier used once a
// blob's size exceeds InlineBlobThreshold. Put/Get/Delete operate on
// opaque keys produced by blobObjectKey; this package never inspects them.
type BlobBackend interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// blobObjectKey derives a deterministic external-store key from (zoid,
// tid), per §4.5. A random suffix would break determinism (re-uploading the
// same (zoid,tid) twice, as a retried vote can do, must land on the same
// key), so the only non-deterministic-looking component is a namespace
// UUID, fixed at package init, that keeps keys from colliding with anything
// else that might share the same bucket/root.
func blobObjectKey(zoid, tid uint64) string {
	return fmt.Sprintf("%s/%016x/%016x.blob", blobKeyNamespace, zoid, tid)
}

var blobKeyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("pgjsonb-blob")).String()

// localFSBackend is the default BlobBackend: blobs live as plain files
// under root, addressed by their derived key. It exists so the whole engine
// is runnable and testable without any external object-store dependency.
type localFSBackend struct {
	root string
}

// newLocalFSBackend creates (if needed) root and returns a backend rooted
// there.
func newLocalFSBackend(root string) (*localFSBackend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("pgstore: create blob backend root: %w", err)
	}
	return &localFSBackend{root: root}, nil
}

func (b *localFSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *localFSBackend) Put(ctx context.Context, key string, r io.Reader) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("pgstore: create blob dir: %w", err)
	}
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("pgstore: open blob tmp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("pgstore: write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("pgstore: close blob tmp file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("pgstore: publish blob: %w", err)
	}
	return nil
}

func (b *localFSBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &KeyMissingError{}
		}
		return nil, fmt.Errorf("pgstore: open blob: %w", err)
	}
	return f, nil
}

func (b *localFSBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pgstore: delete blob: %w", err)
	}
	return nil
}
