package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestLockFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		t.Fatalf("open lock file: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFlockExclusiveNonBlockingRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.lock")
	a, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if err := FlockExclusiveNonBlocking(a); err != nil {
		t.Fatalf("first holder should acquire the lock: %v", err)
	}
	if err := FlockExclusiveNonBlocking(b); err == nil {
		t.Fatalf("second holder should not acquire an already-held exclusive lock")
	}

	if err := FlockUnlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := FlockExclusiveNonBlocking(b); err != nil {
		t.Fatalf("second holder should acquire the lock once released: %v", err)
	}
}

func TestFlockSharedNonBlockAllowsMultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.lock")
	a, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if err := FlockSharedNonBlock(a); err != nil {
		t.Fatalf("first shared holder: %v", err)
	}
	if err := FlockSharedNonBlock(b); err != nil {
		t.Fatalf("second shared holder should not be rejected: %v", err)
	}
}

func TestFlockExclusiveBlockingRoundTrip(t *testing.T) {
	f := openTestLockFile(t)
	if err := FlockExclusiveBlocking(f); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := FlockUnlock(f); err != nil {
		t.Fatalf("release: %v", err)
	}
}
