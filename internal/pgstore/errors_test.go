package pgstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := storageErr(cause)

	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestStorageErrNilIsNil(t *testing.T) {
	assert.Nil(t, storageErr(nil))
}

func TestFatalErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &FatalError{Cause: cause}
	assert.ErrorIs(t, error(err), cause)
}

func TestKeyMissingErrorMessageVariants(t *testing.T) {
	withoutTid := &KeyMissingError{Zoid: 7}
	assert.Contains(t, withoutTid.Error(), "zoid=7")
	assert.NotContains(t, withoutTid.Error(), "tid=")

	tid := uint64(42)
	withTid := &KeyMissingError{Zoid: 7, Tid: &tid}
	assert.Contains(t, withTid.Error(), "tid=42")
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{Zoid: 3, OldSerial: 1, CurrentSerial: 2}
	assert.Contains(t, err.Error(), "zoid=3")
	assert.Contains(t, err.Error(), "old_serial=1")
	assert.Contains(t, err.Error(), "current_serial=2")
}
