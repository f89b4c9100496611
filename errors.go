package logkv

import (
	"errors"
	"fmt"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

var (
	// ErrKeyNotFound is returned when the key has never been written or all of
	// its records have been removed by retention.
	ErrKeyNotFound = driver.ErrMsgNotFound
	// ErrConflict is returned when an update loses an optimistic-concurrency race.
	ErrConflict = driver.ErrWrongLastSequence
	// ErrBucketNotFound is returned when the bucket's stream does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrBadBucket is returned when a stream exists but is not a valid key-value bucket.
	ErrBadBucket = errors.New("bucket not valid key-value store")
	// ErrKeyDeleted is matched by every KeyDeletedError.
	ErrKeyDeleted = errors.New("key was deleted")
	// ErrInvalidBucketName is returned when the bucket name is malformed.
	ErrInvalidBucketName = errors.New("invalid bucket name")
	// ErrInvalidKey is returned when the key is malformed.
	ErrInvalidKey = errors.New("invalid key")
	// ErrHistoryTooLarge is returned when the configured history exceeds MaxHistory.
	ErrHistoryTooLarge = errors.New("history limited to a max of 64")
	// ErrInvalidConfig is returned when a bucket configuration field is out of range.
	ErrInvalidConfig = errors.New("invalid bucket configuration")
)

// KeyDeletedError is returned by Get when the latest record of the key is a tombstone.
type KeyDeletedError struct {
	// Entry is built from the tombstone record; its Value is None.
	Entry Entry
	// Op is the tombstone kind.
	Op header.Op
}

// Error returns the error message.
func (e *KeyDeletedError) Error() string {
	return fmt.Sprintf("key %q was deleted: operation %s at revision %d", e.Entry.Key, e.Op, e.Entry.Revision)
}

// Is reports whether the target is ErrKeyDeleted.
func (e *KeyDeletedError) Is(target error) bool {
	return target == ErrKeyDeleted //nolint:errorlint
}
