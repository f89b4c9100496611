package logkv

import (
	"context"
	"fmt"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

// KeyValue is a handle to a single bucket.
// It holds no state besides the bucket coordinates, so it is safe for
// concurrent use and cheap to construct. Every operation is exactly one
// call to the underlying substrate.
type KeyValue struct {
	bucket string
	stream string
	prefix string
	pub    driver.Publisher
	mgr    driver.Manager
}

func newKeyValue(bucket string, drv driver.Driver) *KeyValue {
	return &KeyValue{
		bucket: bucket,
		stream: StreamName(bucket),
		prefix: SubjectPrefix(bucket),
		pub:    drv,
		mgr:    drv,
	}
}

// Bucket returns the bucket name.
func (kv *KeyValue) Bucket() string {
	return kv.bucket
}

// Stream returns the name of the stream backing the bucket.
func (kv *KeyValue) Stream() string {
	return kv.stream
}

// Prefix returns the subject prefix of the bucket's keys.
func (kv *KeyValue) Prefix() string {
	return kv.prefix
}

func (kv *KeyValue) subject(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return kv.prefix + key, nil
}

// Get returns the latest revision of the key.
// It fails with ErrKeyNotFound when the key has no revision and with a
// *KeyDeletedError when the latest revision is a delete or purge tombstone.
func (kv *KeyValue) Get(ctx context.Context, key string) (Entry, error) {
	subject, err := kv.subject(key)
	if err != nil {
		return Entry{}, err
	}

	rec, err := kv.pub.LastMsg(ctx, kv.stream, subject)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get key %q: %w", key, err)
	}

	entry := newEntry(kv.bucket, key, rec)

	switch rec.Header.Op {
	case header.OpDelete, header.OpPurge:
		return Entry{}, &KeyDeletedError{Entry: entry, Op: rec.Header.Op}
	case header.OpNone:
	}

	return entry, nil
}

// Put stores the value unconditionally and returns its revision.
func (kv *KeyValue) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.publish(ctx, key, value, header.Header{}) //nolint:exhaustruct
}

// Update stores the value only if the latest revision of the key is last.
// A key without revisions is matched by last == 0. On mismatch it fails
// with ErrConflict and no revision is created.
func (kv *KeyValue) Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error) {
	return kv.publish(ctx, key, value, header.ExpectLast(last))
}

// Delete appends a delete tombstone. Prior revisions remain in the log but
// are shadowed on read.
func (kv *KeyValue) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := kv.publish(ctx, key, nil, header.Delete()); err != nil {
		return false, err
	}

	return true, nil
}

// Purge appends a purge tombstone that rolls up the key, so the substrate
// discards every prior revision.
func (kv *KeyValue) Purge(ctx context.Context, key string) (bool, error) {
	if _, err := kv.publish(ctx, key, nil, header.Purge()); err != nil {
		return false, err
	}

	return true, nil
}

// Status fetches the current status of the bucket.
func (kv *KeyValue) Status(ctx context.Context) (BucketStatus, error) {
	info, err := kv.mgr.StreamInfo(ctx, kv.stream)
	if err != nil {
		return BucketStatus{}, fmt.Errorf("failed to get bucket %q status: %w", kv.bucket, err)
	}

	return BucketStatus{bucket: kv.bucket, info: info}, nil
}

func (kv *KeyValue) publish(ctx context.Context, key string, value []byte, hdr header.Header) (uint64, error) {
	subject, err := kv.subject(key)
	if err != nil {
		return 0, err
	}

	seq, err := kv.pub.Publish(ctx, subject, value, hdr)
	if err != nil {
		return 0, fmt.Errorf("failed to publish key %q: %w", key, err)
	}

	return seq, nil
}
