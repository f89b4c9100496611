package logkv

import (
	"fmt"
	"time"

	"github.com/tarantool/go-option"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

// Entry is a single revision of a key.
type Entry struct {
	// Bucket is the bucket the entry belongs to.
	Bucket string
	// Key is the key of the entry.
	Key string
	// Value is the stored value. It is None only for tombstones and Some for
	// every live revision, including zero-length values.
	Value option.Generic[[]byte]
	// Revision is the stream sequence of the record. It is unique per bucket.
	Revision uint64
	// Created is the time the record was appended.
	Created time.Time
	// Operation is the tombstone kind, header.OpNone for live revisions.
	Operation header.Op
}

func newEntry(bucket, key string, rec driver.Record) Entry {
	value := option.Some(rec.Data)
	if rec.Header.IsTombstone() {
		value = option.None[[]byte]()
	} else if rec.Data == nil {
		value = option.Some([]byte{})
	}

	return Entry{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		Revision:  rec.Sequence,
		Created:   rec.Time,
		Operation: rec.Header.Op,
	}
}

// BucketStatus is the status of a bucket, read from its stream on every call.
type BucketStatus struct {
	bucket string
	info   driver.StreamInfo
}

// Bucket returns the name of the bucket.
func (s BucketStatus) Bucket() string {
	return s.bucket
}

// Values returns the number of records retained in the bucket's stream,
// tombstones included.
func (s BucketStatus) Values() uint64 {
	return s.info.State.Msgs
}

// History returns the number of revisions retained per key.
func (s BucketStatus) History() int64 {
	return s.info.Config.MaxMsgsPerSubject
}

// TTL returns the max age of a revision, zero when unlimited.
func (s BucketStatus) TTL() time.Duration {
	return s.info.Config.MaxAge
}

// TTLSeconds returns the max age of a revision in seconds.
func (s BucketStatus) TTLSeconds() float64 {
	return s.info.Config.MaxAge.Seconds()
}

// Bytes returns the size of the records retained in the bucket's stream.
func (s BucketStatus) Bytes() uint64 {
	return s.info.State.Bytes
}

// StreamInfo returns the underlying stream configuration and state.
func (s BucketStatus) StreamInfo() driver.StreamInfo {
	return s.info
}

func (s BucketStatus) String() string {
	return fmt.Sprintf("bucket=%s values=%d history=%d ttl=%s", s.bucket, s.Values(), s.History(), s.TTL())
}
