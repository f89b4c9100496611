// Package logkv provides a versioned key-value store layered on an
// append-only, per-subject log substrate.
//
// A bucket is a stream named "KV_<bucket>" whose subjects are
// "$KV.<bucket>.<key>". Every write appends a record, and the record's
// stream sequence becomes the revision of the key. Deletes and purges are
// tombstone records: a delete shadows prior revisions, a purge rolls them up
// so the substrate discards them.
//
// Use [Manager] to create, look up and delete buckets and [KeyValue] for key
// operations. Substrate implementations live under the driver package; see
// [github.com/tarantool/go-logkv/driver/memory] for an in-memory one.
package logkv
