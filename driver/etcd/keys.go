package etcd

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

// keyspace lays out the keys of every stream under a common root:
//
//	<root>streams/<name>                            encoded stream configuration
//	<root>seq/<name>                                last assigned sequence
//	<root>records/<name>/<subject>/<seq>/<size>     encoded record
//
// Sequences are zero padded, so the records of a subject sort in sequence
// order and any run of the oldest ones is a single key range.
type keyspace struct {
	root string
}

func (k keyspace) streams() string {
	return k.root + "streams/"
}

func (k keyspace) stream(name string) string {
	return k.streams() + name
}

func (k keyspace) seq(name string) string {
	return k.root + "seq/" + name
}

func (k keyspace) records(name string) string {
	return k.root + "records/" + name + "/"
}

func (k keyspace) subjectRecords(name, subject string) string {
	return k.records(name) + url.PathEscape(subject) + "/"
}

// subjectSeq is the lower bound of the keys of a subject's record with the
// given sequence.
func (k keyspace) subjectSeq(name, subject string, seq uint64) string {
	return k.subjectRecords(name, subject) + formatSeq(seq)
}

func (k keyspace) record(name, subject string, seq, size uint64) string {
	return k.subjectSeq(name, subject, seq) + "/" + strconv.FormatUint(size, 10)
}

func formatSeq(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// recordKey is a decoded record key.
type recordKey struct {
	key     string
	subject string
	seq     uint64
	size    uint64
}

func (k keyspace) parseRecord(name string, key []byte) (recordKey, error) {
	rest, ok := strings.CutPrefix(string(key), k.records(name))
	if !ok {
		return recordKey{}, fmt.Errorf("%w: unexpected record key %q", errCorruptedStream, key)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 { //nolint:mnd
		return recordKey{}, fmt.Errorf("%w: unexpected record key %q", errCorruptedStream, key)
	}

	subject, err := url.PathUnescape(parts[0])
	if err != nil {
		return recordKey{}, fmt.Errorf("%w: %w", errCorruptedStream, err)
	}

	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return recordKey{}, fmt.Errorf("%w: %w", errCorruptedStream, err)
	}

	size, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return recordKey{}, fmt.Errorf("%w: %w", errCorruptedStream, err)
	}

	return recordKey{key: string(key), subject: subject, seq: seq, size: size}, nil
}

// parseRecords decodes record keys and sorts them by sequence.
func (k keyspace) parseRecords(name string, keys [][]byte) ([]recordKey, error) {
	out := make([]recordKey, 0, len(keys))

	for _, key := range keys {
		rec, err := k.parseRecord(name, key)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})

	return out, nil
}

// evictionOps turns evicted records into range deletes that never cover the
// appended key. Evictions always take the oldest records of a subject, so one
// range per subject suffices; a stream rollup needs two ranges in total.
func (k keyspace) evictionOps(name, appended string, rollup header.Rollup, evicted []recordKey) []etcd.Op {
	if len(evicted) == 0 {
		return nil
	}

	if rollup == header.RollupAll {
		prefix := k.records(name)

		return []etcd.Op{
			etcd.OpDelete(prefix, etcd.WithRange(appended)),
			etcd.OpDelete(appended+"\x00", etcd.WithRange(etcd.GetPrefixRangeEnd(prefix))),
		}
	}

	var (
		subjects []string
		bounds   = make(map[string]uint64)
	)

	for _, rec := range evicted {
		if _, ok := bounds[rec.subject]; !ok {
			subjects = append(subjects, rec.subject)
		}

		bounds[rec.subject] = max(bounds[rec.subject], rec.seq)
	}

	ops := make([]etcd.Op, 0, len(subjects))
	for _, subject := range subjects {
		ops = append(ops, etcd.OpDelete(
			k.subjectRecords(name, subject),
			etcd.WithRange(k.subjectSeq(name, subject, bounds[subject]+1)),
		))
	}

	return ops
}

// evictions returns the records an append of the given size removes, oldest first.
func evictions(cfg driver.StreamConfig, all, own []recordKey, rollup header.Rollup, size uint64) []recordKey {
	evicted := make(map[uint64]bool)

	var out []recordKey

	evict := func(rec recordKey) {
		if !evicted[rec.seq] {
			evicted[rec.seq] = true
			out = append(out, rec)
		}
	}

	switch rollup {
	case header.RollupSubject:
		for _, rec := range own {
			evict(rec)
		}
	case header.RollupAll:
		for _, rec := range all {
			evict(rec)
		}
	case header.RollupNone:
	}

	if cfg.MaxMsgsPerSubject > 0 {
		var kept []recordKey

		for _, rec := range own {
			if !evicted[rec.seq] {
				kept = append(kept, rec)
			}
		}

		// The appended record counts towards the limit.
		for excess := int64(len(kept)) + 1 - cfg.MaxMsgsPerSubject; excess > 0; excess-- {
			evict(kept[0])
			kept = kept[1:]
		}
	}

	if cfg.MaxBytes > 0 {
		total := size

		for _, rec := range all {
			if !evicted[rec.seq] {
				total += rec.size
			}
		}

		for _, rec := range all {
			if total <= uint64(cfg.MaxBytes) {
				break
			}

			if !evicted[rec.seq] {
				evict(rec)
				total -= rec.size
			}
		}
	}

	return out
}
