package bolt

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/internal/codec"
)

//nolint:gochecknoglobals
var (
	countKey = []byte("count")
	bytesKey = []byte("bytes")
)

// stream is a view of a stream bucket within a single transaction.
type stream struct {
	bucket   *bolt.Bucket
	msgs     *bolt.Bucket
	subjects *bolt.Bucket
	info     driver.StreamInfo
}

func createStream(root *bolt.Bucket, cfg driver.StreamConfig, created time.Time) (*stream, error) {
	bucket, err := root.CreateBucket([]byte(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream bucket: %w", err)
	}

	encoded, err := codec.EncodeStream(cfg, created)
	if err != nil {
		return nil, err
	}

	if err := bucket.Put(configKey, encoded); err != nil {
		return nil, fmt.Errorf("failed to store stream config: %w", err)
	}

	if _, err := bucket.CreateBucket(msgsBucket); err != nil {
		return nil, fmt.Errorf("failed to create msgs bucket: %w", err)
	}

	if _, err := bucket.CreateBucket(subjectsBucket); err != nil {
		return nil, fmt.Errorf("failed to create subjects bucket: %w", err)
	}

	return openStream(bucket)
}

func openStream(bucket *bolt.Bucket) (*stream, error) {
	raw := bucket.Get(configKey)
	msgs := bucket.Bucket(msgsBucket)
	subjects := bucket.Bucket(subjectsBucket)

	if raw == nil || msgs == nil || subjects == nil {
		return nil, errCorruptedStream
	}

	info, err := codec.DecodeStream(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptedStream, err)
	}

	return &stream{
		bucket:   bucket,
		msgs:     msgs,
		subjects: subjects,
		info:     info,
	}, nil
}

func (s *stream) append(rec driver.Record) (uint64, error) {
	seq, err := s.bucket.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	rec.Sequence = seq

	encoded, err := codec.EncodeRecord(rec)
	if err != nil {
		return 0, err
	}

	if err := s.msgs.Put(codec.SeqKey(seq), encoded); err != nil {
		return 0, fmt.Errorf("failed to store record: %w", err)
	}

	index, err := s.subjects.CreateBucketIfNotExists([]byte(rec.Subject))
	if err != nil {
		return 0, fmt.Errorf("failed to create subject index: %w", err)
	}

	if err := index.Put(codec.SeqKey(seq), []byte{}); err != nil {
		return 0, fmt.Errorf("failed to index record: %w", err)
	}

	if err := s.account(1, int64(rec.Size())); err != nil { //nolint:gosec
		return 0, err
	}

	return seq, nil
}

func (s *stream) remove(rec driver.Record) error {
	key := codec.SeqKey(rec.Sequence)

	if err := s.msgs.Delete(key); err != nil {
		return fmt.Errorf("failed to delete record %d: %w", rec.Sequence, err)
	}

	if index := s.subjects.Bucket([]byte(rec.Subject)); index != nil {
		if err := index.Delete(key); err != nil {
			return fmt.Errorf("failed to unindex record %d: %w", rec.Sequence, err)
		}

		if first, _ := index.Cursor().First(); first == nil {
			if err := s.subjects.DeleteBucket([]byte(rec.Subject)); err != nil {
				return fmt.Errorf("failed to drop subject index: %w", err)
			}
		}
	}

	return s.account(-1, -int64(rec.Size())) //nolint:gosec
}

func (s *stream) removeAll(seqs []uint64) error {
	for _, seq := range seqs {
		rec, err := s.record(seq)
		if err != nil {
			return err
		}

		if err := s.remove(rec); err != nil {
			return err
		}
	}

	return nil
}

// account adjusts the message and byte counters of the stream.
func (s *stream) account(msgs, bytes int64) error {
	if err := s.bucket.Put(countKey, u64(int64(s.counter(countKey))+msgs)); err != nil { //nolint:gosec
		return fmt.Errorf("failed to update stream counters: %w", err)
	}

	if err := s.bucket.Put(bytesKey, u64(int64(s.counter(bytesKey))+bytes)); err != nil { //nolint:gosec
		return fmt.Errorf("failed to update stream counters: %w", err)
	}

	return nil
}

func (s *stream) counter(key []byte) uint64 {
	raw := s.bucket.Get(key)
	if len(raw) != 8 { //nolint:mnd
		return 0
	}

	return binary.BigEndian.Uint64(raw)
}

func (s *stream) record(seq uint64) (driver.Record, error) {
	raw := s.msgs.Get(codec.SeqKey(seq))
	if raw == nil {
		return driver.Record{}, fmt.Errorf("%w: record %d is indexed but missing", errCorruptedStream, seq)
	}

	return codec.DecodeRecord(seq, raw) //nolint:wrapcheck
}

func (s *stream) subjectSeqs(subject string) []uint64 {
	index := s.subjects.Bucket([]byte(subject))
	if index == nil {
		return nil
	}

	var seqs []uint64

	cursor := index.Cursor()
	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		if seq, ok := codec.ParseSeqKey(key); ok {
			seqs = append(seqs, seq)
		}
	}

	return seqs
}

func (s *stream) lastSubjectSeq(subject string) uint64 {
	index := s.subjects.Bucket([]byte(subject))
	if index == nil {
		return 0
	}

	key, _ := index.Cursor().Last()
	seq, _ := codec.ParseSeqKey(key)

	return seq
}

func (s *stream) firstSeq() uint64 {
	key, _ := s.msgs.Cursor().First()
	seq, _ := codec.ParseSeqKey(key)

	return seq
}

func (s *stream) dropSubject(subject string) error {
	return s.removeAll(s.subjectSeqs(subject))
}

func (s *stream) dropAll() error {
	var seqs []uint64

	cursor := s.msgs.Cursor()
	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		if seq, ok := codec.ParseSeqKey(key); ok {
			seqs = append(seqs, seq)
		}
	}

	return s.removeAll(seqs)
}

// enforceLimits evicts the oldest records past the per-subject and byte limits.
func (s *stream) enforceLimits(subject string) error {
	cfg := s.info.Config

	if cfg.MaxMsgsPerSubject > 0 {
		seqs := s.subjectSeqs(subject)
		if excess := int64(len(seqs)) - cfg.MaxMsgsPerSubject; excess > 0 {
			if err := s.removeAll(seqs[:excess]); err != nil {
				return err
			}
		}
	}

	if cfg.MaxBytes <= 0 {
		return nil
	}

	// The newest record is always retained.
	for s.counter(bytesKey) > uint64(cfg.MaxBytes) && s.counter(countKey) > 1 {
		if err := s.removeAll([]uint64{s.firstSeq()}); err != nil {
			return err
		}
	}

	return nil
}

// expire drops records older than the stream's max age.
func (s *stream) expire(now time.Time) error {
	maxAge := s.info.Config.MaxAge
	if maxAge <= 0 {
		return nil
	}

	deadline := now.Add(-maxAge)

	var expired []driver.Record

	cursor := s.msgs.Cursor()
	for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
		seq, ok := codec.ParseSeqKey(key)
		if !ok {
			continue
		}

		rec, err := codec.DecodeRecord(seq, value)
		if err != nil {
			return err //nolint:wrapcheck
		}

		if rec.Time.After(deadline) {
			break
		}

		expired = append(expired, rec)
	}

	for _, rec := range expired {
		if err := s.remove(rec); err != nil {
			return err
		}
	}

	return nil
}

func (s *stream) snapshot() driver.StreamInfo {
	info := s.info
	info.State = driver.StreamState{
		Msgs:     s.counter(countKey),
		Bytes:    s.counter(bytesKey),
		FirstSeq: s.firstSeq(),
		LastSeq:  s.bucket.Sequence(),
	}

	return info
}

func u64(v int64) []byte {
	out := make([]byte, 8) //nolint:mnd
	binary.BigEndian.PutUint64(out, uint64(v)) //nolint:gosec

	return out
}
