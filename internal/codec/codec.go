// Package codec encodes stream metadata and records for the persistent drivers.
// Stream metadata is stored as YAML so it stays readable with the backend's own
// tools, records are stored as MessagePack.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/marshaller"
)

const seqKeyLen = 8

type storedStream struct {
	Config  driver.StreamConfig `yaml:"config"`
	Created time.Time           `yaml:"created"`
}

type storedRecord struct {
	Subject string            `msgpack:"subject"`
	Header  map[string]string `msgpack:"header,omitempty"`
	Data    []byte            `msgpack:"data"`
	Time    int64             `msgpack:"time"`
}

//nolint:gochecknoglobals
var (
	streams = marshaller.NewTypedYamlMarshaller[storedStream]()
	records = marshaller.NewTypedMsgpackMarshaller[storedRecord]()
)

// EncodeStream encodes the configuration and creation time of a stream.
func EncodeStream(cfg driver.StreamConfig, created time.Time) ([]byte, error) {
	data, err := streams.Marshal(storedStream{Config: cfg, Created: created.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream %q: %w", cfg.Name, err)
	}

	return data, nil
}

// DecodeStream decodes data produced by EncodeStream.
// The state of the returned info is left zero.
func DecodeStream(data []byte) (driver.StreamInfo, error) {
	stored, err := streams.Unmarshal(data)
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to decode stream: %w", err)
	}

	return driver.StreamInfo{
		Config:  stored.Config,
		Created: stored.Created,
		State:   driver.StreamState{Msgs: 0, Bytes: 0, FirstSeq: 0, LastSeq: 0},
	}, nil
}

// EncodeRecord encodes a record. The sequence is not stored, it is the key
// the record is stored under.
func EncodeRecord(rec driver.Record) ([]byte, error) {
	data, err := records.Marshal(storedRecord{
		Subject: rec.Subject,
		Header:  rec.Header.Map(),
		Data:    rec.Data,
		Time:    rec.Time.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %d: %w", rec.Sequence, err)
	}

	return data, nil
}

// DecodeRecord decodes data produced by EncodeRecord.
func DecodeRecord(seq uint64, data []byte) (driver.Record, error) {
	stored, err := records.Unmarshal(data)
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to decode record %d: %w", seq, err)
	}

	hdr, err := header.Parse(stored.Header)
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to decode record %d header: %w", seq, err)
	}

	return driver.Record{
		Subject:  stored.Subject,
		Sequence: seq,
		Header:   hdr,
		Data:     stored.Data,
		Time:     time.Unix(0, stored.Time),
	}, nil
}

// SeqKey returns the big-endian form of a sequence, so keys sort in sequence order.
func SeqKey(seq uint64) []byte {
	key := make([]byte, seqKeyLen)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

// ParseSeqKey reverses SeqKey. It reports false for keys of the wrong length.
func ParseSeqKey(key []byte) (uint64, bool) {
	if len(key) != seqKeyLen {
		return 0, false
	}

	return binary.BigEndian.Uint64(key), true
}
