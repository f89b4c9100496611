// Package header provides control markers attached to appended log records.
// It defines the operation kind, the rollup scope and the expected last subject
// sequence, together with their wire representation as record headers.
package header

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tarantool/go-option"
)

// Wire header names.
const (
	// KeyOperation carries the operation kind of a tombstone record.
	KeyOperation = "KV-Operation"
	// KeyRollup instructs the substrate to discard prior records.
	KeyRollup = "Nats-Rollup"
	// KeyExpectedLastSubjectSeq is the optimistic-concurrency precondition of an append.
	KeyExpectedLastSubjectSeq = "Nats-Expected-Last-Subject-Sequence"
)

var (
	// ErrUnknownOperation is returned when an operation header has an unknown value.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownRollup is returned when a rollup header has an unknown value.
	ErrUnknownRollup = errors.New("unknown rollup scope")
	// ErrInvalidSequence is returned when an expected sequence header is not a number.
	ErrInvalidSequence = errors.New("invalid expected sequence")
)

// Header is the set of control markers of a single record.
// The zero value describes a plain live record without preconditions.
type Header struct {
	// Op marks the record as a tombstone.
	Op Op
	// Rollup instructs the substrate to discard prior records.
	Rollup Rollup
	// ExpectedLastSubjectSeq is set when the append must only succeed if the
	// subject's current last sequence equals the value (0 means no records).
	ExpectedLastSubjectSeq option.Generic[uint64]
}

// Delete returns the header of a delete tombstone.
func Delete() Header {
	return Header{
		Op:                     OpDelete,
		Rollup:                 RollupNone,
		ExpectedLastSubjectSeq: option.None[uint64](),
	}
}

// Purge returns the header of a purge tombstone that rolls up its subject.
func Purge() Header {
	return Header{
		Op:                     OpPurge,
		Rollup:                 RollupSubject,
		ExpectedLastSubjectSeq: option.None[uint64](),
	}
}

// ExpectLast returns the header of a live record guarded by the expected
// last subject sequence.
func ExpectLast(seq uint64) Header {
	return Header{
		Op:                     OpNone,
		Rollup:                 RollupNone,
		ExpectedLastSubjectSeq: option.Some(seq),
	}
}

// IsTombstone reports whether the record shadows prior revisions on read.
func (h Header) IsTombstone() bool {
	return h.Op == OpDelete || h.Op == OpPurge
}

// IsZero reports whether the header carries no markers at all.
func (h Header) IsZero() bool {
	return h.Op == OpNone && h.Rollup == RollupNone && h.ExpectedLastSubjectSeq.IsZero()
}

// Map returns the wire representation of the header.
// Markers that are not set are omitted, so a zero header yields an empty map.
func (h Header) Map() map[string]string {
	out := make(map[string]string, 3) //nolint:mnd

	if h.Op != OpNone {
		out[KeyOperation] = h.Op.String()
	}

	if h.Rollup != RollupNone {
		out[KeyRollup] = h.Rollup.String()
	}

	if seq, ok := h.ExpectedLastSubjectSeq.Get(); ok {
		out[KeyExpectedLastSubjectSeq] = strconv.FormatUint(seq, 10)
	}

	return out
}

// Parse builds a header from its wire representation.
// Unrelated keys are ignored. An unknown operation value marks a live record,
// only DEL and PURGE are tombstones.
func Parse(values map[string]string) (Header, error) {
	hdr := Header{
		Op:                     OpNone,
		Rollup:                 RollupNone,
		ExpectedLastSubjectSeq: option.None[uint64](),
	}

	if op, err := ParseOp(values[KeyOperation]); err == nil {
		hdr.Op = op
	}

	if raw, ok := values[KeyRollup]; ok {
		rollup, err := ParseRollup(raw)
		if err != nil {
			return Header{}, err
		}

		hdr.Rollup = rollup
	}

	if raw, ok := values[KeyExpectedLastSubjectSeq]; ok {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %q", ErrInvalidSequence, raw)
		}

		hdr.ExpectedLastSubjectSeq = option.Some(seq)
	}

	return hdr, nil
}
