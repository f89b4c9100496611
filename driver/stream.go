package driver

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tarantool/go-logkv/header"
)

// StorageType selects the storage tier of a stream.
type StorageType int

const (
	// FileStorage keeps records on disk.
	FileStorage StorageType = iota
	// MemoryStorage keeps records in memory.
	MemoryStorage
)

func (s StorageType) String() string {
	switch s {
	case FileStorage:
		return "file"
	case MemoryStorage:
		return "memory"
	default:
		return "unknown"
	}
}

// MarshalYAML implements yaml.Marshaler.
func (s StorageType) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StorageType) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch strings.ToLower(raw) {
	case "", "file":
		*s = FileStorage
	case "memory":
		*s = MemoryStorage
	default:
		return fmt.Errorf("%w: storage %q", ErrInvalidStreamConfig, raw)
	}

	return nil
}

// StreamConfig is the retention and routing configuration of a stream.
// Zero limits mean unlimited.
type StreamConfig struct {
	Name              string        `yaml:"name"`
	Description       string        `yaml:"description,omitempty"`
	Subjects          []string      `yaml:"subjects"`
	MaxMsgsPerSubject int64         `yaml:"max_msgs_per_subject"`
	MaxBytes          int64         `yaml:"max_bytes"`
	MaxAge            time.Duration `yaml:"max_age"`
	MaxMsgSize        int32         `yaml:"max_msg_size"`
	Storage           StorageType   `yaml:"storage"`
	Replicas          int           `yaml:"replicas"`
	AllowRollup       bool          `yaml:"allow_rollup"`
	DenyDelete        bool          `yaml:"deny_delete"`
}

// Validate checks the parts of the configuration every driver relies on.
func (c StreamConfig) Validate() error {
	if !ValidStreamName(c.Name) {
		return fmt.Errorf("%w: invalid stream name %q", ErrInvalidStreamConfig, c.Name)
	}

	if len(c.Subjects) == 0 {
		return fmt.Errorf("%w: stream %q has no subjects", ErrInvalidStreamConfig, c.Name)
	}

	for _, subject := range c.Subjects {
		if !ValidSubject(subject, true) {
			return fmt.Errorf("%w: invalid subject %q", ErrInvalidStreamConfig, subject)
		}
	}

	return nil
}

// BindsSubject reports whether a literal subject is routed to the stream.
func (c StreamConfig) BindsSubject(subject string) bool {
	for _, pattern := range c.Subjects {
		if SubjectMatches(pattern, subject) {
			return true
		}
	}

	return false
}

// Overlaps reports whether some subject would be bound by both streams.
func (c StreamConfig) Overlaps(other StreamConfig) bool {
	for _, a := range c.Subjects {
		for _, b := range other.Subjects {
			if SubjectsOverlap(a, b) {
				return true
			}
		}
	}

	return false
}

// SameConfig reports whether two configurations describe the same stream.
// Nil and empty subject lists are considered equal.
func SameConfig(a, b StreamConfig) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// StreamState is the current state of a stream.
type StreamState struct {
	// Msgs is the number of records currently retained.
	Msgs uint64
	// Bytes is the size of the retained records.
	Bytes uint64
	// FirstSeq is the sequence of the oldest retained record.
	FirstSeq uint64
	// LastSeq is the last sequence assigned by the stream.
	LastSeq uint64
}

// StreamInfo is the configuration and state of a stream.
type StreamInfo struct {
	Config  StreamConfig
	Created time.Time
	State   StreamState
}

// Record is a single record of a stream.
type Record struct {
	// Subject is the subject the record was appended to.
	Subject string
	// Sequence is the stream sequence assigned on append.
	Sequence uint64
	// Header holds the control markers the record was appended with.
	Header header.Header
	// Data is the payload; it may be empty.
	Data []byte
	// Time is the append time.
	Time time.Time
}

// Size returns the number of bytes the record accounts for in retention.
func (r Record) Size() uint64 {
	return uint64(len(r.Subject) + len(r.Data))
}
