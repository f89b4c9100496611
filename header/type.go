package header

import "fmt"

// Op represents the operation kind recorded on a log record.
type Op int

const (
	// OpNone marks a live record.
	OpNone Op = iota
	// OpDelete marks a delete tombstone. Prior revisions stay in the log.
	OpDelete
	// OpPurge marks a purge tombstone. Prior revisions are rolled up.
	OpPurge
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return ""
	case OpDelete:
		return "DEL"
	case OpPurge:
		return "PURGE"
	default:
		return "Unknown"
	}
}

// ParseOp converts a wire value into an Op.
func ParseOp(raw string) (Op, error) {
	switch raw {
	case "":
		return OpNone, nil
	case "DEL":
		return OpDelete, nil
	case "PURGE":
		return OpPurge, nil
	default:
		return OpNone, fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

// Rollup represents the scope of a rollup requested by a record.
type Rollup int

const (
	// RollupNone keeps prior records.
	RollupNone Rollup = iota
	// RollupSubject discards all prior records of the record's subject.
	RollupSubject
	// RollupAll discards all prior records of the stream.
	RollupAll
)

func (r Rollup) String() string {
	switch r {
	case RollupNone:
		return ""
	case RollupSubject:
		return "sub"
	case RollupAll:
		return "all"
	default:
		return "Unknown"
	}
}

// ParseRollup converts a wire value into a Rollup.
func ParseRollup(raw string) (Rollup, error) {
	switch raw {
	case "":
		return RollupNone, nil
	case "sub":
		return RollupSubject, nil
	case "all":
		return RollupAll, nil
	default:
		return RollupNone, fmt.Errorf("%w: %q", ErrUnknownRollup, raw)
	}
}
