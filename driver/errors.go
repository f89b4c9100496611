package driver

import "errors"

var (
	// ErrStreamNotFound is returned when the requested stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrMsgNotFound is returned when the subject has no record.
	ErrMsgNotFound = errors.New("message not found")
	// ErrWrongLastSequence is returned when the expected last subject sequence
	// of an append does not match the subject's current last sequence.
	ErrWrongLastSequence = errors.New("wrong last sequence")
	// ErrNoStreamResponse is returned when no stream binds the published subject.
	ErrNoStreamResponse = errors.New("no stream binds subject")
	// ErrStreamNameAlreadyInUse is returned when a stream exists with another configuration.
	ErrStreamNameAlreadyInUse = errors.New("stream name already in use with a different configuration")
	// ErrMaxPayload is returned when the payload exceeds the stream's max message size.
	ErrMaxPayload = errors.New("message size exceeds maximum allowed")
	// ErrRollupNotAllowed is returned when a rollup is requested on a stream that denies it.
	ErrRollupNotAllowed = errors.New("rollup not permitted")
	// ErrInvalidSubject is returned when a published subject is malformed.
	ErrInvalidSubject = errors.New("invalid subject")
	// ErrInvalidStreamConfig is returned when a stream configuration is malformed.
	ErrInvalidStreamConfig = errors.New("invalid stream configuration")
)
