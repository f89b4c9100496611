// Package nats provides a NATS JetStream implementation of the log substrate
// driver interface. Streams, subjects, headers and retention are native
// JetStream concepts, so the driver only converts types and errors.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/options"
)

// JetStream API error codes the driver translates.
const (
	errCodeWrongLastSequence jetstream.ErrorCode = 10071
	errCodeMaxPayload        jetstream.ErrorCode = 10054
	errCodeRollupNotAllowed  jetstream.ErrorCode = 10111
	errCodeStreamNotFound    jetstream.ErrorCode = 10059
	errCodeMessageNotFound   jetstream.ErrorCode = 10037
	errCodeStreamNameInUse   jetstream.ErrorCode = 10058
	errCodeInvalidConfig     jetstream.ErrorCode = 10052
	errCodeSubjectOverlap    jetstream.ErrorCode = 10065
)

// maxDuplicateWindow bounds the duplicate window of created streams.
const maxDuplicateWindow = 2 * time.Minute

type settings struct {
	logger *zap.Logger
}

// Option configures the JetStream driver.
type Option = options.OptionCallback[settings]

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// Driver is a NATS JetStream implementation of the log substrate driver interface.
type Driver struct {
	js     jetstream.JetStream
	logger *zap.Logger
}

var _ driver.Driver = &Driver{} //nolint:exhaustruct

// New creates a driver over an existing JetStream context.
func New(js jetstream.JetStream, opts ...Option) *Driver {
	cfg := options.ApplyOptions(func() settings {
		return settings{logger: zap.NewNop()}
	}, opts)

	return &Driver{js: js, logger: cfg.logger}
}

// Connect connects to the NATS server at url and creates a driver over its
// JetStream context. The returned close function drains the connection.
func Connect(url string, opts ...Option) (*Driver, func(), error) {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	return New(js, opts...), func() { _ = nc.Drain() }, nil
}

// Publish implements the driver.Publisher interface.
func (d *Driver) Publish(ctx context.Context, subject string, data []byte, hdr header.Header) (uint64, error) {
	if !driver.ValidSubject(subject, false) {
		return 0, fmt.Errorf("%w: %q", driver.ErrInvalidSubject, subject)
	}

	ack, err := d.js.PublishMsg(ctx, &natsgo.Msg{ //nolint:exhaustruct
		Subject: subject,
		Data:    data,
		Header:  toNatsHeader(hdr),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %q: %w", subject, mapError(err))
	}

	return ack.Sequence, nil
}

// LastMsg implements the driver.Publisher interface.
func (d *Driver) LastMsg(ctx context.Context, name, subject string) (driver.Record, error) {
	stream, err := d.js.Stream(ctx, name)
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to get last message of %q: %w", subject, mapError(err))
	}

	msg, err := stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to get last message of %q: %w", subject, mapError(err))
	}

	hdr, err := fromNatsHeader(msg.Header)
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to get last message of %q: %w", subject, err)
	}

	return driver.Record{
		Subject:  msg.Subject,
		Sequence: msg.Sequence,
		Header:   hdr,
		Data:     msg.Data,
		Time:     msg.Time,
	}, nil
}

// StreamInfo implements the driver.Manager interface.
func (d *Driver) StreamInfo(ctx context.Context, name string) (driver.StreamInfo, error) {
	stream, err := d.js.Stream(ctx, name)
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to get stream info: %w", mapError(err))
	}

	return fromStreamInfo(stream.CachedInfo()), nil
}

// AddStream implements the driver.Manager interface.
func (d *Driver) AddStream(ctx context.Context, cfg driver.StreamConfig) (driver.StreamInfo, error) {
	if err := cfg.Validate(); err != nil {
		return driver.StreamInfo{}, err
	}

	stream, err := d.js.CreateStream(ctx, toStreamConfig(cfg))
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to add stream %q: %w", cfg.Name, mapError(err))
	}

	d.logger.Debug("stream added", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))

	return fromStreamInfo(stream.CachedInfo()), nil
}

// DeleteStream implements the driver.Manager interface.
func (d *Driver) DeleteStream(ctx context.Context, name string) error {
	if err := d.js.DeleteStream(ctx, name); err != nil {
		return fmt.Errorf("failed to delete stream %q: %w", name, mapError(err))
	}

	d.logger.Debug("stream deleted", zap.String("stream", name))

	return nil
}

func toNatsHeader(hdr header.Header) natsgo.Header {
	values := hdr.Map()
	if len(values) == 0 {
		return nil
	}

	out := make(natsgo.Header, len(values))
	for key, value := range values {
		out.Set(key, value)
	}

	return out
}

func fromNatsHeader(hdr natsgo.Header) (header.Header, error) {
	values := make(map[string]string, len(hdr))
	for key := range hdr {
		values[key] = hdr.Get(key)
	}

	return header.Parse(values) //nolint:wrapcheck
}

// unlimited maps the zero limit onto the JetStream unlimited marker.
func unlimited[T int32 | int64](v T) T {
	if v <= 0 {
		return -1
	}

	return v
}

// limited reverses unlimited.
func limited[T int32 | int64](v T) T {
	if v < 0 {
		return 0
	}

	return v
}

func toStreamConfig(cfg driver.StreamConfig) jetstream.StreamConfig {
	storage := jetstream.FileStorage
	if cfg.Storage == driver.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	duplicates := maxDuplicateWindow
	if cfg.MaxAge > 0 && cfg.MaxAge < duplicates {
		duplicates = cfg.MaxAge
	}

	return jetstream.StreamConfig{ //nolint:exhaustruct
		Name:              cfg.Name,
		Description:       cfg.Description,
		Subjects:          cfg.Subjects,
		MaxMsgs:           -1,
		MaxBytes:          unlimited(cfg.MaxBytes),
		MaxAge:            cfg.MaxAge,
		MaxMsgsPerSubject: unlimited(cfg.MaxMsgsPerSubject),
		MaxMsgSize:        unlimited(cfg.MaxMsgSize),
		Storage:           storage,
		Replicas:          max(cfg.Replicas, 1),
		Discard:           jetstream.DiscardOld,
		Duplicates:        duplicates,
		AllowRollup:       cfg.AllowRollup,
		DenyDelete:        cfg.DenyDelete,
	}
}

func fromStreamInfo(info *jetstream.StreamInfo) driver.StreamInfo {
	storage := driver.FileStorage
	if info.Config.Storage == jetstream.MemoryStorage {
		storage = driver.MemoryStorage
	}

	return driver.StreamInfo{
		Config: driver.StreamConfig{
			Name:              info.Config.Name,
			Description:       info.Config.Description,
			Subjects:          info.Config.Subjects,
			MaxMsgsPerSubject: limited(info.Config.MaxMsgsPerSubject),
			MaxBytes:          limited(info.Config.MaxBytes),
			MaxAge:            info.Config.MaxAge,
			MaxMsgSize:        limited(info.Config.MaxMsgSize),
			Storage:           storage,
			Replicas:          info.Config.Replicas,
			AllowRollup:       info.Config.AllowRollup,
			DenyDelete:        info.Config.DenyDelete,
		},
		Created: info.Created,
		State: driver.StreamState{
			Msgs:     info.State.Msgs,
			Bytes:    info.State.Bytes,
			FirstSeq: info.State.FirstSeq,
			LastSeq:  info.State.LastSeq,
		},
	}
}

// mapError translates JetStream errors into driver errors. The original
// error stays in the chain.
func mapError(err error) error {
	var target error

	var apiErr *jetstream.APIError

	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		target = driver.ErrStreamNotFound
	case errors.Is(err, jetstream.ErrMsgNotFound):
		target = driver.ErrMsgNotFound
	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		target = driver.ErrStreamNameAlreadyInUse
	case errors.Is(err, jetstream.ErrNoStreamResponse), errors.Is(err, natsgo.ErrNoResponders):
		target = driver.ErrNoStreamResponse
	case errors.Is(err, natsgo.ErrMaxPayload):
		target = driver.ErrMaxPayload
	case errors.As(err, &apiErr):
		target = fromErrorCode(apiErr.ErrorCode)
	}

	if target == nil {
		return err
	}

	return fmt.Errorf("%w: %w", target, err)
}

func fromErrorCode(code jetstream.ErrorCode) error {
	switch code {
	case errCodeWrongLastSequence:
		return driver.ErrWrongLastSequence
	case errCodeMaxPayload:
		return driver.ErrMaxPayload
	case errCodeRollupNotAllowed:
		return driver.ErrRollupNotAllowed
	case errCodeStreamNotFound:
		return driver.ErrStreamNotFound
	case errCodeMessageNotFound:
		return driver.ErrMsgNotFound
	case errCodeStreamNameInUse:
		return driver.ErrStreamNameAlreadyInUse
	case errCodeInvalidConfig, errCodeSubjectOverlap:
		return driver.ErrInvalidStreamConfig
	default:
		return nil
	}
}
