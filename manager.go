package logkv

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/internal/options"
)

type managerSettings struct {
	logger *zap.Logger
}

// Option configures a Manager.
type Option = options.OptionCallback[managerSettings]

// WithLogger sets the logger bucket lifecycle events are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(s *managerSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Manager creates, looks up and deletes buckets on top of a log substrate.
type Manager struct {
	drv    driver.Driver
	logger *zap.Logger
}

// NewManager creates a Manager over the driver.
func NewManager(drv driver.Driver, opts ...Option) *Manager {
	cfg := options.ApplyOptions(func() managerSettings {
		return managerSettings{logger: zap.NewNop()}
	}, opts)

	return &Manager{
		drv:    drv,
		logger: cfg.logger.With(zap.String("component", "logkv")),
	}
}

// KeyValue returns a handle to an existing bucket.
// It fails with ErrBucketNotFound when the backing stream does not exist and
// with ErrBadBucket when the stream does not retain at least one record per key.
func (m *Manager) KeyValue(ctx context.Context, bucket string) (*KeyValue, error) {
	if !ValidBucketName(bucket) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBucketName, bucket)
	}

	stream := StreamName(bucket)

	info, err := m.drv.StreamInfo(ctx, stream)
	switch {
	case errors.Is(err, driver.ErrStreamNotFound):
		return nil, fmt.Errorf("%w: %q", ErrBucketNotFound, bucket)
	case err != nil:
		return nil, fmt.Errorf("failed to look up bucket %q: %w", bucket, err)
	case info.Config.MaxMsgsPerSubject < 1:
		m.logger.Warn("stream is not a key-value bucket",
			zap.String("bucket", bucket),
			zap.String("stream", stream),
			zap.Int64("max_msgs_per_subject", info.Config.MaxMsgsPerSubject))

		return nil, fmt.Errorf("%w: %q", ErrBadBucket, bucket)
	}

	m.logger.Debug("bucket bound", zap.String("bucket", bucket), zap.String("stream", stream))

	return newKeyValue(bucket, m.drv), nil
}

// CreateKeyValue creates the stream backing a bucket and returns a handle to it.
// Errors of the substrate are propagated.
func (m *Manager) CreateKeyValue(ctx context.Context, cfg Config) (*KeyValue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.normalized()
	streamCfg := cfg.streamConfig()

	if _, err := m.drv.AddStream(ctx, streamCfg); err != nil {
		return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
	}

	m.logger.Info("bucket created",
		zap.String("bucket", cfg.Bucket),
		zap.String("stream", streamCfg.Name),
		zap.Int64("history", streamCfg.MaxMsgsPerSubject),
		zap.Duration("ttl", streamCfg.MaxAge),
		zap.Stringer("storage", streamCfg.Storage))

	return newKeyValue(cfg.Bucket, m.drv), nil
}

// DeleteKeyValue destroys the stream backing the bucket. It cannot be undone.
func (m *Manager) DeleteKeyValue(ctx context.Context, bucket string) error {
	if !ValidBucketName(bucket) {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, bucket)
	}

	stream := StreamName(bucket)

	if err := m.drv.DeleteStream(ctx, stream); err != nil {
		return fmt.Errorf("failed to delete bucket %q: %w", bucket, err)
	}

	m.logger.Info("bucket deleted", zap.String("bucket", bucket), zap.String("stream", stream))

	return nil
}
