// Package bolt provides an embedded, file backed implementation of the log
// substrate driver interface on top of bbolt.
//
// Every stream is a bucket under the top level "streams" bucket. It holds the
// encoded configuration, a "msgs" bucket of records keyed by sequence and a
// "subjects" bucket with a nested index bucket per subject. The stream
// sequence is the bucket sequence of the stream bucket, so it survives
// eviction of every record. All writes run in a single bbolt transaction.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/options"
)

//nolint:gochecknoglobals
var (
	streamsBucket  = []byte("streams")
	configKey      = []byte("config")
	msgsBucket     = []byte("msgs")
	subjectsBucket = []byte("subjects")
)

const (
	defaultFileMode = 0o600
	defaultTimeout  = time.Second
)

var errCorruptedStream = errors.New("corrupted stream")

type settings struct {
	clock   clock.Clock
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures the bbolt driver.
type Option = options.OptionCallback[settings]

// WithClock sets the clock used to stamp records and expire them by max age.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		s.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithOpenTimeout sets how long Open waits for the file lock.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.timeout = timeout
	}
}

// Driver is a bbolt backed log substrate.
type Driver struct {
	db     *bolt.DB
	clock  clock.Clock
	logger *zap.Logger
}

var _ driver.Driver = &Driver{} //nolint:exhaustruct

// Open creates or opens a database file at the given path.
func Open(path string, opts ...Option) (*Driver, error) {
	cfg := options.ApplyOptions(func() settings {
		return settings{
			clock:   clock.New(),
			logger:  zap.NewNop(),
			timeout: defaultTimeout,
		}
	}, opts)

	db, err := bolt.Open(path, os.FileMode(defaultFileMode), &bolt.Options{Timeout: cfg.timeout}) //nolint:exhaustruct
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err //nolint:wrapcheck
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt db %q: %w", path, err)
	}

	cfg.logger.Debug("bolt db opened", zap.String("path", path))

	return &Driver{
		db:     db,
		clock:  cfg.clock,
		logger: cfg.logger,
	}, nil
}

// Close releases the database file.
func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt db: %w", err)
	}

	return nil
}

// Publish implements the driver.Publisher interface.
func (d *Driver) Publish(ctx context.Context, subject string, data []byte, hdr header.Header) (uint64, error) {
	if !driver.ValidSubject(subject, false) {
		return 0, fmt.Errorf("%w: %q", driver.ErrInvalidSubject, subject)
	}

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("failed to publish: %w", err)
	}

	var seq uint64

	err := d.db.Update(func(tx *bolt.Tx) error {
		str, err := route(tx, subject)
		if err != nil {
			return err
		}

		now := d.clock.Now()
		cfg := str.info.Config

		if err := str.expire(now); err != nil {
			return err
		}

		if cfg.MaxMsgSize > 0 && len(data) > int(cfg.MaxMsgSize) {
			return fmt.Errorf("%w: %d > %d", driver.ErrMaxPayload, len(data), cfg.MaxMsgSize)
		}

		if hdr.Rollup != header.RollupNone && !cfg.AllowRollup {
			return driver.ErrRollupNotAllowed
		}

		if expected, ok := hdr.ExpectedLastSubjectSeq.Get(); ok {
			if last := str.lastSubjectSeq(subject); last != expected {
				return fmt.Errorf("%w: expected %d, current %d", driver.ErrWrongLastSequence, expected, last)
			}
		}

		switch hdr.Rollup {
		case header.RollupSubject:
			err = str.dropSubject(subject)
		case header.RollupAll:
			err = str.dropAll()
		case header.RollupNone:
		}

		if err != nil {
			return err
		}

		seq, err = str.append(driver.Record{
			Subject:  subject,
			Sequence: 0,
			Header:   hdr,
			Data:     data,
			Time:     now,
		})
		if err != nil {
			return err
		}

		return str.enforceLimits(subject)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %q: %w", subject, err)
	}

	return seq, nil
}

// LastMsg implements the driver.Publisher interface.
// Reads run in a write transaction, because expired records are dropped first.
func (d *Driver) LastMsg(_ context.Context, name, subject string) (driver.Record, error) {
	var rec driver.Record

	err := d.db.Update(func(tx *bolt.Tx) error {
		str, err := lookup(tx, name)
		if err != nil {
			return err
		}

		if err := str.expire(d.clock.Now()); err != nil {
			return err
		}

		seq := str.lastSubjectSeq(subject)
		if seq == 0 {
			return fmt.Errorf("%w: %q", driver.ErrMsgNotFound, subject)
		}

		rec, err = str.record(seq)

		return err
	})
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to get last message of %q: %w", subject, err)
	}

	return rec, nil
}

// StreamInfo implements the driver.Manager interface.
func (d *Driver) StreamInfo(_ context.Context, name string) (driver.StreamInfo, error) {
	var info driver.StreamInfo

	err := d.db.Update(func(tx *bolt.Tx) error {
		str, err := lookup(tx, name)
		if err != nil {
			return err
		}

		if err := str.expire(d.clock.Now()); err != nil {
			return err
		}

		info = str.snapshot()

		return nil
	})
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to get stream info: %w", err)
	}

	return info, nil
}

// AddStream implements the driver.Manager interface.
func (d *Driver) AddStream(_ context.Context, cfg driver.StreamConfig) (driver.StreamInfo, error) {
	if err := cfg.Validate(); err != nil {
		return driver.StreamInfo{}, err
	}

	var info driver.StreamInfo

	err := d.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(streamsBucket)

		if existing := root.Bucket([]byte(cfg.Name)); existing != nil {
			str, err := openStream(existing)
			if err != nil {
				return err
			}

			if !driver.SameConfig(str.info.Config, cfg) {
				return fmt.Errorf("%w: %q", driver.ErrStreamNameAlreadyInUse, cfg.Name)
			}

			info = str.snapshot()

			return nil
		}

		if err := checkOverlap(root, cfg); err != nil {
			return err
		}

		str, err := createStream(root, cfg, d.clock.Now())
		if err != nil {
			return err
		}

		info = str.snapshot()

		return nil
	})
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to add stream %q: %w", cfg.Name, err)
	}

	d.logger.Debug("stream added", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))

	return info, nil
}

// DeleteStream implements the driver.Manager interface.
func (d *Driver) DeleteStream(_ context.Context, name string) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(streamsBucket).DeleteBucket([]byte(name))
		if errors.Is(err, berrors.ErrBucketNotFound) {
			return fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
		}

		return err //nolint:wrapcheck
	})
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}

	d.logger.Debug("stream deleted", zap.String("stream", name))

	return nil
}

// route returns the stream that binds the subject.
func route(tx *bolt.Tx, subject string) (*stream, error) {
	var found *stream

	cursor := tx.Bucket(streamsBucket).Cursor()

	for name, value := cursor.First(); name != nil; name, value = cursor.Next() {
		if value != nil {
			continue
		}

		str, err := openStream(tx.Bucket(streamsBucket).Bucket(name))
		if err != nil {
			return nil, err
		}

		if str.info.Config.BindsSubject(subject) {
			found = str
			break
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %q", driver.ErrNoStreamResponse, subject)
	}

	return found, nil
}

// checkOverlap rejects a stream whose subjects overlap those of another stream.
func checkOverlap(root *bolt.Bucket, cfg driver.StreamConfig) error {
	cursor := root.Cursor()

	for name, value := cursor.First(); name != nil; name, value = cursor.Next() {
		if value != nil {
			continue
		}

		other, err := openStream(root.Bucket(name))
		if err != nil {
			return err
		}

		if cfg.Overlaps(other.info.Config) {
			return fmt.Errorf("%w: subjects overlap with stream %q", driver.ErrInvalidStreamConfig, name)
		}
	}

	return nil
}

func lookup(tx *bolt.Tx, name string) (*stream, error) {
	bucket := tx.Bucket(streamsBucket).Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	return openStream(bucket)
}

