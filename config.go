package logkv

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/tarantool/go-logkv/driver"
)

const (
	// MaxHistory is the largest number of revisions a bucket may retain per key.
	MaxHistory = 64

	defaultHistory  = 1
	defaultReplicas = 1
)

// Config is the creation-time configuration of a bucket.
// Zero limits mean unlimited.
type Config struct {
	// Bucket is the bucket name. Required.
	Bucket string `yaml:"bucket"`
	// Description is stored on the backing stream.
	Description string `yaml:"description,omitempty"`
	// History is the number of revisions retained per key. Defaults to 1.
	History int64 `yaml:"history,omitempty"`
	// Replicas is the replication factor of the backing stream. Defaults to 1.
	Replicas int `yaml:"replicas,omitempty"`
	// TTL is the max age of a revision.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// MaxBytes limits the total size of the bucket.
	MaxBytes int64 `yaml:"max_bytes,omitempty"`
	// MaxValueSize limits the size of a single value.
	MaxValueSize int32 `yaml:"max_value_size,omitempty"`
	// Storage is passed to the substrate verbatim.
	Storage driver.StorageType `yaml:"storage,omitempty"`
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var err error

	if !ValidBucketName(c.Bucket) {
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrInvalidBucketName, c.Bucket))
	}

	switch {
	case c.History < 0:
		err = multierr.Append(err, fmt.Errorf("%w: negative history %d", ErrInvalidConfig, c.History))
	case c.History > MaxHistory:
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrHistoryTooLarge, c.History))
	}

	if c.Replicas < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative replicas %d", ErrInvalidConfig, c.Replicas))
	}

	if c.TTL < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative ttl %s", ErrInvalidConfig, c.TTL))
	}

	if c.MaxBytes < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative max bytes %d", ErrInvalidConfig, c.MaxBytes))
	}

	if c.MaxValueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative max value size %d", ErrInvalidConfig, c.MaxValueSize))
	}

	return err
}

// normalized returns a copy with defaults applied.
func (c Config) normalized() Config {
	if c.History == 0 {
		c.History = defaultHistory
	}

	if c.Replicas == 0 {
		c.Replicas = defaultReplicas
	}

	return c
}

// streamConfig maps the bucket configuration onto the retention policy of its stream.
// Records may only be removed by rollup tombstones, never deleted directly.
func (c Config) streamConfig() driver.StreamConfig {
	return driver.StreamConfig{
		Name:              StreamName(c.Bucket),
		Description:       c.Description,
		Subjects:          []string{SubjectPrefix(c.Bucket) + ">"},
		MaxMsgsPerSubject: c.History,
		MaxBytes:          c.MaxBytes,
		MaxAge:            c.TTL,
		MaxMsgSize:        c.MaxValueSize,
		Storage:           c.Storage,
		Replicas:          c.Replicas,
		AllowRollup:       true,
		DenyDelete:        true,
	}
}
