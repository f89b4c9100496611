// Package memory provides an in-memory implementation
// of the log substrate driver interface for demonstration and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/options"
)

type settings struct {
	clock clock.Clock
}

// Option configures the in-memory driver.
type Option = options.OptionCallback[settings]

// WithClock sets the clock used to stamp records and expire them by max age.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		s.clock = clk
	}
}

// stream is a single append-only log. Records are kept in sequence order.
type stream struct {
	info    driver.StreamInfo
	records []driver.Record
}

// Driver is a thread-safe in-memory log substrate.
type Driver struct {
	mu      sync.RWMutex
	streams map[string]*stream
	clock   clock.Clock
}

var _ driver.Driver = &Driver{} //nolint:exhaustruct

// New creates an empty in-memory driver.
func New(opts ...Option) *Driver {
	cfg := options.ApplyOptions(func() settings {
		return settings{clock: clock.New()}
	}, opts)

	return &Driver{
		mu:      sync.RWMutex{},
		streams: make(map[string]*stream),
		clock:   cfg.clock,
	}
}

// Publish implements the driver.Publisher interface.
func (d *Driver) Publish(_ context.Context, subject string, data []byte, hdr header.Header) (uint64, error) {
	if !driver.ValidSubject(subject, false) {
		return 0, fmt.Errorf("%w: %q", driver.ErrInvalidSubject, subject)
	}

	// Publishing is serialized so the expected sequence check and the append
	// are observed atomically by concurrent writers.
	d.mu.Lock()
	defer d.mu.Unlock()

	str := d.route(subject)
	if str == nil {
		return 0, fmt.Errorf("%w: %q", driver.ErrNoStreamResponse, subject)
	}

	cfg := str.info.Config
	now := d.clock.Now()

	str.expire(now)

	if cfg.MaxMsgSize > 0 && len(data) > int(cfg.MaxMsgSize) {
		return 0, fmt.Errorf("%w: %d > %d", driver.ErrMaxPayload, len(data), cfg.MaxMsgSize)
	}

	if hdr.Rollup != header.RollupNone && !cfg.AllowRollup {
		return 0, driver.ErrRollupNotAllowed
	}

	if expected, ok := hdr.ExpectedLastSubjectSeq.Get(); ok {
		if last := str.lastSubjectSeq(subject); last != expected {
			return 0, fmt.Errorf("%w: expected %d, current %d", driver.ErrWrongLastSequence, expected, last)
		}
	}

	switch hdr.Rollup {
	case header.RollupSubject:
		str.dropSubject(subject)
	case header.RollupAll:
		str.records = nil
	case header.RollupNone:
	}

	str.info.State.LastSeq++

	rec := driver.Record{
		Subject:  subject,
		Sequence: str.info.State.LastSeq,
		Header:   hdr,
		Data:     clone(data),
		Time:     now,
	}
	str.records = append(str.records, rec)

	str.enforceLimits(subject)

	return rec.Sequence, nil
}

// LastMsg implements the driver.Publisher interface.
func (d *Driver) LastMsg(_ context.Context, name, subject string) (driver.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	str, ok := d.streams[name]
	if !ok {
		return driver.Record{}, fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	str.expire(d.clock.Now())

	for i := len(str.records) - 1; i >= 0; i-- {
		if str.records[i].Subject == subject {
			rec := str.records[i]
			rec.Data = clone(rec.Data)

			return rec, nil
		}
	}

	return driver.Record{}, fmt.Errorf("%w: %q", driver.ErrMsgNotFound, subject)
}

// StreamInfo implements the driver.Manager interface.
func (d *Driver) StreamInfo(_ context.Context, name string) (driver.StreamInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	str, ok := d.streams[name]
	if !ok {
		return driver.StreamInfo{}, fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	str.expire(d.clock.Now())

	return str.snapshot(), nil
}

// AddStream implements the driver.Manager interface.
func (d *Driver) AddStream(_ context.Context, cfg driver.StreamConfig) (driver.StreamInfo, error) {
	if err := cfg.Validate(); err != nil {
		return driver.StreamInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.streams[cfg.Name]; ok {
		if !driver.SameConfig(existing.info.Config, cfg) {
			return driver.StreamInfo{}, fmt.Errorf("%w: %q", driver.ErrStreamNameAlreadyInUse, cfg.Name)
		}

		return existing.snapshot(), nil
	}

	for name, other := range d.streams {
		if cfg.Overlaps(other.info.Config) {
			return driver.StreamInfo{}, fmt.Errorf("%w: subjects overlap with stream %q", driver.ErrInvalidStreamConfig, name)
		}
	}

	cfg.Subjects = append([]string(nil), cfg.Subjects...)

	str := &stream{
		info: driver.StreamInfo{
			Config:  cfg,
			Created: d.clock.Now(),
			State:   driver.StreamState{Msgs: 0, Bytes: 0, FirstSeq: 0, LastSeq: 0},
		},
		records: nil,
	}
	d.streams[cfg.Name] = str

	return str.snapshot(), nil
}

// DeleteStream implements the driver.Manager interface.
func (d *Driver) DeleteStream(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[name]; !ok {
		return fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	delete(d.streams, name)

	return nil
}

// route returns the stream that binds the subject, if any.
func (d *Driver) route(subject string) *stream {
	for _, str := range d.streams {
		if str.info.Config.BindsSubject(subject) {
			return str
		}
	}

	return nil
}

func (s *stream) lastSubjectSeq(subject string) uint64 {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Subject == subject {
			return s.records[i].Sequence
		}
	}

	return 0
}

func (s *stream) dropSubject(subject string) {
	s.filter(func(_ int, rec driver.Record) bool {
		return rec.Subject != subject
	})
}

// enforceLimits evicts the oldest records past the per-subject and byte limits.
func (s *stream) enforceLimits(subject string) {
	cfg := s.info.Config

	if cfg.MaxMsgsPerSubject > 0 {
		var count int64

		for _, rec := range s.records {
			if rec.Subject == subject {
				count++
			}
		}

		excess := count - cfg.MaxMsgsPerSubject

		s.filter(func(_ int, rec driver.Record) bool {
			if excess > 0 && rec.Subject == subject {
				excess--
				return false
			}

			return true
		})
	}

	if cfg.MaxBytes > 0 {
		total := s.bytes()

		s.filter(func(i int, rec driver.Record) bool {
			// The newest record is always retained.
			if total > uint64(cfg.MaxBytes) && i < len(s.records)-1 {
				total -= rec.Size()
				return false
			}

			return true
		})
	}
}

// expire drops records older than the stream's max age.
func (s *stream) expire(now time.Time) {
	maxAge := s.info.Config.MaxAge
	if maxAge <= 0 {
		return
	}

	deadline := now.Add(-maxAge)

	s.filter(func(_ int, rec driver.Record) bool {
		return rec.Time.After(deadline)
	})
}

func (s *stream) filter(keep func(i int, rec driver.Record) bool) {
	kept := s.records[:0]

	for i, rec := range s.records {
		if keep(i, rec) {
			kept = append(kept, rec)
		}
	}

	s.records = kept
}

func (s *stream) bytes() uint64 {
	var total uint64

	for _, rec := range s.records {
		total += rec.Size()
	}

	return total
}

func (s *stream) snapshot() driver.StreamInfo {
	info := s.info
	info.Config.Subjects = append([]string(nil), s.info.Config.Subjects...)
	info.State.Msgs = uint64(len(s.records))
	info.State.Bytes = s.bytes()
	info.State.FirstSeq = 0

	if len(s.records) > 0 {
		info.State.FirstSeq = s.records[0].Sequence
	}

	return info
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out
}
