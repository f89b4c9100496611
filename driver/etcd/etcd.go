// Package etcd provides an etcd implementation of the log substrate driver interface.
// It enables using an etcd cluster as a distributed, replicated stream store.
//
// Every append is a single etcd transaction guarded by the mod revision of the
// stream's sequence key, so concurrent publishers to a stream are serialized
// and the expected last subject sequence is checked atomically with the append.
// Max age is enforced with etcd leases attached to the record keys.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/benbjohnson/clock"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/codec"
	"github.com/tarantool/go-logkv/internal/options"
)

// Client defines the minimal interface needed for etcd operations.
// This allows for easier testing and mock implementations.
type Client interface {
	// Txn creates a new transaction.
	Txn(ctx context.Context) etcd.Txn
	// Get retrieves keys.
	Get(ctx context.Context, key string, opts ...etcd.OpOption) (*etcd.GetResponse, error)
	// Grant creates a new lease.
	Grant(ctx context.Context, ttl int64) (*etcd.LeaseGrantResponse, error)
}

const (
	// DefaultRoot is the key prefix streams are stored under by default.
	DefaultRoot = "/logkv/"

	defaultMaxAttempts = 16

	// maxEvictOps bounds the range deletes of a single transaction, well
	// below the default etcd limit of 128 operations.
	maxEvictOps = 64
)

var (
	// ErrContention is returned when an append keeps losing the race for the
	// stream's sequence key.
	ErrContention = errors.New("too much contention on stream")

	errCorruptedStream = errors.New("corrupted stream")
)

type settings struct {
	root        string
	maxAttempts int
	clock       clock.Clock
	logger      *zap.Logger
}

// Option configures the etcd driver.
type Option = options.OptionCallback[settings]

// WithRoot sets the key prefix streams are stored under.
func WithRoot(root string) Option {
	return func(s *settings) {
		s.root = root
	}
}

// WithMaxAttempts sets how many times an append is retried on contention.
func WithMaxAttempts(attempts int) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithClock sets the clock used to stamp records.
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

// Driver is an etcd implementation of the log substrate driver interface.
type Driver struct {
	client      Client
	keys        keyspace
	maxAttempts int
	clock       clock.Clock
	logger      *zap.Logger
}

var _ driver.Driver = &Driver{} //nolint:exhaustruct

// New creates a new etcd driver instance using an existing etcd client.
// The client should be properly configured and connected to an etcd cluster.
func New(client Client, opts ...Option) *Driver {
	cfg := options.ApplyOptions(func() settings {
		return settings{
			root:        DefaultRoot,
			maxAttempts: defaultMaxAttempts,
			clock:       clock.New(),
			logger:      zap.NewNop(),
		}
	}, opts)

	return &Driver{
		client:      client,
		keys:        keyspace{root: cfg.root},
		maxAttempts: cfg.maxAttempts,
		clock:       cfg.clock,
		logger:      cfg.logger,
	}
}

// Publish implements the driver.Publisher interface.
func (d *Driver) Publish(ctx context.Context, subject string, data []byte, hdr header.Header) (uint64, error) {
	if !driver.ValidSubject(subject, false) {
		return 0, fmt.Errorf("%w: %q", driver.ErrInvalidSubject, subject)
	}

	var lease etcd.LeaseID

	for attempt := 1; attempt <= d.maxAttempts; {
		plan, err := d.prepare(ctx, subject, data, hdr)
		if err != nil {
			return 0, fmt.Errorf("failed to publish to %q: %w", subject, err)
		}

		if lease == 0 && plan.cfg.MaxAge > 0 {
			lease, err = d.grant(ctx, plan.cfg)
			if err != nil {
				return 0, fmt.Errorf("failed to publish to %q: %w", subject, err)
			}
		}

		var ok bool

		if len(plan.evict) > maxEvictOps {
			// Too many subjects to evict in one transaction: drop a batch of
			// them first and plan the append again.
			ok, err = d.commit(ctx, plan, plan.evict[:maxEvictOps])
			if err != nil {
				return 0, fmt.Errorf("failed to publish to %q: %w", subject, err)
			}

			if ok {
				continue
			}
		} else {
			ok, err = d.commit(ctx, plan, d.appendOps(plan, lease))
			if err != nil {
				return 0, fmt.Errorf("failed to publish to %q: %w", subject, err)
			}

			if ok {
				return plan.rec.Sequence, nil
			}
		}

		d.logger.Debug("append lost the race, retrying",
			zap.String("stream", plan.cfg.Name),
			zap.String("subject", subject),
			zap.Int("attempt", attempt))

		attempt++
	}

	return 0, fmt.Errorf("failed to publish to %q: %w", subject, ErrContention)
}

// appendPlan is an append prepared against a consistent snapshot.
type appendPlan struct {
	cfg       driver.StreamConfig
	streamRev int64
	seqRev    int64
	rec       driver.Record
	key       string
	encoded   []byte
	evict     []etcd.Op
}

func (d *Driver) prepare(ctx context.Context, subject string, data []byte, hdr header.Header) (appendPlan, error) {
	streams, err := d.client.Get(ctx, d.keys.streams(), etcd.WithPrefix())
	if err != nil {
		return appendPlan{}, fmt.Errorf("failed to list streams: %w", err)
	}

	plan := appendPlan{} //nolint:exhaustruct
	found := false

	for _, kv := range streams.Kvs {
		info, err := codec.DecodeStream(kv.Value)
		if err != nil {
			return appendPlan{}, err //nolint:wrapcheck
		}

		if info.Config.BindsSubject(subject) {
			plan.cfg = info.Config
			plan.streamRev = kv.ModRevision
			found = true

			break
		}
	}

	if !found {
		return appendPlan{}, fmt.Errorf("%w: %q", driver.ErrNoStreamResponse, subject)
	}

	cfg := plan.cfg

	if cfg.MaxMsgSize > 0 && len(data) > int(cfg.MaxMsgSize) {
		return appendPlan{}, fmt.Errorf("%w: %d > %d", driver.ErrMaxPayload, len(data), cfg.MaxMsgSize)
	}

	if hdr.Rollup != header.RollupNone && !cfg.AllowRollup {
		return appendPlan{}, driver.ErrRollupNotAllowed
	}

	rev := etcd.WithRev(streams.Header.Revision)

	seqResp, err := d.client.Get(ctx, d.keys.seq(cfg.Name), rev)
	if err != nil {
		return appendPlan{}, fmt.Errorf("failed to read sequence: %w", err)
	}

	var last uint64

	if len(seqResp.Kvs) > 0 {
		plan.seqRev = seqResp.Kvs[0].ModRevision

		last, err = strconv.ParseUint(string(seqResp.Kvs[0].Value), 10, 64)
		if err != nil {
			return appendPlan{}, fmt.Errorf("%w: %w", errCorruptedStream, err)
		}
	}

	recordsResp, err := d.client.Get(ctx, d.keys.records(cfg.Name), etcd.WithPrefix(), etcd.WithKeysOnly(), rev)
	if err != nil {
		return appendPlan{}, fmt.Errorf("failed to read records: %w", err)
	}

	all, err := d.keys.parseRecords(cfg.Name, keysOf(recordsResp.Kvs))
	if err != nil {
		return appendPlan{}, err
	}

	var own []recordKey

	for _, rec := range all {
		if rec.subject == subject {
			own = append(own, rec)
		}
	}

	if expected, ok := hdr.ExpectedLastSubjectSeq.Get(); ok {
		var current uint64
		if len(own) > 0 {
			current = own[len(own)-1].seq
		}

		if current != expected {
			return appendPlan{}, fmt.Errorf("%w: expected %d, current %d", driver.ErrWrongLastSequence, expected, current)
		}
	}

	plan.rec = driver.Record{
		Subject:  subject,
		Sequence: last + 1,
		Header:   hdr,
		Data:     data,
		Time:     d.clock.Now(),
	}
	plan.key = d.keys.record(cfg.Name, subject, plan.rec.Sequence, plan.rec.Size())

	plan.encoded, err = codec.EncodeRecord(plan.rec)
	if err != nil {
		return appendPlan{}, err //nolint:wrapcheck
	}

	evicted := evictions(cfg, all, own, hdr.Rollup, plan.rec.Size())
	plan.evict = d.keys.evictionOps(cfg.Name, plan.key, hdr.Rollup, evicted)

	return plan, nil
}

func (d *Driver) grant(ctx context.Context, cfg driver.StreamConfig) (etcd.LeaseID, error) {
	ttl := int64(math.Ceil(cfg.MaxAge.Seconds()))

	resp, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease: %w", err)
	}

	return resp.ID, nil
}

func (d *Driver) appendOps(plan appendPlan, lease etcd.LeaseID) []etcd.Op {
	var recordOpts []etcd.OpOption
	if lease != 0 {
		recordOpts = append(recordOpts, etcd.WithLease(lease))
	}

	ops := make([]etcd.Op, 0, len(plan.evict)+2) //nolint:mnd
	ops = append(ops, plan.evict...)

	return append(ops,
		etcd.OpPut(d.keys.seq(plan.cfg.Name), strconv.FormatUint(plan.rec.Sequence, 10)),
		etcd.OpPut(plan.key, string(plan.encoded), recordOpts...),
	)
}

// commit applies ops if neither the stream nor its sequence changed since the
// plan was prepared.
func (d *Driver) commit(ctx context.Context, plan appendPlan, ops []etcd.Op) (bool, error) {
	name := plan.cfg.Name

	resp, err := d.client.Txn(ctx).
		If(
			etcd.Compare(etcd.ModRevision(d.keys.stream(name)), "=", plan.streamRev),
			etcd.Compare(etcd.ModRevision(d.keys.seq(name)), "=", plan.seqRev),
		).
		Then(ops...).
		Commit()
	if err != nil {
		return false, fmt.Errorf("transaction failed: %w", err)
	}

	return resp.Succeeded, nil
}

// LastMsg implements the driver.Publisher interface.
func (d *Driver) LastMsg(ctx context.Context, name, subject string) (driver.Record, error) {
	resp, err := d.client.Txn(ctx).
		Then(
			etcd.OpGet(d.keys.stream(name), etcd.WithCountOnly()),
			etcd.OpGet(d.keys.subjectRecords(name, subject),
				etcd.WithPrefix(),
				etcd.WithSort(etcd.SortByKey, etcd.SortDescend),
				etcd.WithLimit(1)),
		).
		Commit()
	if err != nil {
		return driver.Record{}, fmt.Errorf("failed to get last message of %q: %w", subject, err)
	}

	if resp.Responses[0].GetResponseRange().GetCount() == 0 {
		return driver.Record{}, fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	kvs := resp.Responses[1].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return driver.Record{}, fmt.Errorf("%w: %q", driver.ErrMsgNotFound, subject)
	}

	key, err := d.keys.parseRecord(name, kvs[0].Key)
	if err != nil {
		return driver.Record{}, err
	}

	return codec.DecodeRecord(key.seq, kvs[0].Value) //nolint:wrapcheck
}

// StreamInfo implements the driver.Manager interface.
func (d *Driver) StreamInfo(ctx context.Context, name string) (driver.StreamInfo, error) {
	resp, err := d.client.Txn(ctx).
		Then(
			etcd.OpGet(d.keys.stream(name)),
			etcd.OpGet(d.keys.seq(name)),
			etcd.OpGet(d.keys.records(name), etcd.WithPrefix(), etcd.WithKeysOnly()),
		).
		Commit()
	if err != nil {
		return driver.StreamInfo{}, fmt.Errorf("failed to get stream info: %w", err)
	}

	streamKvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(streamKvs) == 0 {
		return driver.StreamInfo{}, fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	info, err := codec.DecodeStream(streamKvs[0].Value)
	if err != nil {
		return driver.StreamInfo{}, err //nolint:wrapcheck
	}

	if seqKvs := resp.Responses[1].GetResponseRange().GetKvs(); len(seqKvs) > 0 {
		info.State.LastSeq, err = strconv.ParseUint(string(seqKvs[0].Value), 10, 64)
		if err != nil {
			return driver.StreamInfo{}, fmt.Errorf("%w: %w", errCorruptedStream, err)
		}
	}

	records, err := d.keys.parseRecords(name, keysOf(resp.Responses[2].GetResponseRange().GetKvs()))
	if err != nil {
		return driver.StreamInfo{}, err
	}

	for _, rec := range records {
		info.State.Msgs++
		info.State.Bytes += rec.size
	}

	if len(records) > 0 {
		info.State.FirstSeq = records[0].seq
	}

	return info, nil
}

// AddStream implements the driver.Manager interface.
func (d *Driver) AddStream(ctx context.Context, cfg driver.StreamConfig) (driver.StreamInfo, error) {
	if err := cfg.Validate(); err != nil {
		return driver.StreamInfo{}, err
	}

	encoded, err := codec.EncodeStream(cfg, d.clock.Now())
	if err != nil {
		return driver.StreamInfo{}, err //nolint:wrapcheck
	}

	for range d.maxAttempts {
		created, err := d.createStream(ctx, cfg, encoded)
		if err != nil {
			return driver.StreamInfo{}, fmt.Errorf("failed to add stream %q: %w", cfg.Name, err)
		}

		if created {
			return d.StreamInfo(ctx, cfg.Name)
		}
	}

	return driver.StreamInfo{}, fmt.Errorf("failed to add stream %q: %w", cfg.Name, ErrContention)
}

// createStream stores the stream unless it exists or its subjects overlap
// another stream. It reports false when the stream set changed concurrently.
func (d *Driver) createStream(ctx context.Context, cfg driver.StreamConfig, encoded []byte) (bool, error) {
	streams, err := d.client.Get(ctx, d.keys.streams(), etcd.WithPrefix())
	if err != nil {
		return false, fmt.Errorf("failed to list streams: %w", err)
	}

	key := d.keys.stream(cfg.Name)

	for _, kv := range streams.Kvs {
		info, err := codec.DecodeStream(kv.Value)
		if err != nil {
			return false, err //nolint:wrapcheck
		}

		switch {
		case string(kv.Key) == key:
			if !driver.SameConfig(info.Config, cfg) {
				return false, fmt.Errorf("%w: %q", driver.ErrStreamNameAlreadyInUse, cfg.Name)
			}

			return true, nil
		case cfg.Overlaps(info.Config):
			return false, fmt.Errorf("%w: subjects overlap with stream %q", driver.ErrInvalidStreamConfig, info.Config.Name)
		}
	}

	resp, err := d.client.Txn(ctx).
		If(
			etcd.Compare(etcd.CreateRevision(key), "=", 0),
			etcd.Compare(etcd.ModRevision(d.keys.streams()), "<", streams.Header.Revision+1).WithPrefix(),
		).
		Then(etcd.OpPut(key, string(encoded))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("transaction failed: %w", err)
	}

	if resp.Succeeded {
		d.logger.Debug("stream added", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))
	}

	return resp.Succeeded, nil
}

// DeleteStream implements the driver.Manager interface.
func (d *Driver) DeleteStream(ctx context.Context, name string) error {
	key := d.keys.stream(name)

	resp, err := d.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), ">", 0)).
		Then(
			etcd.OpDelete(key),
			etcd.OpDelete(d.keys.seq(name)),
			etcd.OpDelete(d.keys.records(name), etcd.WithPrefix()),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete stream %q: %w", name, err)
	}

	if !resp.Succeeded {
		return fmt.Errorf("%w: %q", driver.ErrStreamNotFound, name)
	}

	d.logger.Debug("stream deleted", zap.String("stream", name))

	return nil
}

func keysOf(kvs []*mvccpb.KeyValue) [][]byte {
	keys := make([][]byte, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, kv.Key)
	}

	return keys
}
