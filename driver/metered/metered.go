// Package metered provides a driver decorator that records Prometheus metrics
// for every call to the wrapped log substrate.
package metered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

const (
	namespace = "logkv"
	subsystem = "driver"
)

// Call outcomes reported in the result label.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

type metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	payload  prometheus.Histogram
}

func newMetrics(backend string) *metrics {
	constLabels := prometheus.Labels{"backend": backend}

	return &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "calls_total",
			Help:        "Number of substrate calls by operation and result",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "call_duration_seconds",
			Help:        "Histogram of substrate call durations by operation",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-4, 4, 8), //nolint:mnd
		}, []string{"op"}),

		payload: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "publish_payload_bytes",
			Help:        "Histogram of published payload sizes",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(16, 4, 8), //nolint:mnd
		}),
	}
}

// Driver wraps a driver and instruments it.
type Driver struct {
	next    driver.Driver
	metrics *metrics
}

var _ driver.Driver = &Driver{} //nolint:exhaustruct

// New wraps next and registers its collectors with reg. The backend name is
// attached to every metric as a constant label.
func New(next driver.Driver, reg prometheus.Registerer, backend string) (*Driver, error) {
	m := newMetrics(backend)

	for _, collector := range []prometheus.Collector{m.calls, m.duration, m.payload} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return &Driver{next: next, metrics: m}, nil
}

func (d *Driver) observe(op string, start time.Time, err error) {
	d.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	d.metrics.calls.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, driver.ErrWrongLastSequence):
		return ResultConflict
	case errors.Is(err, driver.ErrMsgNotFound), errors.Is(err, driver.ErrStreamNotFound):
		return ResultNotFound
	default:
		return ResultError
	}
}

// Publish implements the driver.Publisher interface.
func (d *Driver) Publish(ctx context.Context, subject string, data []byte, hdr header.Header) (uint64, error) {
	start := time.Now()

	seq, err := d.next.Publish(ctx, subject, data, hdr)
	d.observe("publish", start, err)

	if err == nil {
		d.metrics.payload.Observe(float64(len(data)))
	}

	return seq, err //nolint:wrapcheck
}

// LastMsg implements the driver.Publisher interface.
func (d *Driver) LastMsg(ctx context.Context, stream, subject string) (driver.Record, error) {
	start := time.Now()

	rec, err := d.next.LastMsg(ctx, stream, subject)
	d.observe("last_msg", start, err)

	return rec, err //nolint:wrapcheck
}

// StreamInfo implements the driver.Manager interface.
func (d *Driver) StreamInfo(ctx context.Context, name string) (driver.StreamInfo, error) {
	start := time.Now()

	info, err := d.next.StreamInfo(ctx, name)
	d.observe("stream_info", start, err)

	return info, err //nolint:wrapcheck
}

// AddStream implements the driver.Manager interface.
func (d *Driver) AddStream(ctx context.Context, cfg driver.StreamConfig) (driver.StreamInfo, error) {
	start := time.Now()

	info, err := d.next.AddStream(ctx, cfg)
	d.observe("add_stream", start, err)

	return info, err //nolint:wrapcheck
}

// DeleteStream implements the driver.Manager interface.
func (d *Driver) DeleteStream(ctx context.Context, name string) error {
	start := time.Now()

	err := d.next.DeleteStream(ctx, name)
	d.observe("delete_stream", start, err)

	return err //nolint:wrapcheck
}
