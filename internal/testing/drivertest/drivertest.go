// Package drivertest provides a conformance suite for log substrate drivers.
// Every driver package runs it from its own tests so that the in-memory,
// embedded and remote backends behave the same way towards the key-value layer.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/header"
)

const (
	defaultTimeout = 30 * time.Second
)

// Factory returns a driver ready for use by a single test.
// Drivers backed by a shared server may return the same instance every time:
// the suite derives unique stream names from the test name.
type Factory func(t *testing.T) driver.Driver

//nolint:gochecknoglobals
var streamCounter atomic.Uint64

// StreamConfig returns a key-value style stream configuration with a stream
// name and subject space unique to the test.
func StreamConfig(t *testing.T) driver.StreamConfig {
	t.Helper()

	name := uniqueName(t)

	return driver.StreamConfig{
		Name:              "KV_" + name,
		Description:       "",
		Subjects:          []string{"$KV." + name + ".>"},
		MaxMsgsPerSubject: 1,
		MaxBytes:          0,
		MaxAge:            0,
		MaxMsgSize:        0,
		Storage:           driver.MemoryStorage,
		Replicas:          1,
		AllowRollup:       true,
		DenyDelete:        true,
	}
}

// Subject returns the subject of a key inside the stream created from StreamConfig.
func Subject(cfg driver.StreamConfig, key string) string {
	return strings.TrimSuffix(cfg.Subjects[0], ">") + key
}

func uniqueName(t *testing.T) string {
	t.Helper()

	replacer := strings.NewReplacer("/", "_", " ", "_", ".", "_", "#", "_")
	base := replacer.Replace(t.Name())

	if len(base) > 40 { //nolint:mnd
		base = base[len(base)-40:]
	}

	return fmt.Sprintf("%s_%d_%d", base, time.Now().UnixNano()%1e9, streamCounter.Add(1))
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	t.Cleanup(cancel)

	return ctx
}

func addStream(ctx context.Context, t *testing.T, drv driver.Driver, cfg driver.StreamConfig) {
	t.Helper()

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = drv.DeleteStream(context.Background(), cfg.Name)
	})
}

func publish(ctx context.Context, t *testing.T, drv driver.Publisher, subject, data string) uint64 {
	t.Helper()

	seq, err := drv.Publish(ctx, subject, []byte(data), header.Header{}) //nolint:exhaustruct
	require.NoError(t, err)

	return seq
}

// Run executes the conformance suite against drivers produced by the factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, drv driver.Driver)
	}{
		{"AddStream", testAddStream},
		{"AddStream_Idempotent", testAddStreamIdempotent},
		{"AddStream_Conflict", testAddStreamConflict},
		{"AddStream_Invalid", testAddStreamInvalid},
		{"AddStream_Overlap", testAddStreamOverlap},
		{"StreamInfo_NotFound", testStreamInfoNotFound},
		{"DeleteStream", testDeleteStream},
		{"Publish_Sequences", testPublishSequences},
		{"Publish_NoStream", testPublishNoStream},
		{"Publish_MaxMsgSize", testPublishMaxMsgSize},
		{"LastMsg", testLastMsg},
		{"LastMsg_NotFound", testLastMsgNotFound},
		{"LastMsg_EmptyPayload", testLastMsgEmptyPayload},
		{"ExpectedLastSubjectSeq", testExpectedLastSubjectSeq},
		{"ExpectedLastSubjectSeq_Empty", testExpectedLastSubjectSeqEmpty},
		{"History", testHistory},
		{"RollupSubject", testRollupSubject},
		{"RollupAll", testRollupAll},
		{"Rollup_NotAllowed", testRollupNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory(t))
		})
	}
}

func testAddStream(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgsPerSubject = 5
	cfg.MaxAge = time.Hour

	info, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = drv.DeleteStream(context.Background(), cfg.Name) })

	assert.Equal(t, cfg.Name, info.Config.Name)
	assert.Equal(t, int64(5), info.Config.MaxMsgsPerSubject)
	assert.Equal(t, time.Hour, info.Config.MaxAge)
	assert.True(t, info.Config.AllowRollup)
	assert.True(t, info.Config.DenyDelete)
	assert.Zero(t, info.State.Msgs)

	fetched, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, cfg.Subjects, fetched.Config.Subjects)
	assert.Equal(t, int64(5), fetched.Config.MaxMsgsPerSubject)
}

func testAddStreamIdempotent(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)
}

func testAddStreamConflict(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	changed := cfg
	changed.MaxMsgsPerSubject = 10

	_, err := drv.AddStream(ctx, changed)
	require.ErrorIs(t, err, driver.ErrStreamNameAlreadyInUse)
}

func testAddStreamInvalid(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.Name = "KV.invalid"

	_, err := drv.AddStream(ctx, cfg)
	require.ErrorIs(t, err, driver.ErrInvalidStreamConfig)
}

func testAddStreamOverlap(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	other := StreamConfig(t)
	other.Subjects = []string{Subject(cfg, "*")}

	_, err := drv.AddStream(ctx, other)
	require.ErrorIs(t, err, driver.ErrInvalidStreamConfig)

	_, err = drv.StreamInfo(ctx, other.Name)
	require.ErrorIs(t, err, driver.ErrStreamNotFound)
}

func testStreamInfoNotFound(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)

	_, err := drv.StreamInfo(ctx, StreamConfig(t).Name)
	require.ErrorIs(t, err, driver.ErrStreamNotFound)
}

func testDeleteStream(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	publish(ctx, t, drv, Subject(cfg, "key"), "value")

	require.NoError(t, drv.DeleteStream(ctx, cfg.Name))

	_, err = drv.StreamInfo(ctx, cfg.Name)
	require.ErrorIs(t, err, driver.ErrStreamNotFound)

	_, err = drv.LastMsg(ctx, cfg.Name, Subject(cfg, "key"))
	require.ErrorIs(t, err, driver.ErrStreamNotFound)

	err = drv.DeleteStream(ctx, cfg.Name)
	require.ErrorIs(t, err, driver.ErrStreamNotFound)
}

func testPublishSequences(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	first := publish(ctx, t, drv, Subject(cfg, "a"), "1")
	second := publish(ctx, t, drv, Subject(cfg, "b"), "1")
	third := publish(ctx, t, drv, Subject(cfg, "a"), "2")

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.Equal(t, uint64(3), third)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs, "history of one keeps a single record per subject")
	assert.Equal(t, uint64(3), info.State.LastSeq)
}

func testPublishNoStream(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)

	_, err := drv.Publish(ctx, Subject(cfg, "key"), []byte("value"), header.Header{}) //nolint:exhaustruct
	require.ErrorIs(t, err, driver.ErrNoStreamResponse)
}

func testPublishMaxMsgSize(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgSize = 4
	addStream(ctx, t, drv, cfg)

	publish(ctx, t, drv, Subject(cfg, "key"), "1234")

	_, err := drv.Publish(ctx, Subject(cfg, "key"), []byte("12345"), header.Header{}) //nolint:exhaustruct
	require.ErrorIs(t, err, driver.ErrMaxPayload)
}

func testLastMsg(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgsPerSubject = 3
	addStream(ctx, t, drv, cfg)

	publish(ctx, t, drv, Subject(cfg, "key"), "first")
	publish(ctx, t, drv, Subject(cfg, "other"), "other")

	seq, err := drv.Publish(ctx, Subject(cfg, "key"), nil, header.Delete())
	require.NoError(t, err)

	rec, err := drv.LastMsg(ctx, cfg.Name, Subject(cfg, "key"))
	require.NoError(t, err)

	assert.Equal(t, seq, rec.Sequence)
	assert.Equal(t, Subject(cfg, "key"), rec.Subject)
	assert.Empty(t, rec.Data)
	assert.Equal(t, header.OpDelete, rec.Header.Op)
	assert.False(t, rec.Time.IsZero())
}

func testLastMsgNotFound(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	_, err := drv.LastMsg(ctx, cfg.Name, Subject(cfg, "missing"))
	require.ErrorIs(t, err, driver.ErrMsgNotFound)
}

func testLastMsgEmptyPayload(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	seq := publish(ctx, t, drv, Subject(cfg, "empty"), "")

	rec, err := drv.LastMsg(ctx, cfg.Name, Subject(cfg, "empty"))
	require.NoError(t, err)

	assert.Equal(t, seq, rec.Sequence)
	assert.Empty(t, rec.Data)
	assert.Equal(t, header.OpNone, rec.Header.Op)
}

func testExpectedLastSubjectSeq(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	subject := Subject(cfg, "key")

	first := publish(ctx, t, drv, subject, "1")
	publish(ctx, t, drv, Subject(cfg, "other"), "x")

	_, err := drv.Publish(ctx, subject, []byte("2"), header.ExpectLast(first+1))
	require.ErrorIs(t, err, driver.ErrWrongLastSequence)

	rec, err := drv.LastMsg(ctx, cfg.Name, subject)
	require.NoError(t, err)
	assert.Equal(t, first, rec.Sequence, "rejected append must not create a revision")
	assert.Equal(t, []byte("1"), rec.Data)

	seq, err := drv.Publish(ctx, subject, []byte("2"), header.ExpectLast(first))
	require.NoError(t, err)
	assert.Equal(t, first+2, seq)
}

func testExpectedLastSubjectSeqEmpty(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	addStream(ctx, t, drv, cfg)

	subject := Subject(cfg, "key")

	seq, err := drv.Publish(ctx, subject, []byte("1"), header.ExpectLast(0))
	require.NoError(t, err)

	_, err = drv.Publish(ctx, subject, []byte("2"), header.ExpectLast(0))
	require.ErrorIs(t, err, driver.ErrWrongLastSequence)

	rec, err := drv.LastMsg(ctx, cfg.Name, subject)
	require.NoError(t, err)
	assert.Equal(t, seq, rec.Sequence)
}

func testHistory(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgsPerSubject = 2
	addStream(ctx, t, drv, cfg)

	for _, value := range []string{"1", "2", "3", "4"} {
		publish(ctx, t, drv, Subject(cfg, "key"), value)
	}

	publish(ctx, t, drv, Subject(cfg, "other"), "x")

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.State.Msgs)
	assert.Equal(t, uint64(5), info.State.LastSeq)

	rec, err := drv.LastMsg(ctx, cfg.Name, Subject(cfg, "key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("4"), rec.Data)
}

func testRollupSubject(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgsPerSubject = 10
	addStream(ctx, t, drv, cfg)

	for _, value := range []string{"1", "2", "3"} {
		publish(ctx, t, drv, Subject(cfg, "key"), value)
	}

	publish(ctx, t, drv, Subject(cfg, "other"), "x")

	seq, err := drv.Publish(ctx, Subject(cfg, "key"), nil, header.Purge())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs, "only the tombstone and the other subject remain")

	rec, err := drv.LastMsg(ctx, cfg.Name, Subject(cfg, "key"))
	require.NoError(t, err)
	assert.Equal(t, header.OpPurge, rec.Header.Op)
}

func testRollupAll(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.MaxMsgsPerSubject = 10
	addStream(ctx, t, drv, cfg)

	publish(ctx, t, drv, Subject(cfg, "a"), "1")
	publish(ctx, t, drv, Subject(cfg, "b"), "1")

	hdr := header.Header{Op: header.OpNone, Rollup: header.RollupAll} //nolint:exhaustruct

	_, err := drv.Publish(ctx, Subject(cfg, "c"), []byte("snapshot"), hdr)
	require.NoError(t, err)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	_, err = drv.LastMsg(ctx, cfg.Name, Subject(cfg, "a"))
	require.ErrorIs(t, err, driver.ErrMsgNotFound)
}

func testRollupNotAllowed(t *testing.T, drv driver.Driver) {
	ctx := testContext(t)
	cfg := StreamConfig(t)
	cfg.AllowRollup = false
	addStream(ctx, t, drv, cfg)

	publish(ctx, t, drv, Subject(cfg, "key"), "1")

	_, err := drv.Publish(ctx, Subject(cfg, "key"), nil, header.Purge())
	require.ErrorIs(t, err, driver.ErrRollupNotAllowed)
}
