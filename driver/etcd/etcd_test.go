// Tests of this file run an in-process etcd cluster. Clusters cannot run
// concurrently, so they are not parallel.
//
//nolint:paralleltest
package etcd_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	logkv "github.com/tarantool/go-logkv"
	"github.com/tarantool/go-logkv/driver"
	etcddriver "github.com/tarantool/go-logkv/driver/etcd"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/testing/drivertest"
	"github.com/tarantool/go-logkv/internal/testing/etcd"
)

func TestEtcdDriver_Conformance(t *testing.T) {
	client := etcd.NewClient(t)
	drv := etcddriver.New(client, etcddriver.WithLogger(zaptest.NewLogger(t)))

	drivertest.Run(t, func(_ *testing.T) driver.Driver {
		return drv
	})
}

func TestEtcdDriver_Roots(t *testing.T) {
	ctx := context.Background()
	client := etcd.NewClient(t)

	first := etcddriver.New(client, etcddriver.WithRoot("/first/"))
	second := etcddriver.New(client, etcddriver.WithRoot("/second/"))

	cfg := drivertest.StreamConfig(t)

	_, err := first.AddStream(ctx, cfg)
	require.NoError(t, err)

	_, err = second.StreamInfo(ctx, cfg.Name)
	require.ErrorIs(t, err, driver.ErrStreamNotFound)

	_, err = second.Publish(ctx, drivertest.Subject(cfg, "key"), []byte("v"), header.Header{}) //nolint:exhaustruct
	require.ErrorIs(t, err, driver.ErrNoStreamResponse)

	resp, err := client.Get(ctx, "/first/streams/"+cfg.Name)
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Contains(t, string(resp.Kvs[0].Value), "name: "+cfg.Name)
}

func TestEtcdDriver_MaxBytes(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t))

	cfg := drivertest.StreamConfig(t)
	subject := drivertest.Subject(cfg, "k")
	cfg.MaxBytes = int64(2 * (len(subject) + 4))

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		_, err = drv.Publish(ctx, drivertest.Subject(cfg, key), []byte("data"), header.Header{}) //nolint:exhaustruct
		require.NoError(t, err)
	}

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
	assert.Equal(t, uint64(2), info.State.FirstSeq)
	assert.Equal(t, uint64(3), info.State.LastSeq)
}

func TestEtcdDriver_ConcurrentExpectLast(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t))

	cfg := drivertest.StreamConfig(t)

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	subject := drivertest.Subject(cfg, "counter")

	const writers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := drv.Publish(ctx, subject, []byte("x"), header.ExpectLast(0))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()

				return
			}

			assert.ErrorIs(t, err, driver.ErrWrongLastSequence)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.LastSeq)
}

func TestEtcdDriver_ConcurrentPublishers(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t), etcddriver.WithMaxAttempts(64))

	cfg := drivertest.StreamConfig(t)
	cfg.MaxMsgsPerSubject = 0

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	const writers = 4

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[uint64]bool)
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			seq, err := drv.Publish(ctx, drivertest.Subject(cfg, "k"), []byte("x"), header.Header{}) //nolint:exhaustruct
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			seqs[seq] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, seqs, writers, "every append gets a distinct sequence")
}

func TestEtcdDriver_PurgeFullHistory(t *testing.T) {
	ctx := context.Background()
	mgr := logkv.NewManager(etcddriver.New(etcd.NewClient(t)))

	kv, err := mgr.CreateKeyValue(ctx, logkv.Config{Bucket: "history", History: logkv.MaxHistory}) //nolint:exhaustruct
	require.NoError(t, err)

	for i := range logkv.MaxHistory {
		_, err = kv.Put(ctx, "key", []byte(strconv.Itoa(i)))
		require.NoError(t, err)
	}

	_, err = kv.Put(ctx, "other", []byte("v"))
	require.NoError(t, err)

	ok, err := kv.Purge(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kv.Get(ctx, "key")

	var deleted *logkv.KeyDeletedError
	require.ErrorAs(t, err, &deleted)
	assert.Equal(t, header.OpPurge, deleted.Op)

	entry, err := kv.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value.Unwrap())

	status, err := kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Values())
}

func TestEtcdDriver_RollupAllManySubjects(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t))

	cfg := drivertest.StreamConfig(t)

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	const subjects = 150

	for i := range subjects {
		_, err = drv.Publish(ctx, drivertest.Subject(cfg, "k"+strconv.Itoa(i)), []byte("x"), header.Header{}) //nolint:exhaustruct
		require.NoError(t, err)
	}

	hdr := header.Header{Op: header.OpNone, Rollup: header.RollupAll} //nolint:exhaustruct

	seq, err := drv.Publish(ctx, drivertest.Subject(cfg, "k7"), []byte("y"), hdr)
	require.NoError(t, err)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
	assert.Equal(t, seq, info.State.FirstSeq)

	rec, err := drv.LastMsg(ctx, cfg.Name, drivertest.Subject(cfg, "k7"))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Data)
}

func TestEtcdDriver_MaxBytesManySubjects(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t))

	cfg := drivertest.StreamConfig(t)
	cfg.MaxBytes = 1 << 16

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	const subjects = 100

	for i := range subjects {
		_, err = drv.Publish(ctx, drivertest.Subject(cfg, "k"+strconv.Itoa(i)), []byte("x"), header.Header{}) //nolint:exhaustruct
		require.NoError(t, err)
	}

	// The new record alone fills the stream, so every older subject goes.
	subject := drivertest.Subject(cfg, "big")
	data := make([]byte, int(cfg.MaxBytes)-len(subject))

	seq, err := drv.Publish(ctx, subject, data, header.Header{}) //nolint:exhaustruct
	require.NoError(t, err)
	assert.Equal(t, uint64(subjects+1), seq)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, driver.StreamState{
		Msgs:     1,
		Bytes:    uint64(cfg.MaxBytes),
		FirstSeq: seq,
		LastSeq:  seq,
	}, info.State)
}

func TestEtcdDriver_MaxAge(t *testing.T) {
	ctx := context.Background()
	drv := etcddriver.New(etcd.NewClient(t))

	cfg := drivertest.StreamConfig(t)
	cfg.MaxAge = time.Second

	_, err := drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	subject := drivertest.Subject(cfg, "key")

	seq, err := drv.Publish(ctx, subject, []byte("v"), header.Header{}) //nolint:exhaustruct
	require.NoError(t, err)

	_, err = drv.LastMsg(ctx, cfg.Name, subject)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := drv.LastMsg(ctx, cfg.Name, subject)
		return errors.Is(err, driver.ErrMsgNotFound)
	}, 15*time.Second, 100*time.Millisecond)

	info, err := drv.StreamInfo(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.State.Msgs)
	assert.Equal(t, seq, info.State.LastSeq)
}
