package logkv_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tarantool/go-logkv"
	"github.com/tarantool/go-logkv/driver/memory"
	"github.com/tarantool/go-logkv/header"
)

func createBucket(t *testing.T, cfg logkv.Config) *logkv.KeyValue {
	t.Helper()

	mgr := logkv.NewManager(memory.New(), logkv.WithLogger(zaptest.NewLogger(t)))

	kv, err := mgr.CreateKeyValue(context.Background(), cfg)
	require.NoError(t, err)

	return kv
}

func TestKeyValue_Scenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "B"}) //nolint:exhaustruct

	rev, err := kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	rev, err = kv.Put(ctx, "a", []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), entry.Value.Unwrap())
	assert.Equal(t, uint64(2), entry.Revision)
	assert.Equal(t, "B", entry.Bucket)
	assert.Equal(t, "a", entry.Key)

	_, err = kv.Update(ctx, "a", []byte("3"), 1)
	require.ErrorIs(t, err, logkv.ErrConflict)

	rev, err = kv.Update(ctx, "a", []byte("3"), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev)
}

func TestKeyValue_Get_NeverWritten(t *testing.T) {
	t.Parallel()

	kv := createBucket(t, logkv.Config{Bucket: "missing"}) //nolint:exhaustruct

	_, err := kv.Get(context.Background(), "nothing")
	require.ErrorIs(t, err, logkv.ErrKeyNotFound)
	assert.NotErrorIs(t, err, logkv.ErrKeyDeleted)
}

func TestKeyValue_PutGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "putget", History: 5}) //nolint:exhaustruct

	values := map[string][]byte{
		"simple":        []byte("value"),
		"nested.key":    []byte("nested"),
		"path/like=key": []byte("path"),
		"binary":        {0x00, 0xff, 0x10},
	}

	for key, value := range values {
		rev, err := kv.Put(ctx, key, value)
		require.NoError(t, err)

		entry, err := kv.Get(ctx, key)
		require.NoError(t, err)

		assert.Equal(t, value, entry.Value.Unwrap(), key)
		assert.Equal(t, rev, entry.Revision, key)
		assert.Equal(t, "", entry.Operation.String())
	}
}

func TestKeyValue_EmptyValueIsLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "empty"}) //nolint:exhaustruct

	for _, value := range [][]byte{nil, {}} {
		rev, err := kv.Put(ctx, "key", value)
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "key")
		require.NoError(t, err)

		assert.True(t, entry.Value.IsSome())
		assert.Empty(t, entry.Value.Unwrap())
		assert.Equal(t, rev, entry.Revision)
	}
}

func TestKeyValue_Update_EmptyKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "create"}) //nolint:exhaustruct

	rev, err := kv.Update(ctx, "key", []byte("first"), 0)
	require.NoError(t, err)

	_, err = kv.Update(ctx, "key", []byte("second"), 0)
	require.ErrorIs(t, err, logkv.ErrConflict)

	entry, err := kv.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision)
	assert.Equal(t, []byte("first"), entry.Value.Unwrap())
}

func TestKeyValue_Update_ConflictLeavesLatest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "conflict"}) //nolint:exhaustruct

	rev, err := kv.Put(ctx, "key", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Put(ctx, "other", []byte("x"))
	require.NoError(t, err)

	for _, last := range []uint64{0, rev + 1, rev + 100} {
		_, err = kv.Update(ctx, "key", []byte("v2"), last)
		require.ErrorIs(t, err, logkv.ErrConflict)
	}

	entry, err := kv.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision)
	assert.Equal(t, []byte("v1"), entry.Value.Unwrap())
}

func TestKeyValue_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "delete", History: 10}) //nolint:exhaustruct

	_, err := kv.Put(ctx, "key", []byte("v1"))
	require.NoError(t, err)

	ok, err := kv.Delete(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kv.Get(ctx, "key")
	require.ErrorIs(t, err, logkv.ErrKeyDeleted)

	var deleted *logkv.KeyDeletedError
	require.ErrorAs(t, err, &deleted)
	assert.Equal(t, header.OpDelete, deleted.Op)
	assert.Equal(t, uint64(2), deleted.Entry.Revision)
	assert.False(t, deleted.Entry.Value.IsSome())
	assert.Equal(t, "key", deleted.Entry.Key)

	status, err := kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Values(), "delete keeps prior revisions")

	rev, err := kv.Put(ctx, "key", []byte("v2"))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value.Unwrap())
	assert.Equal(t, rev, entry.Revision)
}

func TestKeyValue_Purge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "purge", History: 10}) //nolint:exhaustruct

	for i := range 3 {
		_, err := kv.Put(ctx, "key", fmt.Appendf(nil, "v%d", i))
		require.NoError(t, err)
	}

	_, err := kv.Put(ctx, "other", []byte("x"))
	require.NoError(t, err)

	status, err := kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), status.Values())

	ok, err := kv.Purge(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kv.Get(ctx, "key")

	var deleted *logkv.KeyDeletedError
	require.ErrorAs(t, err, &deleted)
	assert.Equal(t, header.OpPurge, deleted.Op)
	assert.Contains(t, err.Error(), "PURGE")

	status, err = kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Values(), "purge tombstone and the other key remain")

	entry, err := kv.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), entry.Value.Unwrap())
}

func TestKeyValue_Update_AfterDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "revive"}) //nolint:exhaustruct

	_, err := kv.Put(ctx, "key", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Delete(ctx, "key")
	require.NoError(t, err)

	_, err = kv.Get(ctx, "key")

	var deleted *logkv.KeyDeletedError
	require.ErrorAs(t, err, &deleted)

	rev, err := kv.Update(ctx, "key", []byte("v2"), deleted.Entry.Revision)
	require.NoError(t, err)
	assert.Greater(t, rev, deleted.Entry.Revision)
}

func TestKeyValue_RevisionsIncreaseAcrossKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "order"}) //nolint:exhaustruct

	var last uint64

	for i, key := range []string{"a", "b", "a", "c", "b"} {
		rev, err := kv.Put(ctx, key, fmt.Appendf(nil, "%d", i))
		require.NoError(t, err)
		assert.Greater(t, rev, last)

		last = rev
	}
}

func TestKeyValue_InvalidKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "keys"}) //nolint:exhaustruct

	for _, key := range []string{"", "has space", ".leading", "trailing.", "dou..ble", "star*", "tail>"} {
		_, err := kv.Put(ctx, key, []byte("x"))
		require.ErrorIs(t, err, logkv.ErrInvalidKey, key)

		_, err = kv.Get(ctx, key)
		require.ErrorIs(t, err, logkv.ErrInvalidKey, key)
	}
}

func TestKeyValue_MaxValueSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "sized", MaxValueSize: 4}) //nolint:exhaustruct

	_, err := kv.Put(ctx, "key", []byte("12345"))
	require.Error(t, err)

	_, err = kv.Get(ctx, "key")
	require.ErrorIs(t, err, logkv.ErrKeyNotFound)
}

func TestKeyValue_Status(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{ //nolint:exhaustruct
		Bucket:  "status",
		History: 3,
		TTL:     90_000_000_000,
	})

	_, err := kv.Put(ctx, "key", []byte("value"))
	require.NoError(t, err)

	status, err := kv.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, "status", status.Bucket())
	assert.Equal(t, uint64(1), status.Values())
	assert.Equal(t, int64(3), status.History())
	assert.InDelta(t, 90.0, status.TTLSeconds(), 0.0001)
	assert.Positive(t, status.Bytes())
	assert.Equal(t, "KV_status", status.StreamInfo().Config.Name)
	assert.Equal(t, "bucket=status values=1 history=3 ttl=1m30s", status.String())

	_, err = kv.Put(ctx, "key2", []byte("value"))
	require.NoError(t, err)

	status, err = kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Values(), "status is never cached")
}

func TestKeyValue_Accessors(t *testing.T) {
	t.Parallel()

	kv := createBucket(t, logkv.Config{Bucket: "names"}) //nolint:exhaustruct

	assert.Equal(t, "names", kv.Bucket())
	assert.Equal(t, "KV_names", kv.Stream())
	assert.Equal(t, "$KV.names.", kv.Prefix())
}

func TestKeyValue_ConcurrentUpdates(t *testing.T) {
	t.Parallel()

	const writers = 8

	ctx := context.Background()
	kv := createBucket(t, logkv.Config{Bucket: "race"}) //nolint:exhaustruct

	base, err := kv.Put(ctx, "counter", []byte("0"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		revisions []uint64
		conflicts int
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rev, err := kv.Update(ctx, "counter", []byte("1"), base)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				assert.ErrorIs(t, err, logkv.ErrConflict)

				conflicts++

				return
			}

			revisions = append(revisions, rev)
		}()
	}

	wg.Wait()

	require.Len(t, revisions, 1)
	assert.Equal(t, writers-1, conflicts)

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, revisions[0], entry.Revision)
}
