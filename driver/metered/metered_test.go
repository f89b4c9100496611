package metered_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/go-logkv/driver"
	"github.com/tarantool/go-logkv/driver/memory"
	"github.com/tarantool/go-logkv/driver/metered"
	"github.com/tarantool/go-logkv/header"
	"github.com/tarantool/go-logkv/internal/testing/drivertest"
)

func TestMeteredDriver_Conformance(t *testing.T) {
	t.Parallel()

	drivertest.Run(t, func(t *testing.T) driver.Driver {
		t.Helper()

		drv, err := metered.New(memory.New(), prometheus.NewRegistry(), "memory")
		require.NoError(t, err)

		return drv
	})
}

func TestMeteredDriver_Calls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := prometheus.NewRegistry()

	drv, err := metered.New(memory.New(), reg, "memory")
	require.NoError(t, err)

	cfg := drivertest.StreamConfig(t)

	_, err = drv.AddStream(ctx, cfg)
	require.NoError(t, err)

	subject := drivertest.Subject(cfg, "key")

	_, err = drv.Publish(ctx, subject, []byte("value"), header.ExpectLast(0))
	require.NoError(t, err)

	_, err = drv.Publish(ctx, subject, []byte("value"), header.ExpectLast(0))
	require.ErrorIs(t, err, driver.ErrWrongLastSequence)

	_, err = drv.LastMsg(ctx, cfg.Name, drivertest.Subject(cfg, "missing"))
	require.ErrorIs(t, err, driver.ErrMsgNotFound)

	_, err = drv.Publish(ctx, "unbound.subject", nil, header.Header{}) //nolint:exhaustruct
	require.ErrorIs(t, err, driver.ErrNoStreamResponse)

	expected := `
# HELP logkv_driver_calls_total Number of substrate calls by operation and result
# TYPE logkv_driver_calls_total counter
logkv_driver_calls_total{backend="memory",op="add_stream",result="ok"} 1
logkv_driver_calls_total{backend="memory",op="last_msg",result="not_found"} 1
logkv_driver_calls_total{backend="memory",op="publish",result="conflict"} 1
logkv_driver_calls_total{backend="memory",op="publish",result="error"} 1
logkv_driver_calls_total{backend="memory",op="publish",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "logkv_driver_calls_total"))

	count, err := testutil.GatherAndCount(reg, "logkv_driver_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per operation")

	count, err = testutil.GatherAndCount(reg, "logkv_driver_publish_payload_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMeteredDriver_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	_, err := metered.New(memory.New(), reg, "memory")
	require.NoError(t, err)

	_, err = metered.New(memory.New(), reg, "memory")
	require.Error(t, err)
}
