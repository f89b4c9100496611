// Package etcd starts in-process etcd clusters for driver tests.
package etcd

import (
	"testing"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/pkg/v3/testutil"
	etcdintegration "go.etcd.io/etcd/tests/v3/framework/integration"
)

// silentTB wraps a testutil.TB and discards all logs of the embedded server.
type silentTB struct {
	testutil.TB
}

func (s silentTB) Log(...any) {}

func (s silentTB) Logf(string, ...any) {}

// NewClient starts a single member cluster that lives until the test ends
// and returns a client connected to it. Clusters cannot run concurrently, so
// tests using it must not be parallel.
func NewClient(t *testing.T) *etcd.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping etcd tests in short mode")
	}

	tb := silentTB{TB: t}

	etcdintegration.BeforeTest(tb, etcdintegration.WithoutGoLeakDetection())

	cluster := etcdintegration.NewCluster(tb, &etcdintegration.ClusterConfig{Size: 1}) //nolint:exhaustruct
	t.Cleanup(func() { cluster.Terminate(tb) })

	return cluster.Client(0)
}
