package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/bucketcache/internal/cluster"
)

// flakyChecker fails for the addresses in down.
type flakyChecker struct {
	mu    sync.Mutex
	down  map[string]bool
	calls int
}

func (c *flakyChecker) check(_ context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down[addr] {
		return errors.New("node is down")
	}
	return nil
}

func (c *flakyChecker) set(addr string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[addr] = down
}

func newTestMonitor(t *testing.T, clock clockwork.Clock) (*HealthMonitor, *flakyChecker) {
	t.Helper()
	monitor := NewHealthMonitor(HealthMonitorConfig{Interval: time.Second, MaxFailures: 3}, clock, zaptest.NewLogger(t))
	checker := &flakyChecker{down: map[string]bool{}}
	monitor.SetCheckFunction(checker.check)
	return monitor, checker
}

var testNodes = []cluster.NodeInfo{
	{ID: "node-1", Addr: "http://localhost:8081"},
	{ID: "node-2", Addr: "http://localhost:8082"},
}

// TestNewHealthMonitor verifies the defaults.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(HealthMonitorConfig{}, clockwork.NewFakeClock(), zaptest.NewLogger(t))

	assert.Equal(t, 5*time.Second, monitor.cfg.Interval)
	assert.Equal(t, 2*time.Second, monitor.cfg.Timeout)
	assert.Equal(t, 3, monitor.cfg.MaxFailures)
	assert.Empty(t, monitor.GetAllNodeHealth())
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
	assert.False(t, monitor.IsHealthy("node-1"))
}

func TestHealthMonitorNodeFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	monitor, checker := newTestMonitor(t, clock)

	var mu sync.Mutex
	var unhealthy []cluster.NodeInfo
	monitor.SetOnUnhealthy(func(node cluster.NodeInfo) {
		mu.Lock()
		defer mu.Unlock()
		unhealthy = append(unhealthy, node)
	})

	ctx := context.Background()
	monitor.checkAllNodes(ctx, testNodes)
	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	checker.set("http://localhost:8081", true)
	for i := 1; i <= 2; i++ {
		monitor.checkAllNodes(ctx, testNodes)
		health := monitor.GetNodeHealth("node-1")
		require.NotNil(t, health)
		assert.Equal(t, i, health.ConsecutiveFails)
		assert.Equal(t, HealthHealthy, health.Status, "still healthy below the threshold")
	}

	monitor.checkAllNodes(ctx, testNodes)
	assert.False(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	// Further failures do not report again.
	monitor.checkAllNodes(ctx, testNodes)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthy) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []cluster.NodeInfo{testNodes[0]}, unhealthy)
	mu.Unlock()
}

func TestHealthMonitorNodeRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	monitor, checker := newTestMonitor(t, clock)
	ctx := context.Background()

	checker.set("http://localhost:8082", true)
	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, testNodes)
	}
	require.False(t, monitor.IsHealthy("node-2"))
	failedAt := monitor.GetNodeHealth("node-2").LastHealthy

	clock.Advance(time.Minute)
	checker.set("http://localhost:8082", false)
	monitor.checkAllNodes(ctx, testNodes)

	health := monitor.GetNodeHealth("node-2")
	assert.Equal(t, HealthHealthy, health.Status)
	assert.Zero(t, health.ConsecutiveFails)
	assert.Equal(t, failedAt.Add(time.Minute), health.LastHealthy)
}

func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor, _ := newTestMonitor(t, clockwork.NewFakeClock())
	ctx := context.Background()

	monitor.checkAllNodes(ctx, testNodes)
	require.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.checkAllNodes(ctx, testNodes[:1])
	all := monitor.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "node-1")
}

func TestHealthMonitorStartAndStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	monitor, checker := newTestMonitor(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Start(ctx, func() []cluster.NodeInfo { return testNodes })
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
	}

	assert.Eventually(t, func() bool {
		checker.mu.Lock()
		defer checker.mu.Unlock()
		return checker.calls >= 4
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(HealthMonitorConfig{}, clockwork.NewRealClock(), zaptest.NewLogger(t))
	ctx := context.Background()

	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.URL))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.URL+"/"))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.Listener.Addr().String()))
	assert.ErrorContains(t, monitor.defaultHealthCheck(ctx, broken.URL), "status 503")
	assert.Error(t, monitor.defaultHealthCheck(ctx, "http://127.0.0.1:1"))

	t.Run("names the cache", func(t *testing.T) {
		var got string
		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get(cluster.HeaderCoordinator)
			w.WriteHeader(http.StatusOK)
		}))
		defer node.Close()

		named := NewHealthMonitor(HealthMonitorConfig{CacheName: "sessions"}, clockwork.NewRealClock(), zaptest.NewLogger(t))
		require.NoError(t, named.defaultHealthCheck(ctx, node.URL))
		assert.Equal(t, "sessions", got)

		require.NoError(t, monitor.defaultHealthCheck(ctx, node.URL))
		assert.Empty(t, got)
	})
}
