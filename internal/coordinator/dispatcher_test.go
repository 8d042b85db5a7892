package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/bucketcache/internal/metrics"
)

type delivery struct {
	to  Address
	cmd Command
}

// fakeNetwork records deliveries and fails those addressed to down nodes.
type fakeNetwork struct {
	down map[Address]bool
	got  []delivery
	mu   sync.Mutex
}

func (n *fakeNetwork) deliver(_ context.Context, to Address, cmd Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[to] {
		return errors.New("connection refused")
	}
	n.got = append(n.got, delivery{to: to, cmd: cmd})
	return nil
}

func (n *fakeNetwork) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.got...)
}

func startDispatcher(t *testing.T, deliver DeliverFunc, m *metrics.Coordinator) *Dispatcher {
	t.Helper()
	d := NewDispatcher(deliver, m, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	network := &fakeNetwork{}
	d := startDispatcher(t, network.deliver, nil)

	d.OnCommands([]Command{
		{Kind: CommandAssignBucket, Transfer: Transfer{NewOwner: "a", BucketNumbers: []int32{1}}},
		{Kind: CommandBeginBucketTransfer, Transfer: Transfer{CurrentOwner: "a", NewOwner: "b", BucketNumbers: []int32{1}}},
	})
	d.OnCommands([]Command{
		{Kind: CommandFinishBucketTransfer, Transfer: Transfer{CurrentOwner: "a", NewOwner: "b", BucketNumbers: []int32{1}}},
	})
	d.OnCommands(nil)

	require.Eventually(t, func() bool { return len(network.deliveries()) == 4 && d.Pending() == 0 },
		time.Second, 5*time.Millisecond)

	got := network.deliveries()
	assert.Equal(t, delivery{to: "a", cmd: Command{Kind: CommandAssignBucket, Transfer: Transfer{NewOwner: "a", BucketNumbers: []int32{1}}}}, got[0])
	assert.Equal(t, CommandBeginBucketTransfer, got[1].cmd.Kind)
	assert.Equal(t, Address("a"), got[1].to)

	finishedAt := map[Address]bool{}
	for _, dl := range got[2:] {
		assert.Equal(t, CommandFinishBucketTransfer, dl.cmd.Kind)
		finishedAt[dl.to] = true
	}
	assert.Equal(t, map[Address]bool{"a": true, "b": true}, finishedAt)
}

func TestDispatcherUndeliverableBegin(t *testing.T) {
	network := &fakeNetwork{down: map[Address]bool{"a": true}}
	m := metrics.NewCoordinator(prometheus.NewRegistry())
	d := startDispatcher(t, network.deliver, m)

	var (
		mu       sync.Mutex
		rejected []Transfer
		reasons  []string
	)
	d.OnUndeliverable(func(_ context.Context, tr Transfer, reason string) error {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, tr)
		reasons = append(reasons, reason)
		return nil
	})

	begin := Transfer{CurrentOwner: "a", NewOwner: "b", BucketNumbers: []int32{4, 5}, Epoch: 3}
	d.OnCommands([]Command{
		{Kind: CommandBeginBucketTransfer, Transfer: begin},
		{Kind: CommandOrphanBucket, Transfer: Transfer{CurrentOwner: "a", BucketNumbers: []int32{9}}},
	})

	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rejected, 1, "only the begin is reported back")
	assert.Equal(t, begin, rejected[0])
	assert.Contains(t, reasons[0], "connection refused")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("begin")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("orphan")))
}

func TestDispatcherPartialFanOutFailure(t *testing.T) {
	network := &fakeNetwork{down: map[Address]bool{"b": true}}
	d := startDispatcher(t, network.deliver, nil)
	called := false
	d.OnUndeliverable(func(context.Context, Transfer, string) error {
		called = true
		return nil
	})

	d.OnCommands([]Command{{Kind: CommandCancelBucketTransfer, Transfer: Transfer{CurrentOwner: "a", NewOwner: "b", BucketNumbers: []int32{1}}}})
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)

	got := network.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, Address("a"), got[0].to)
	assert.False(t, called)
}

func TestHTTPDeliver(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Command
		attempts int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, CommandsPath, r.URL.Path)
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var cmd Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		received = append(received, cmd)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cmd := Command{Kind: CommandAssignBucket, Transfer: Transfer{CacheName: "c", NewOwner: Address(srv.URL), BucketNumbers: []int32{2}}}
	require.NoError(t, HTTPDeliver(time.Second)(context.Background(), Address(srv.URL+"/"), cmd))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts, "server errors are retried")
	assert.Equal(t, []Command{cmd}, received)

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejecting.Close()
	start := time.Now()
	assert.Error(t, HTTPDeliver(5*time.Second)(context.Background(), Address(rejecting.URL), cmd))
	assert.Less(t, time.Since(start), time.Second, "client errors are not retried")
}
