package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/metrics"
)

var testCache = cluster.ClusterInfo{
	CacheName:    "sessions",
	KeyHasher:    bucket.HasherXXHash,
	BucketCount:  8,
	ReplicaCount: 1,
}

// fakeTransport delivers shipments straight to peer nodes and records announcements.
type fakeTransport struct {
	peers     map[coordinator.Address]*Node
	shipErr   error
	shipped   []TransferPayload
	announced []coordinator.Announcement
	mu        sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{peers: make(map[coordinator.Address]*Node)}
}

func (f *fakeTransport) Ship(ctx context.Context, to coordinator.Address, p TransferPayload) error {
	f.mu.Lock()
	f.shipped = append(f.shipped, p)
	err := f.shipErr
	peer := f.peers[to]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if peer == nil {
		return errors.New("no route to " + string(to))
	}
	if err := peer.Receive(ctx, p); err != nil {
		if errors.Is(err, ErrDraining) {
			return &cluster.HTTPError{URL: string(to), StatusCode: http.StatusConflict, Message: err.Error()}
		}
		return err
	}
	return nil
}

func (f *fakeTransport) Announce(_ context.Context, a coordinator.Announcement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, a)
	return nil
}

func (f *fakeTransport) announcements() []coordinator.Announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.Announcement(nil), f.announced...)
}

func startNode(t *testing.T, id string, transport *fakeTransport, clock clockwork.Clock, m *metrics.Node) *Node {
	t.Helper()
	n, err := New(Config{
		ID:            id,
		Addr:          coordinator.Address("http://" + id),
		Cache:         testCache,
		LeaseDuration: 10 * time.Second,
		TickInterval:  time.Hour,
	}, transport, clock, m, zaptest.NewLogger(t))
	require.NoError(t, err)
	transport.mu.Lock()
	transport.peers[n.Addr()] = n
	transport.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func assign(buckets []int32, source, dest uint8, owner coordinator.Address) coordinator.Command {
	return coordinator.Command{Kind: coordinator.CommandAssignBucket, Transfer: coordinator.Transfer{
		CacheName:                testCache.CacheName,
		NewOwner:                 owner,
		BucketNumbers:            buckets,
		SourceStorageNumber:      source,
		DestinationStorageNumber: dest,
	}}
}

func transferCmd(kind coordinator.CommandKind, from, to *Node, epoch uint64, buckets ...int32) coordinator.Command {
	return coordinator.Command{Kind: kind, Transfer: coordinator.Transfer{
		CacheName:     testCache.CacheName,
		CurrentOwner:  from.Addr(),
		NewOwner:      to.Addr(),
		BucketNumbers: buckets,
		Epoch:         epoch,
	}}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Cache: testCache}, nil, nil, nil, nil)
	assert.Error(t, err)

	cache := testCache
	cache.KeyHasher = "sha1"
	_, err = New(Config{ID: "a", Addr: "http://a", Cache: cache}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, bucket.ErrUnknownHasher)

	cache = testCache
	cache.BucketCount = 0
	_, err = New(Config{ID: "a", Addr: "http://a", Cache: cache}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, bucket.ErrInvalidBucketCount)
}

func TestClientOperations(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewNode(prometheus.NewRegistry())
	n := startNode(t, "a", newFakeTransport(), clockwork.NewFakeClock(), m)

	_, _, err := n.Get(ctx, 3, 0, []byte("k"))
	require.ErrorIs(t, err, ErrBucketNotOwned)

	require.NoError(t, n.Handle(ctx, assign([]int32{3}, 0, 0, n.Addr())))

	_, existed, err := n.Put(ctx, 3, 0, []byte("k"), []byte("v1"), time.Time{})
	require.NoError(t, err)
	assert.False(t, existed)

	entry, found, err := n.Get(ctx, 3, 0, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, uint64(1), entry.UpdateCounter)

	_, err = n.Update(ctx, 3, 0, []byte("k"), []byte("v2"), time.Time{}, 7)
	assert.ErrorIs(t, err, bucket.ErrCounterMismatch)
	previous, err := n.Update(ctx, 3, 0, []byte("k"), []byte("v2"), time.Time{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), previous.Value)

	previous, existed, err = n.Remove(ctx, 3, 0, []byte("k"))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []byte("v2"), previous.Value)

	_, found, err = n.Get(ctx, 3, 0, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = n.Put(ctx, 3, 1, []byte("k"), []byte("v"), time.Time{})
	assert.ErrorIs(t, err, ErrBucketNotOwned, "replica slot is separate")

	wrong := assign([]int32{1}, 0, 0, n.Addr())
	wrong.CacheName = "other"
	assert.ErrorIs(t, n.Handle(ctx, wrong), ErrWrongCache)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Operations.WithLabelValues("update", "conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Operations.WithLabelValues("get", "not_owned")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Buckets.WithLabelValues("primary")))
}

func TestLeaseFencingAndTick(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := metrics.NewNode(prometheus.NewRegistry())
	n := startNode(t, "a", newFakeTransport(), clock, m)
	require.NoError(t, n.Handle(ctx, assign([]int32{0}, 0, 0, n.Addr())))

	_, _, err := n.Put(ctx, 0, 0, []byte("short"), []byte("v"), clock.Now().Add(5*time.Second))
	require.NoError(t, err)
	_, _, err = n.Put(ctx, 0, 0, []byte("long"), []byte("v"), time.Time{})
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	_, _, err = n.Put(ctx, 0, 0, []byte("long"), []byte("v2"), time.Time{})
	assert.ErrorIs(t, err, bucket.ErrLeaseExpired)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LeaseRejections))

	require.NoError(t, n.Tick(ctx))
	_, _, err = n.Put(ctx, 0, 0, []byte("long"), []byte("v2"), time.Time{})
	assert.ErrorIs(t, err, bucket.ErrLeaseExpired, "a tick alone does not renew")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Evictions))

	require.NoError(t, n.Heartbeat(ctx))
	_, _, err = n.Put(ctx, 0, 0, []byte("long"), []byte("v2"), time.Time{})
	assert.NoError(t, err)

	info, err := n.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info.Buckets, 1)
	assert.Equal(t, 1, info.Buckets[0].Keys)
	assert.True(t, info.Buckets[0].LeaseValid)
}

func TestLeaseFollowsCoordinatorContact(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	n := startNode(t, "a", newFakeTransport(), clock, nil)
	require.NoError(t, n.Handle(ctx, assign([]int32{0, 1}, 0, 0, n.Addr())))

	contact, err := n.LastContact(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), contact)

	t.Run("heartbeats keep writes open", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			clock.Advance(6 * time.Second)
			require.NoError(t, n.Heartbeat(ctx))
			require.NoError(t, n.Tick(ctx))
			_, _, err := n.Put(ctx, 0, 0, []byte("k"), []byte("v"), time.Time{})
			require.NoError(t, err)
		}
	})

	t.Run("silence closes them", func(t *testing.T) {
		clock.Advance(6 * time.Second)
		require.NoError(t, n.Tick(ctx))
		_, _, err := n.Put(ctx, 0, 0, []byte("k"), []byte("v"), time.Time{})
		require.NoError(t, err, "still within the lease")

		clock.Advance(5 * time.Second)
		require.NoError(t, n.Tick(ctx))
		_, _, err = n.Put(ctx, 0, 0, []byte("k"), []byte("v"), time.Time{})
		assert.ErrorIs(t, err, bucket.ErrLeaseExpired)
		_, err = n.Update(ctx, 1, 0, []byte("k"), []byte("v"), time.Time{}, 0)
		assert.ErrorIs(t, err, bucket.ErrLeaseExpired)

		value, found, err := n.Get(ctx, 0, 0, []byte("k"))
		require.NoError(t, err)
		assert.True(t, found, "reads keep working")
		assert.Equal(t, []byte("v"), value.Value)
	})

	t.Run("a command reopens them", func(t *testing.T) {
		require.NoError(t, n.Handle(ctx, assign([]int32{2}, 0, 0, n.Addr())))
		require.NoError(t, n.Tick(ctx))
		_, _, err := n.Put(ctx, 0, 0, []byte("k"), []byte("v2"), time.Time{})
		assert.NoError(t, err)
	})
}

func TestReplicate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	n := startNode(t, "a", newFakeTransport(), clock, nil)
	require.NoError(t, n.Handle(ctx, assign([]int32{5}, 1, 1, n.Addr())))
	expiresAt := clock.Now().Add(time.Hour)

	require.NoError(t, n.Replicate(ctx, 5, 1, []byte("k"), []byte("v3"), expiresAt, 3))
	entry, found, err := n.Get(ctx, 5, 1, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bucket.Entry{Value: []byte("v3"), ExpiresAt: expiresAt, UpdateCounter: 3}, entry)

	t.Run("older write is ignored", func(t *testing.T) {
		require.NoError(t, n.Replicate(ctx, 5, 1, []byte("k"), []byte("v2"), time.Time{}, 2))
		entry, _, err := n.Get(ctx, 5, 1, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), entry.Value)
	})

	t.Run("primary copy is refused", func(t *testing.T) {
		err := n.Replicate(ctx, 5, 0, []byte("k"), []byte("v"), time.Time{}, 9)
		assert.ErrorIs(t, err, ErrNotReplica)
	})

	t.Run("unheld copy", func(t *testing.T) {
		err := n.Replicate(ctx, 6, 1, []byte("k"), []byte("v"), time.Time{}, 1)
		assert.ErrorIs(t, err, ErrBucketNotOwned)
	})

	t.Run("promoted replica keeps the counter", func(t *testing.T) {
		require.NoError(t, n.Handle(ctx, assign([]int32{5}, 1, 0, n.Addr())))
		entry, found, err := n.Get(ctx, 5, 0, []byte("k"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(3), entry.UpdateCounter)

		_, err = n.Update(ctx, 5, 0, []byte("k"), []byte("v4"), time.Time{}, 3)
		assert.NoError(t, err)
	})
}

func TestMoveBetweenNodes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	transport := newFakeTransport()
	a := startNode(t, "a", transport, clock, nil)
	b := startNode(t, "b", transport, clock, nil)

	require.NoError(t, a.Handle(ctx, assign([]int32{1, 2}, 0, 0, a.Addr())))
	_, _, err := a.Put(ctx, 1, 0, []byte("user:1"), []byte("alice"), time.Time{})
	require.NoError(t, err)

	require.NoError(t, a.Handle(ctx, transferCmd(coordinator.CommandBeginBucketTransfer, a, b, 5, 1)))
	require.Eventually(t, func() bool { return len(transport.announcements()) == 1 }, time.Second, 5*time.Millisecond)

	completed := transport.announcements()[0]
	assert.Equal(t, coordinator.AnnouncementTransferCompleted, completed.Kind)
	assert.Equal(t, uint64(5), completed.Epoch)
	assert.Equal(t, []int32{1}, completed.BucketNumbers)

	// The source keeps serving reads but refuses writes while the bucket moves.
	_, found, err := a.Get(ctx, 1, 0, []byte("user:1"))
	require.NoError(t, err)
	assert.True(t, found)
	_, _, err = a.Put(ctx, 1, 0, []byte("user:1"), []byte("bob"), time.Time{})
	assert.ErrorIs(t, err, bucket.ErrLeaseExpired)
	_, _, err = a.Put(ctx, 2, 0, []byte("user:2"), []byte("carol"), time.Time{})
	assert.NoError(t, err, "other buckets are unaffected")

	info, err := b.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info.Buckets, 1)
	assert.Equal(t, StateStaged, info.Buckets[0].State)
	_, _, err = b.Get(ctx, 1, 0, []byte("user:1"))
	assert.ErrorIs(t, err, ErrBucketNotOwned, "staged copies are not served")

	finish := transferCmd(coordinator.CommandFinishBucketTransfer, a, b, 5, 1)
	require.NoError(t, a.Handle(ctx, finish))
	require.NoError(t, b.Handle(ctx, finish))

	_, _, err = a.Get(ctx, 1, 0, []byte("user:1"))
	assert.ErrorIs(t, err, ErrBucketNotOwned)
	held, err := a.HeldBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, held)

	entry, found, err := b.Get(ctx, 1, 0, []byte("user:1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), entry.Value)
	assert.Equal(t, uint64(1), entry.UpdateCounter)
	_, _, err = b.Put(ctx, 1, 0, []byte("user:1"), []byte("bob"), time.Time{})
	assert.NoError(t, err)
}

func TestRestoreKeepsSource(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	clock := clockwork.NewFakeClock()
	a := startNode(t, "a", transport, clock, nil)
	b := startNode(t, "b", transport, clock, nil)

	require.NoError(t, a.Handle(ctx, assign([]int32{4}, 0, 0, a.Addr())))
	_, _, err := a.Put(ctx, 4, 0, []byte("k"), []byte("v"), time.Time{})
	require.NoError(t, err)

	restore := transferCmd(coordinator.CommandBeginBucketTransfer, a, b, 9, 4)
	restore.DestinationStorageNumber = 1
	require.NoError(t, a.Handle(ctx, restore))
	require.Eventually(t, func() bool { return len(transport.announcements()) == 1 }, time.Second, 5*time.Millisecond)

	_, _, err = a.Put(ctx, 4, 0, []byte("k"), []byte("v2"), time.Time{})
	assert.NoError(t, err, "a restore does not fence the primary")

	finish := restore
	finish.Kind = coordinator.CommandFinishBucketTransfer
	require.NoError(t, a.Handle(ctx, finish))
	require.NoError(t, b.Handle(ctx, finish))

	_, found, err := a.Get(ctx, 4, 0, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	entry, found, err := b.Get(ctx, 4, 1, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), entry.Value)
}

func TestCancelResumesSource(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	clock := clockwork.NewFakeClock()
	a := startNode(t, "a", transport, clock, nil)
	b := startNode(t, "b", transport, clock, nil)

	require.NoError(t, a.Handle(ctx, assign([]int32{6}, 0, 0, a.Addr())))
	require.NoError(t, a.Handle(ctx, transferCmd(coordinator.CommandBeginBucketTransfer, a, b, 2, 6)))
	require.Eventually(t, func() bool { return len(transport.announcements()) == 1 }, time.Second, 5*time.Millisecond)

	cancel := transferCmd(coordinator.CommandCancelBucketTransfer, a, b, 2, 6)
	cancel.Reason = "bucket owner removed"
	require.NoError(t, a.Handle(ctx, cancel))
	require.NoError(t, b.Handle(ctx, cancel))

	_, _, err := a.Put(ctx, 6, 0, []byte("k"), []byte("v"), time.Time{})
	assert.NoError(t, err)

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Buckets)
}

func TestDrainingNodeRejects(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	clock := clockwork.NewFakeClock()
	a := startNode(t, "a", transport, clock, nil)
	b := startNode(t, "b", transport, clock, nil)

	require.NoError(t, b.Drain(ctx))
	require.NoError(t, a.Handle(ctx, assign([]int32{0}, 0, 0, a.Addr())))
	require.NoError(t, a.Handle(ctx, transferCmd(coordinator.CommandBeginBucketTransfer, a, b, 3, 0)))

	require.Eventually(t, func() bool { return len(transport.announcements()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	announced := transport.announcements()
	require.Len(t, announced, 1, "only the destination reports the rejection")
	assert.Equal(t, coordinator.AnnouncementTransferRejected, announced[0].Kind)
	assert.Equal(t, ErrDraining.Error(), announced[0].Reason)

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Draining)

	data, err := bucket.New(1, 0, time.Second, clock).MarshalBinary()
	require.NoError(t, err)
	err = b.Receive(ctx, TransferPayload{Transfer: coordinator.Transfer{
		CacheName:     testCache.CacheName,
		NewOwner:      b.Addr(),
		BucketNumbers: []int32{1},
	}, Buckets: [][]byte{data}})
	assert.ErrorIs(t, err, coordinator.ErrTransferRejected)
	assert.ErrorIs(t, err, ErrDraining)
}

func TestShipFailureAnnouncesRejection(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	transport.shipErr = errors.New("connection reset")
	a := startNode(t, "a", transport, clockwork.NewFakeClock(), nil)

	require.NoError(t, a.Handle(ctx, assign([]int32{0}, 0, 0, a.Addr())))
	begin := coordinator.Command{Kind: coordinator.CommandBeginBucketTransfer, Transfer: coordinator.Transfer{
		CurrentOwner: a.Addr(), NewOwner: "http://gone", BucketNumbers: []int32{0}, Epoch: 1,
	}}
	require.NoError(t, a.Handle(ctx, begin))

	require.Eventually(t, func() bool { return len(transport.announcements()) == 1 }, time.Second, 5*time.Millisecond)
	rejected := transport.announcements()[0]
	assert.Equal(t, coordinator.AnnouncementTransferRejected, rejected.Kind)
	assert.Contains(t, rejected.Reason, "connection reset")
}

func TestBeginValidation(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	a := startNode(t, "a", transport, clockwork.NewFakeClock(), nil)
	b := startNode(t, "b", transport, clockwork.NewFakeClock(), nil)

	err := a.Handle(ctx, transferCmd(coordinator.CommandBeginBucketTransfer, a, b, 1, 7))
	assert.ErrorIs(t, err, ErrBucketNotOwned)

	err = a.Handle(ctx, transferCmd(coordinator.CommandBeginBucketTransfer, b, a, 1, 7))
	assert.ErrorIs(t, err, ErrNotDestination)

	assert.Empty(t, transport.announcements())
}

func TestPromotionAndOrphan(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, "a", newFakeTransport(), clockwork.NewFakeClock(), nil)

	require.NoError(t, n.Handle(ctx, assign([]int32{2}, 1, 1, n.Addr())))
	_, _, err := n.Put(ctx, 2, 1, []byte("k"), []byte("replica"), time.Time{})
	require.NoError(t, err)

	require.NoError(t, n.Handle(ctx, assign([]int32{2}, 1, 0, n.Addr())))
	entry, found, err := n.Get(ctx, 2, 0, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("replica"), entry.Value)
	_, _, err = n.Get(ctx, 2, 1, []byte("k"))
	assert.ErrorIs(t, err, ErrBucketNotOwned)

	// A promotion whose replica is gone starts empty.
	require.NoError(t, n.Handle(ctx, assign([]int32{5}, 1, 0, n.Addr())))
	_, found, err = n.Get(ctx, 5, 0, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	orphan := coordinator.Command{Kind: coordinator.CommandOrphanBucket, Transfer: coordinator.Transfer{
		CurrentOwner: n.Addr(), BucketNumbers: []int32{2, 5},
	}}
	require.NoError(t, n.Handle(ctx, orphan))
	held, err := n.HeldBuckets(ctx)
	require.NoError(t, err)
	assert.Zero(t, held)
}

func TestReceiveValidation(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	n := startNode(t, "b", transport, clockwork.NewFakeClock(), nil)

	valid := bucket.New(1, 0, time.Second, clockwork.NewFakeClock())
	data, err := valid.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload TransferPayload
		wantErr error
	}{
		{
			name:    "other destination",
			payload: TransferPayload{Transfer: coordinator.Transfer{NewOwner: "http://c", BucketNumbers: []int32{1}}, Buckets: [][]byte{data}},
			wantErr: ErrNotDestination,
		},
		{
			name:    "other cache",
			payload: TransferPayload{Transfer: coordinator.Transfer{CacheName: "x", NewOwner: n.Addr(), BucketNumbers: []int32{1}}, Buckets: [][]byte{data}},
			wantErr: ErrWrongCache,
		},
		{
			name:    "missing payload",
			payload: TransferPayload{Transfer: coordinator.Transfer{NewOwner: n.Addr(), BucketNumbers: []int32{1, 2}}, Buckets: [][]byte{data}},
			wantErr: bucket.ErrCorruptPayload,
		},
		{
			name:    "corrupt payload",
			payload: TransferPayload{Transfer: coordinator.Transfer{NewOwner: n.Addr(), BucketNumbers: []int32{1}}, Buckets: [][]byte{[]byte("garbage")}},
			wantErr: bucket.ErrCorruptPayload,
		},
		{
			name:    "bucket number mismatch",
			payload: TransferPayload{Transfer: coordinator.Transfer{NewOwner: n.Addr(), BucketNumbers: []int32{2}}, Buckets: [][]byte{data}},
			wantErr: bucket.ErrCorruptPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, n.Receive(ctx, tt.payload), tt.wantErr)
		})
	}
	assert.Empty(t, transport.announcements())

	info, err := n.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Buckets)
}

func TestInfoOrdering(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, "a", newFakeTransport(), clockwork.NewFakeClock(), nil)
	require.NoError(t, n.Handle(ctx, assign([]int32{5, 1}, 1, 1, n.Addr())))
	require.NoError(t, n.Handle(ctx, assign([]int32{3}, 0, 0, n.Addr())))

	info, err := n.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", info.NodeID)
	assert.Equal(t, "http://a", info.Addr)
	require.Len(t, info.Buckets, 3)
	assert.Equal(t, []int{3, 1, 5}, []int{info.Buckets[0].Number, info.Buckets[1].Number, info.Buckets[2].Number})
	assert.Equal(t, uint8(1), info.Buckets[2].StorageNumber)
	assert.Equal(t, StateActive, info.Buckets[0].State)
}
