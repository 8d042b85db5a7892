package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/metrics"
	"github.com/dreamware/bucketcache/internal/processor"
)

const queueSize = 1024

// BucketState is the local state of a held bucket copy.
type BucketState string

const (
	// StateActive copies serve reads and writes while the coordinator is in contact.
	StateActive BucketState = "active"
	// StateShipping copies are being moved away. They serve reads only.
	StateShipping BucketState = "shipping"
	// StateStaged copies were received and wait for the transfer to finish.
	StateStaged BucketState = "staged"
)

// Config identifies a node and the cache it serves.
type Config struct {
	ID            string
	Addr          coordinator.Address
	Cache         cluster.ClusterInfo
	LeaseDuration time.Duration
	TickInterval  time.Duration
}

type slot struct {
	bucket  int
	storage uint8
}

type held struct {
	b        *bucket.Bucket
	shipping bool
}

type staged struct {
	b     *bucket.Bucket
	epoch uint64
}

// Node holds bucket copies of one cache and executes the transfer commands the
// coordinator sends it.
//
// Leases are granted by the coordinator: every command and every health check
// carrying the cache name counts as contact, and active copies accept writes
// until LeaseDuration after the last contact. A node cut off from the
// coordinator stops accepting writes once that lease runs out.
//
// All bucket state is owned by a single processor: commands, received
// transfers, client operations and the periodic tick are tasks on it. Network
// calls happen outside the processor.
type Node struct {
	calc      *bucket.IndexCalculator
	clock     clockwork.Clock
	transport Transport
	proc      *processor.Processor
	metrics   *metrics.Node
	logger    *zap.Logger

	// Owned by proc.
	buckets     map[slot]*held
	staged      map[slot]staged
	draining    bool
	lastContact time.Time

	ctx context.Context
	cfg Config
	wg  sync.WaitGroup
	mu  sync.Mutex
}

// New creates a node. m may be nil.
func New(cfg Config, transport Transport, clock clockwork.Clock, m *metrics.Node, logger *zap.Logger) (*Node, error) {
	if cfg.ID == "" || cfg.Addr == "" {
		return nil, fmt.Errorf("node id and address are required")
	}
	hasher, err := bucket.HasherByName(cfg.Cache.KeyHasher)
	if err != nil {
		return nil, err
	}
	calc, err := bucket.NewIndexCalculator(cfg.Cache.BucketCount, hasher)
	if err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("node").With(zap.String("node", cfg.ID), zap.String("cache", cfg.Cache.CacheName))

	return &Node{
		cfg:       cfg,
		calc:      calc,
		clock:     clock,
		transport: transport,
		metrics:   m,
		logger:    logger,
		proc:      processor.New("node/"+cfg.Cache.CacheName, queueSize, logger),
		buckets:   make(map[slot]*held),
		staged:    make(map[slot]staged),
		ctx:       context.Background(),
	}, nil
}

// ID returns the node ID.
func (n *Node) ID() string { return n.cfg.ID }

// Addr returns the public address the coordinator knows the node by.
func (n *Node) Addr() coordinator.Address { return n.cfg.Addr }

// CacheName returns the name of the cache the node serves.
func (n *Node) CacheName() string { return n.cfg.Cache.CacheName }

// Now returns the current time of the node clock.
func (n *Node) Now() time.Time { return n.clock.Now() }

// BucketForKey returns the bucket number of key.
func (n *Node) BucketForKey(key []byte) int { return n.calc.BucketForKey(key) }

// Run processes tasks and renews leases every tick until ctx is cancelled. It
// returns once outstanding shipments have ended.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := n.clock.NewTicker(n.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := n.proc.Submit(ctx, n.tick); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	n.proc.Run(ctx)
	n.wg.Wait()
}

func (n *Node) runContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx
}

// Handle executes a command from the coordinator.
func (n *Node) Handle(ctx context.Context, cmd coordinator.Command) error {
	if cmd.CacheName != "" && cmd.CacheName != n.cfg.Cache.CacheName {
		return fmt.Errorf("%w: %q", ErrWrongCache, cmd.CacheName)
	}
	var err error
	if doErr := n.proc.Do(ctx, func() {
		n.lastContact = n.clock.Now()
		err = coordinator.DispatchCommand(cmd, commandHandler{n})
		n.updateGauges()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Receive stages the buckets of a transfer addressed to this node and announces
// completion to the coordinator. The copies go live when the Finish command
// arrives. A draining node rejects the transfer instead.
func (n *Node) Receive(ctx context.Context, p TransferPayload) error {
	if p.CacheName != "" && p.CacheName != n.cfg.Cache.CacheName {
		return fmt.Errorf("%w: %q", ErrWrongCache, p.CacheName)
	}
	if p.NewOwner != n.cfg.Addr {
		return fmt.Errorf("%w: %q", ErrNotDestination, p.NewOwner)
	}
	if len(p.Buckets) != len(p.BucketNumbers) {
		return fmt.Errorf("%w: %d payloads for %d buckets", bucket.ErrCorruptPayload, len(p.Buckets), len(p.BucketNumbers))
	}

	var err error
	if doErr := n.proc.Do(ctx, func() {
		err = n.stage(p)
		n.updateGauges()
	}); doErr != nil {
		return doErr
	}

	if errors.Is(err, ErrDraining) {
		n.logger.Info("transfer rejected while draining", zap.Int("buckets", len(p.BucketNumbers)))
		if aerr := n.transport.Announce(ctx, coordinator.Announcement{
			Kind:     coordinator.AnnouncementTransferRejected,
			Reason:   ErrDraining.Error(),
			Transfer: p.Transfer,
		}); aerr != nil {
			n.logger.Warn("announce rejection", zap.Error(aerr))
		}
		return fmt.Errorf("%w: %w", coordinator.ErrTransferRejected, err)
	}
	if err != nil {
		return err
	}

	if n.metrics != nil {
		n.metrics.TransferBytes.WithLabelValues("received").Add(float64(p.Size()))
	}
	return n.transport.Announce(ctx, coordinator.Announcement{
		Kind:     coordinator.AnnouncementTransferCompleted,
		Transfer: p.Transfer,
	})
}

func (n *Node) stage(p TransferPayload) error {
	if n.draining {
		return ErrDraining
	}
	decoded := make([]*bucket.Bucket, len(p.Buckets))
	for i, data := range p.Buckets {
		b, err := bucket.Decode(data, n.clock)
		if err != nil {
			return err
		}
		if b.Number() != int(p.BucketNumbers[i]) {
			return fmt.Errorf("%w: payload %d holds bucket %d, expected %d",
				bucket.ErrCorruptPayload, i, b.Number(), p.BucketNumbers[i])
		}
		b.SetStorageNumber(p.DestinationStorageNumber)
		b.SetLeaseDuration(n.cfg.LeaseDuration)
		decoded[i] = b
	}
	for _, b := range decoded {
		n.staged[slot{bucket: b.Number(), storage: p.DestinationStorageNumber}] = staged{b: b, epoch: p.Epoch}
	}
	n.logger.Debug("transfer staged",
		zap.Int("buckets", len(decoded)),
		zap.Uint8("storage", p.DestinationStorageNumber),
		zap.Uint64("epoch", p.Epoch),
	)
	return nil
}

// ship sends a begun transfer outside the processor and reports a failure to
// the coordinator.
func (n *Node) ship(t coordinator.Transfer, p TransferPayload) {
	ctx := n.runContext()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.transport.Ship(ctx, t.NewOwner, p)
		if err == nil {
			if n.metrics != nil {
				n.metrics.TransferBytes.WithLabelValues("sent").Add(float64(p.Size()))
			}
			n.logger.Debug("transfer shipped", zap.String("to", string(t.NewOwner)), zap.Int("bytes", p.Size()))
			return
		}
		n.logger.Warn("transfer shipment failed", zap.String("to", string(t.NewOwner)), zap.Error(err))
		if cluster.StatusCode(err) == http.StatusConflict {
			// The destination refused and has announced it already.
			return
		}
		if aerr := n.transport.Announce(ctx, coordinator.Announcement{
			Kind:     coordinator.AnnouncementTransferRejected,
			Reason:   "shipment failed: " + err.Error(),
			Transfer: t,
		}); aerr != nil {
			n.logger.Warn("announce rejection", zap.Error(aerr))
		}
	}()
}

// Drain stops the node from accepting new buckets. It is called before asking
// the coordinator to leave.
func (n *Node) Drain(ctx context.Context) error {
	return n.proc.Do(ctx, func() {
		n.draining = true
		n.logger.Info("node draining")
	})
}

// HeldBuckets returns the number of bucket copies held, staged ones excluded.
func (n *Node) HeldBuckets(ctx context.Context) (int, error) {
	var count int
	err := n.proc.Do(ctx, func() { count = len(n.buckets) })
	return count, err
}

// Heartbeat records contact with the coordinator and extends the leases of
// active copies.
func (n *Node) Heartbeat(ctx context.Context) error {
	return n.proc.Do(ctx, func() {
		n.lastContact = n.clock.Now()
		for _, h := range n.buckets {
			n.grantLease(h)
		}
	})
}

// LastContact returns when the coordinator was last heard from.
func (n *Node) LastContact(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := n.proc.Do(ctx, func() { at = n.lastContact })
	return at, err
}

// Tick refreshes leases from the last coordinator contact and evicts expired
// entries. Run calls it every TickInterval.
func (n *Node) Tick(ctx context.Context) error {
	return n.proc.Do(ctx, n.tick)
}

func (n *Node) tick() {
	evicted := 0
	for _, h := range n.buckets {
		n.grantLease(h)
		evicted += h.b.EvictExpired()
	}
	if evicted > 0 {
		n.logger.Debug("expired entries evicted", zap.Int("entries", evicted))
		if n.metrics != nil {
			n.metrics.Evictions.Add(float64(evicted))
		}
	}
	n.updateGauges()
}

// grantLease sets the lease of an active copy to run out LeaseDuration after
// the last coordinator contact. Shipping copies stay fenced.
func (n *Node) grantLease(h *held) {
	if h.shipping {
		return
	}
	h.b.SetLeaseExpiration(n.lastContact.Add(h.b.LeaseDuration()))
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	counts := map[string]int{"primary": 0, "replica": 0, string(StateShipping): 0, string(StateStaged): len(n.staged)}
	for s, h := range n.buckets {
		switch {
		case h.shipping:
			counts[string(StateShipping)]++
		case s.storage == 0:
			counts["primary"]++
		default:
			counts["replica"]++
		}
	}
	for state, c := range counts {
		n.metrics.Buckets.WithLabelValues(state).Set(float64(c))
	}
}

// Get returns the live entry stored under key in a held copy.
func (n *Node) Get(ctx context.Context, bucketNumber int, storage uint8, key []byte) (bucket.Entry, bool, error) {
	var (
		entry bucket.Entry
		found bool
	)
	err := n.withBucket(ctx, "get", bucketNumber, storage, false, func(b *bucket.Bucket) error {
		entry, found = b.GetEntry(key)
		return nil
	})
	return entry, found, err
}

// Put stores value under key. A zero expiresAt never expires. The previous live
// entry is returned.
func (n *Node) Put(ctx context.Context, bucketNumber int, storage uint8, key, value []byte, expiresAt time.Time) (bucket.Entry, bool, error) {
	var (
		previous bucket.Entry
		existed  bool
	)
	err := n.withBucket(ctx, "put", bucketNumber, storage, true, func(b *bucket.Bucket) error {
		var err error
		previous, existed, err = b.Put(key, value, expiresAt)
		return err
	})
	return previous, existed, err
}

// Remove deletes key and returns the previous live entry.
func (n *Node) Remove(ctx context.Context, bucketNumber int, storage uint8, key []byte) (bucket.Entry, bool, error) {
	var (
		previous bucket.Entry
		existed  bool
	)
	err := n.withBucket(ctx, "remove", bucketNumber, storage, true, func(b *bucket.Bucket) error {
		var err error
		previous, existed, err = b.Remove(key)
		return err
	})
	return previous, existed, err
}

// Update replaces key only if its update counter equals expected.
func (n *Node) Update(ctx context.Context, bucketNumber int, storage uint8, key, value []byte, expiresAt time.Time, expected uint64) (bucket.Entry, error) {
	var previous bucket.Entry
	err := n.withBucket(ctx, "update", bucketNumber, storage, true, func(b *bucket.Bucket) error {
		var err error
		previous, err = b.Update(key, value, expiresAt, expected)
		return err
	})
	return previous, err
}

// Replicate stores an entry written on the primary into a replica copy with the
// primary's update counter. An entry already at that counter or newer is kept,
// so replicated writes applied out of order settle on the latest one.
func (n *Node) Replicate(ctx context.Context, bucketNumber int, storage uint8, key, value []byte, expiresAt time.Time, counter uint64) error {
	if storage == 0 {
		return fmt.Errorf("%w: bucket %d", ErrNotReplica, bucketNumber)
	}
	return n.withBucket(ctx, "replicate", bucketNumber, storage, true, func(b *bucket.Bucket) error {
		if current, ok := b.GetEntry(key); ok && current.UpdateCounter >= counter {
			return nil
		}
		return b.PutAll(map[string]bucket.Entry{string(key): {
			Value:         value,
			ExpiresAt:     expiresAt,
			UpdateCounter: counter,
		}})
	})
}

// withBucket runs fn against the held copy on the processor and counts the outcome.
func (n *Node) withBucket(ctx context.Context, op string, bucketNumber int, storage uint8, write bool, fn func(b *bucket.Bucket) error) error {
	var err error
	if doErr := n.proc.Do(ctx, func() {
		h, ok := n.buckets[slot{bucket: bucketNumber, storage: storage}]
		switch {
		case !ok:
			err = fmt.Errorf("%w: bucket %d storage %d", ErrBucketNotOwned, bucketNumber, storage)
		case write && h.shipping:
			err = fmt.Errorf("%w: bucket %d is moving", bucket.ErrLeaseExpired, bucketNumber)
		default:
			err = fn(h.b)
		}
	}); doErr != nil {
		return doErr
	}
	n.count(op, err)
	return err
}

func (n *Node) count(op string, err error) {
	if n.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrBucketNotOwned):
		result = "not_owned"
	case errors.Is(err, bucket.ErrLeaseExpired):
		result = "lease_expired"
		n.metrics.LeaseRejections.Inc()
	case errors.Is(err, bucket.ErrCounterMismatch):
		result = "conflict"
	default:
		result = "error"
	}
	n.metrics.Operations.WithLabelValues(op, result).Inc()
}

// BucketInfo describes one local bucket copy.
type BucketInfo struct {
	LeaseExpiration time.Time   `json:"lease_expiration"`
	State           BucketState `json:"state"`
	Number          int         `json:"number"`
	Keys            int         `json:"keys"`
	StorageNumber   uint8       `json:"storage_number"`
	LeaseValid      bool        `json:"lease_valid"`
}

// MemoryInfo is the host memory reported by /info.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// Info describes the node and its buckets.
type Info struct {
	Memory   *MemoryInfo  `json:"memory,omitempty"`
	NodeID   string       `json:"node_id"`
	Addr     string       `json:"addr"`
	Cache    string       `json:"cache"`
	Buckets  []BucketInfo `json:"buckets"`
	Draining bool         `json:"draining"`
}

// Info returns the held and staged copies ordered by storage number, then
// bucket number, and the host memory when it can be read.
func (n *Node) Info(ctx context.Context) (Info, error) {
	info := Info{
		NodeID: n.cfg.ID,
		Addr:   string(n.cfg.Addr),
		Cache:  n.cfg.Cache.CacheName,
	}
	err := n.proc.Do(ctx, func() {
		info.Draining = n.draining
		info.Buckets = make([]BucketInfo, 0, len(n.buckets)+len(n.staged))
		for s, h := range n.buckets {
			state := StateActive
			if h.shipping {
				state = StateShipping
			}
			info.Buckets = append(info.Buckets, describe(s, h.b, state))
		}
		for s, st := range n.staged {
			info.Buckets = append(info.Buckets, describe(s, st.b, StateStaged))
		}
	})
	if err != nil {
		return info, err
	}
	sort.Slice(info.Buckets, func(i, j int) bool {
		a, b := info.Buckets[i], info.Buckets[j]
		if a.StorageNumber != b.StorageNumber {
			return a.StorageNumber < b.StorageNumber
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.State < b.State
	})

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Memory = &MemoryInfo{Total: vm.Total, Available: vm.Available, UsedPercent: vm.UsedPercent}
	} else {
		n.logger.Debug("read host memory", zap.Error(err))
	}
	return info, nil
}

func describe(s slot, b *bucket.Bucket, state BucketState) BucketInfo {
	return BucketInfo{
		Number:          s.bucket,
		StorageNumber:   s.storage,
		State:           state,
		Keys:            b.Size(),
		LeaseExpiration: b.LeaseExpiration(),
		LeaseValid:      b.IsLeaseValid(),
	}
}
