package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/metrics"
	"github.com/dreamware/bucketcache/internal/processor"
	"github.com/dreamware/bucketcache/internal/storage"
)

const serviceQueueSize = 256

// Service is the coordinator side of one cache. It owns the Assignment and runs
// every call against it on a single processor, so membership changes, transfer
// announcements and routing lookups are totally ordered.
//
// After each mutation the ownership snapshot is written to the store, and the
// table is reloaded from it on construction.
type Service struct {
	assignment *Assignment
	calc       *bucket.IndexCalculator
	proc       *processor.Processor
	store      storage.Store
	metrics    *metrics.Coordinator
	logger     *zap.Logger

	// nodes maps registered node IDs to their info. Owned by proc.
	nodes map[string]cluster.NodeInfo

	info cluster.ClusterInfo
}

// NewService creates the service of the cache described by info. Commands the
// assignment emits are counted and handed to listener. A snapshot previously
// persisted in store is restored; it must describe the same cache.
func NewService(info cluster.ClusterInfo, store storage.Store, listener EventListener, m *metrics.Coordinator, logger *zap.Logger) (*Service, error) {
	hasher, err := bucket.HasherByName(info.KeyHasher)
	if err != nil {
		return nil, err
	}
	calc, err := bucket.NewIndexCalculator(info.BucketCount, hasher)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("cache", info.CacheName))

	s := &Service{
		calc:    calc,
		store:   store,
		metrics: m,
		logger:  logger.Named("service"),
		nodes:   make(map[string]cluster.NodeInfo),
		info:    info,
		proc:    processor.New("coordinator/"+info.CacheName, serviceQueueSize, logger),
	}
	counted := &countingListener{next: listener, metrics: m}

	snap, found, err := s.loadSnapshot()
	if err != nil {
		return nil, err
	}
	if found {
		if snap.CacheName != info.CacheName || snap.BucketCount != info.BucketCount || snap.ReplicaCount != info.ReplicaCount {
			return nil, fmt.Errorf("%w: stored snapshot describes cache %q with %d buckets and %d replicas",
				ErrInvalidConfig, snap.CacheName, snap.BucketCount, snap.ReplicaCount)
		}
		s.assignment, err = RestoreAssignment(snap, counted, logger)
		if err != nil {
			return nil, fmt.Errorf("restore ownership snapshot: %w", err)
		}
		// Node IDs are not persisted; restored owners are tracked by address
		// until they register again.
		for _, addr := range snap.Owners {
			s.nodes[string(addr)] = cluster.NodeInfo{ID: string(addr), Addr: string(addr)}
		}
		s.logger.Info("ownership restored",
			zap.Int("owners", len(snap.Owners)),
			zap.Int("slots", len(snap.Entries)),
			zap.Uint64("epoch", snap.Epoch),
		)
	} else {
		s.assignment, err = NewAssignment(AssignmentConfig{
			CacheName:    info.CacheName,
			BucketCount:  info.BucketCount,
			ReplicaCount: info.ReplicaCount,
		}, counted, logger)
		if err != nil {
			return nil, err
		}
	}
	s.updateGauges()
	return s, nil
}

// Run processes calls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.proc.Run(ctx)
}

// Info returns the cluster-wide constants of the cache.
func (s *Service) Info() cluster.ClusterInfo {
	return s.info
}

// Join registers a node as a bucket owner and repartitions. Registering an
// already known node again only refreshes its address.
func (s *Service) Join(ctx context.Context, node cluster.NodeInfo) error {
	return s.OnClusterMembershipChanged(ctx, []cluster.NodeInfo{node}, nil)
}

// Leave starts the graceful departure of a node. Its slots are moved away by
// transfers; the node is forgotten once it holds nothing.
func (s *Service) Leave(ctx context.Context, nodeID string) error {
	return s.mutate(ctx, "leave", func() error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
		}
		if err := s.assignment.MarkBucketOwnerLeaving(Address(node.Addr)); err != nil {
			return err
		}
		s.repartition()
		return nil
	})
}

// Fail forgets a node that stopped responding. Its slots are reassigned at once.
func (s *Service) Fail(ctx context.Context, nodeID string) error {
	return s.mutate(ctx, "fail", func() error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
		}
		delete(s.nodes, nodeID)
		s.assignment.RemoveBucketOwners(Address(node.Addr))
		return nil
	})
}

// OnClusterMembershipChanged applies a membership delta: joined nodes become
// owners, left nodes are removed as failed, and the table is repartitioned once.
func (s *Service) OnClusterMembershipChanged(ctx context.Context, joined, left []cluster.NodeInfo) error {
	for _, node := range joined {
		if node.ID == "" || node.Addr == "" {
			return fmt.Errorf("%w: node %q at %q", ErrInvalidAddress, node.ID, node.Addr)
		}
	}
	return s.mutate(ctx, "membership", func() error {
		var gone []Address
		for _, node := range left {
			known, ok := s.nodes[node.ID]
			if !ok {
				continue
			}
			delete(s.nodes, node.ID)
			gone = append(gone, Address(known.Addr))
		}
		if len(gone) > 0 {
			s.assignment.RemoveBucketOwners(gone...)
		}

		for _, node := range joined {
			if previous, ok := s.nodes[node.ID]; ok && previous.Addr != node.Addr {
				s.logger.Warn("node changed address",
					zap.String("node", node.ID),
					zap.String("from", previous.Addr),
					zap.String("to", node.Addr),
				)
				s.assignment.RemoveBucketOwners(Address(previous.Addr))
			}
			for id, other := range s.nodes {
				if id != node.ID && other.Addr == node.Addr {
					delete(s.nodes, id)
				}
			}
			s.nodes[node.ID] = node
			if err := s.assignment.AddBucketOwner(Address(node.Addr)); err != nil {
				return err
			}
		}
		if len(joined) > 0 {
			s.repartition()
		}
		return nil
	})
}

// HandleAnnouncement applies a transfer outcome reported by a node.
func (s *Service) HandleAnnouncement(ctx context.Context, a Announcement) error {
	switch a.Kind {
	case AnnouncementTransferCompleted:
		return s.CompleteTransfer(ctx, a.Transfer)
	case AnnouncementTransferRejected:
		return s.RejectTransfer(ctx, a.Transfer, a.Reason)
	default:
		return fmt.Errorf("unknown announcement kind %q", a.Kind)
	}
}

// CompleteTransfer commits a transfer the destination has installed, then
// repartitions so follow-up moves, such as restoring a replica, can begin.
func (s *Service) CompleteTransfer(ctx context.Context, t Transfer) error {
	err := s.mutate(ctx, "complete", func() error {
		if err := s.assignment.FinishBucketTransfer(t); err != nil {
			return err
		}
		s.repartition()
		return nil
	})
	s.countAnnouncement(AnnouncementTransferCompleted, err)
	return err
}

// RejectTransfer abandons a transfer the destination declined and plans the
// slots again.
func (s *Service) RejectTransfer(ctx context.Context, t Transfer, reason string) error {
	err := s.mutate(ctx, "reject", func() error {
		if err := s.assignment.RejectBucketTransfer(t, reason); err != nil {
			return err
		}
		s.repartition()
		return nil
	})
	s.countAnnouncement(AnnouncementTransferRejected, err)
	return err
}

// OwnerForKey returns the bucket of key and the address of its primary owner.
func (s *Service) OwnerForKey(ctx context.Context, key []byte) (Address, int, error) {
	b := s.calc.BucketForKey(key)
	addr, err := s.PrimaryOwnerAddress(ctx, b)
	return addr, b, err
}

// PrimaryOwnerAddress returns the owner of storage number 0 of a bucket.
func (s *Service) PrimaryOwnerAddress(ctx context.Context, b int) (Address, error) {
	var (
		addr Address
		ok   bool
	)
	if err := s.proc.Do(ctx, func() {
		addr, ok = s.assignment.PrimaryOwnerAddress(b)
	}); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: bucket %d", ErrBucketUnowned, b)
	}
	return addr, nil
}

// ReplicaOwners returns the owned replica slots of a bucket in storage number
// order. Writes accepted by the primary are copied to them.
func (s *Service) ReplicaOwners(ctx context.Context, b int) ([]SnapshotEntry, error) {
	if b < 0 || b >= s.assignment.BucketCount() {
		return nil, fmt.Errorf("%w: %d", ErrBucketOutOfRange, b)
	}
	var out []SnapshotEntry
	err := s.proc.Do(ctx, func() {
		for storage := 1; storage <= s.assignment.ReplicaCount(); storage++ {
			if addr, ok := s.assignment.BucketOwnerAddress(uint8(storage), b); ok {
				out = append(out, SnapshotEntry{StorageNumber: uint8(storage), BucketNumber: b, Owner: addr})
			}
		}
	})
	return out, err
}

// StoreStatus describes the store holding the ownership snapshots.
type StoreStatus struct {
	// Snapshots lists the keys of every persisted snapshot, of any cache.
	Snapshots []string `json:"snapshots"`
	Keys      int      `json:"keys"`
	Bytes     int      `json:"bytes"`
}

// StoreStatus reports the snapshot store. It is zero without a store.
func (s *Service) StoreStatus() (StoreStatus, error) {
	if s.store == nil {
		return StoreStatus{Snapshots: []string{}}, nil
	}
	keys, err := s.store.List(storage.SnapshotKey(""))
	if err != nil {
		return StoreStatus{}, fmt.Errorf("list snapshots: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	stats := s.store.Stats()
	return StoreStatus{Snapshots: keys, Keys: stats.Keys, Bytes: stats.Bytes}, nil
}

// Table returns the current ownership snapshot and the transfers in flight.
func (s *Service) Table(ctx context.Context) (OwnershipSnapshot, []Transfer, error) {
	var (
		snap    OwnershipSnapshot
		pending []Transfer
	)
	err := s.proc.Do(ctx, func() {
		snap = s.assignment.Snapshot()
		pending = s.assignment.PendingTransfers()
	})
	return snap, pending, err
}

// Nodes returns the registered nodes ordered by ID.
func (s *Service) Nodes(ctx context.Context) ([]cluster.NodeInfo, error) {
	var out []cluster.NodeInfo
	err := s.proc.Do(ctx, func() {
		out = make([]cluster.NodeInfo, 0, len(s.nodes))
		for _, node := range s.nodes {
			out = append(out, node)
		}
	})
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, err
}

// mutate runs fn on the processor, then retires drained leaving owners,
// persists the table and refreshes the gauges.
func (s *Service) mutate(ctx context.Context, op string, fn func() error) error {
	var err error
	if doErr := s.proc.Do(ctx, func() {
		err = fn()
		s.retireLeaving()
		s.persist()
		s.updateGauges()
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		s.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (s *Service) repartition() {
	s.assignment.Repartition()
	if s.metrics != nil {
		s.metrics.Repartitions.Inc()
	}
}

// retireLeaving forgets leaving owners that hold no slot and take part in no transfer.
func (s *Service) retireLeaving() {
	var drained []Address
	for _, addr := range s.assignment.LeavingOwners() {
		if !s.assignment.HasBucketResponsibilities(addr) {
			drained = append(drained, addr)
		}
	}
	if len(drained) == 0 {
		return
	}
	for id, node := range s.nodes {
		if slices.Contains(drained, Address(node.Addr)) {
			delete(s.nodes, id)
		}
	}
	s.logger.Info("leaving owners drained", zap.Any("owners", drained))
	s.assignment.RemoveBucketOwners(drained...)
}

func (s *Service) loadSnapshot() (OwnershipSnapshot, bool, error) {
	var snap OwnershipSnapshot
	if s.store == nil {
		return snap, false, nil
	}
	data, err := s.store.Get(storage.SnapshotKey(s.info.CacheName))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("load ownership snapshot: %w", err)
	}
	if err := snap.UnmarshalBinary(data); err != nil {
		return snap, false, err
	}
	return snap, true, nil
}

// persist writes the ownership snapshot. A table without owners is deleted
// instead, so the next start begins empty.
func (s *Service) persist() {
	if s.store == nil {
		return
	}
	key := storage.SnapshotKey(s.info.CacheName)
	snap := s.assignment.Snapshot()
	var err error
	if len(snap.Owners) == 0 {
		err = s.store.Delete(key)
	} else {
		var data []byte
		if data, err = snap.MarshalBinary(); err == nil {
			err = s.store.Put(key, data)
		}
	}
	if err != nil {
		s.logger.Error("persist ownership snapshot", zap.Error(err))
	}
}

func (s *Service) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.Owners.Set(float64(len(s.assignment.BucketOwners())))
	pending := 0
	for _, t := range s.assignment.PendingTransfers() {
		pending += len(t.BucketNumbers)
	}
	s.metrics.PendingBuckets.Set(float64(pending))

	counts := make([]map[string]int, s.assignment.ReplicaCount()+1)
	for storageNumber := range counts {
		counts[storageNumber] = make(map[string]int)
		for addr, n := range s.assignment.OwnedBucketCounts(uint8(storageNumber)) {
			counts[storageNumber][string(addr)] = n
		}
	}
	s.metrics.SetOwned(counts)
}

func (s *Service) countAnnouncement(kind AnnouncementKind, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.Announcements.WithLabelValues(string(kind), result).Inc()
}

// countingListener records emitted commands before forwarding them.
type countingListener struct {
	next    EventListener
	metrics *metrics.Coordinator
}

func (l *countingListener) OnCommands(cmds []Command) {
	if l.metrics != nil {
		for _, cmd := range cmds {
			l.metrics.CommandBuckets.WithLabelValues(cmd.Kind.String()).Add(float64(len(cmd.BucketNumbers)))
		}
	}
	if l.next != nil {
		l.next.OnCommands(cmds)
	}
}
