package coordinator

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// AssignmentConfig holds the cluster-wide constants of one cache. Every node
// routing for the cache must use the same values.
type AssignmentConfig struct {
	// CacheName is stamped on every emitted command.
	CacheName string

	// BucketCount is the fixed number of buckets. It must never change once a
	// cluster is formed because it defines the key to bucket mapping.
	BucketCount int

	// ReplicaCount is the number of replica storage numbers (1..ReplicaCount)
	// kept next to the primary (storage number 0).
	ReplicaCount int
}

func (c AssignmentConfig) validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("%w: cache name is empty", ErrInvalidConfig)
	}
	if c.BucketCount <= 0 {
		return fmt.Errorf("%w: bucket count %d must be positive", ErrInvalidConfig, c.BucketCount)
	}
	if c.ReplicaCount < 0 || c.ReplicaCount > 254 {
		return fmt.Errorf("%w: replica count %d must be in [0, 254]", ErrInvalidConfig, c.ReplicaCount)
	}
	return nil
}

type slotKey struct {
	bucket  int
	storage uint8
}

// pendingTransfer is the in-flight marker of one (storage number, bucket number) slot.
type pendingTransfer struct {
	current Address
	owner   Address
	epoch   uint64
	source  uint8
}

// Assignment is the authoritative bucket ownership table of one cache, together
// with the repartitioning algorithm and the transfer state machine.
//
// The table maps every (storage number, bucket number) slot to at most one owner
// address. Storage number 0 is the primary copy, 1..ReplicaCount are replicas.
// Within one bucket number the owners of different storage numbers are always
// distinct addresses (bucket safety).
//
// State transitions of a slot:
//
//	Owned(a) ──Begin──▶ Pending(a→b) ──Finish──▶ Owned(b)
//	                          │
//	                          └──Reject/Cancel──▶ Owned(a)
//	Owned(a) ──Orphan──▶ Orphaned ──Assign──▶ Owned(c)
//
// The table only changes through Repartition, FinishBucketTransfer,
// RejectBucketTransfer and RemoveBucketOwners. Every command they produce is
// handed to the EventListener in a single OnCommands call per operation.
//
// Thread Safety:
// Assignment is not safe for concurrent use. It is owned by one cache processor
// (see Service) that serializes every call. Query methods return owned copies.
type Assignment struct {
	listener EventListener
	logger   *zap.Logger

	owners  map[Address]struct{}
	leaving map[Address]struct{}
	pending map[slotKey]pendingTransfer

	// table[storage][bucket]
	table [][]Address

	cacheName    string
	bucketCount  int
	replicaCount int

	// epoch increases with every begun transfer batch.
	epoch uint64
}

// NewAssignment creates an empty assignment. No bucket is owned until owners are
// added and Repartition runs.
func NewAssignment(cfg AssignmentConfig, listener EventListener, logger *zap.Logger) (*Assignment, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = ListenerFunc(func([]Command) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	table := make([][]Address, cfg.ReplicaCount+1)
	for s := range table {
		table[s] = make([]Address, cfg.BucketCount)
	}

	return &Assignment{
		listener:     listener,
		logger:       logger.Named("assignment").With(zap.String("cache", cfg.CacheName)),
		owners:       make(map[Address]struct{}),
		leaving:      make(map[Address]struct{}),
		pending:      make(map[slotKey]pendingTransfer),
		table:        table,
		cacheName:    cfg.CacheName,
		bucketCount:  cfg.BucketCount,
		replicaCount: cfg.ReplicaCount,
	}, nil
}

// CacheName returns the name of the cache.
func (a *Assignment) CacheName() string { return a.cacheName }

// BucketCount returns the fixed number of buckets.
func (a *Assignment) BucketCount() int { return a.bucketCount }

// ReplicaCount returns the number of replica storage numbers.
func (a *Assignment) ReplicaCount() int { return a.replicaCount }

// AddBucketOwner registers addr as eligible to own buckets. A leaving mark on addr
// is cleared. Nothing moves until the next Repartition.
func (a *Assignment) AddBucketOwner(addr Address) error {
	if addr == "" {
		return ErrInvalidAddress
	}
	a.owners[addr] = struct{}{}
	delete(a.leaving, addr)
	a.logger.Info("bucket owner added", zap.String("owner", string(addr)))
	return nil
}

// MarkBucketOwnerLeaving marks addr as leaving. The owner remains a valid source
// for transfers but sheds every slot on the next Repartition.
func (a *Assignment) MarkBucketOwnerLeaving(addr Address) error {
	if _, ok := a.owners[addr]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOwner, addr)
	}
	a.leaving[addr] = struct{}{}
	a.logger.Info("bucket owner leaving", zap.String("owner", string(addr)))
	return nil
}

// BucketOwnerAddress returns the owner of a slot. The boolean is false when the
// slot is unowned or out of range.
func (a *Assignment) BucketOwnerAddress(storage uint8, bucket int) (Address, bool) {
	if !a.inRange(storage, bucket) {
		return "", false
	}
	addr := a.table[storage][bucket]
	return addr, addr != ""
}

// PrimaryOwnerAddress returns the owner of storage number 0 of bucket.
func (a *Assignment) PrimaryOwnerAddress(bucket int) (Address, bool) {
	return a.BucketOwnerAddress(0, bucket)
}

// OwnedBuckets returns the ascending bucket numbers addr owns at storage.
func (a *Assignment) OwnedBuckets(storage uint8, addr Address) []int {
	if int(storage) > a.replicaCount || addr == "" {
		return nil
	}
	var out []int
	for b, owner := range a.table[storage] {
		if owner == addr {
			out = append(out, b)
		}
	}
	return out
}

// HasBucketResponsibilities reports whether addr owns any slot or takes part in an
// in-flight transfer, as source or destination.
func (a *Assignment) HasBucketResponsibilities(addr Address) bool {
	if addr == "" {
		return false
	}
	for _, row := range a.table {
		if slices.Contains(row, addr) {
			return true
		}
	}
	for _, p := range a.pending {
		if p.current == addr || p.owner == addr {
			return true
		}
	}
	return false
}

// BucketOwners returns the registered owners in ascending order, leaving ones included.
func (a *Assignment) BucketOwners() []Address {
	return sortedSet(a.owners)
}

// LeavingOwners returns the owners marked leaving in ascending order.
func (a *Assignment) LeavingOwners() []Address {
	return sortedSet(a.leaving)
}

// OwnedBucketCounts returns the number of slots each registered owner holds at
// storage, zero counts included.
func (a *Assignment) OwnedBucketCounts(storage uint8) map[Address]int {
	counts := make(map[Address]int, len(a.owners))
	for addr := range a.owners {
		counts[addr] = 0
	}
	if int(storage) > a.replicaCount {
		return counts
	}
	for _, owner := range a.table[storage] {
		if owner != "" {
			counts[owner]++
		}
	}
	return counts
}

// PendingTransfers returns the in-flight transfers grouped into batches.
func (a *Assignment) PendingTransfers() []Transfer {
	batch := newBatcher(a.cacheName, nil)
	for _, slot := range a.pendingSlots() {
		p := a.pending[slot]
		batch.add(batchKey{
			kind:    CommandBeginBucketTransfer,
			source:  p.source,
			dest:    slot.storage,
			current: p.current,
			owner:   p.owner,
			epoch:   p.epoch,
		}, slot.bucket)
	}
	out := make([]Transfer, 0, len(batch.cmds))
	for _, cmd := range batch.commands() {
		out = append(out, cmd.Transfer)
	}
	return out
}

// MaxOwnedBucketCount is the largest number of buckets a single owner holds when
// bucketCount buckets are balanced across ownerCount owners.
func MaxOwnedBucketCount(bucketCount, ownerCount int) int {
	if ownerCount <= 0 {
		return bucketCount
	}
	return (bucketCount + ownerCount - 1) / ownerCount
}

// CheckSafety scans the whole table and reports the first bucket whose storage
// numbers share an owner.
func (a *Assignment) CheckSafety() error {
	for b := 0; b < a.bucketCount; b++ {
		if err := a.checkBucketSafety(b); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assignment) checkBucketSafety(bucket int) error {
	for s1 := 0; s1 <= a.replicaCount; s1++ {
		owner := a.table[s1][bucket]
		if owner == "" {
			continue
		}
		for s2 := s1 + 1; s2 <= a.replicaCount; s2++ {
			if a.table[s2][bucket] == owner {
				return fmt.Errorf("%w: bucket %d storage %d and %d both owned by %q",
					ErrBucketSafety, bucket, s1, s2, owner)
			}
		}
	}
	return nil
}

func (a *Assignment) inRange(storage uint8, bucket int) bool {
	return int(storage) <= a.replicaCount && bucket >= 0 && bucket < a.bucketCount
}

func (a *Assignment) isLive(addr Address) bool {
	if _, ok := a.owners[addr]; !ok {
		return false
	}
	_, leaving := a.leaving[addr]
	return !leaving
}

// liveOwners returns the registered owners that are not leaving, ascending.
func (a *Assignment) liveOwners() []Address {
	var out []Address
	for addr := range a.owners {
		if a.isLive(addr) {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

func (a *Assignment) pendingSlots() []slotKey {
	slots := make([]slotKey, 0, len(a.pending))
	for slot := range a.pending {
		slots = append(slots, slot)
	}
	slices.SortFunc(slots, func(x, y slotKey) int {
		if x.storage != y.storage {
			return int(x.storage) - int(y.storage)
		}
		return x.bucket - y.bucket
	})
	return slots
}

func (a *Assignment) nextEpoch() uint64 {
	a.epoch++
	return a.epoch
}

func (a *Assignment) emit(batch *batcher) {
	cmds := batch.commands()
	if len(cmds) == 0 {
		return
	}
	for _, cmd := range cmds {
		a.logger.Debug("command emitted", zap.Stringer("command", cmd))
	}
	a.listener.OnCommands(cmds)
}

func sortedSet(set map[Address]struct{}) []Address {
	if len(set) == 0 {
		return nil
	}
	out := make([]Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
