package coordinator

import (
	"fmt"

	"go.uber.org/zap"
)

// FinishBucketTransfer commits a begun transfer: the new owner takes the
// destination slot of every bucket in the batch and the in-flight markers are
// cleared. A FinishBucketTransfer command is emitted to both parties.
//
// The batch must match the in-flight transfer of every slot exactly, epoch
// included when set, or ErrStaleTransferEpoch is returned. A commit that would
// give the new owner a second storage number of a bucket returns ErrBucketSafety.
// Nothing is mutated on error.
func (a *Assignment) FinishBucketTransfer(t Transfer) error {
	if err := a.matchPending(t); err != nil {
		return err
	}

	buckets := uniqueBuckets(t.BucketNumbers)
	for _, b := range buckets {
		for s := 0; s <= a.replicaCount; s++ {
			if uint8(s) != t.DestinationStorageNumber && a.table[s][b] == t.NewOwner {
				a.logger.Error("bucket safety violation on transfer commit",
					zap.Int("bucket", b),
					zap.Uint8("held_storage", uint8(s)),
					zap.Uint8("source_storage", t.SourceStorageNumber),
					zap.Uint8("destination_storage", t.DestinationStorageNumber),
					zap.String("current_owner", string(t.CurrentOwner)),
					zap.String("new_owner", string(t.NewOwner)),
					zap.Uint64("epoch", t.Epoch),
				)
				return fmt.Errorf("%w: %q already owns storage %d of bucket %d", ErrBucketSafety, t.NewOwner, s, b)
			}
		}
	}

	for _, b := range buckets {
		a.table[t.DestinationStorageNumber][b] = t.NewOwner
		delete(a.pending, slotKey{storage: t.DestinationStorageNumber, bucket: b})
	}

	finished := t.clone()
	finished.CacheName = a.cacheName
	a.logger.Info("bucket transfer finished",
		zap.Int("buckets", len(buckets)),
		zap.Uint8("destination_storage", t.DestinationStorageNumber),
		zap.String("new_owner", string(t.NewOwner)),
	)
	a.listener.OnCommands([]Command{{Kind: CommandFinishBucketTransfer, Transfer: finished}})
	return nil
}

// RejectBucketTransfer abandons a begun transfer after the destination declined
// it. The table keeps the previous owners, the in-flight markers are cleared and
// a CancelBucketTransfer command carrying reason is emitted to both parties. The
// next Repartition plans the slots again.
func (a *Assignment) RejectBucketTransfer(t Transfer, reason string) error {
	if err := a.matchPending(t); err != nil {
		return err
	}

	buckets := uniqueBuckets(t.BucketNumbers)
	for _, b := range buckets {
		delete(a.pending, slotKey{storage: t.DestinationStorageNumber, bucket: b})
	}

	cancelled := t.clone()
	cancelled.CacheName = a.cacheName
	a.logger.Warn("bucket transfer rejected",
		zap.Int("buckets", len(buckets)),
		zap.String("new_owner", string(t.NewOwner)),
		zap.String("reason", reason),
	)
	a.listener.OnCommands([]Command{{Kind: CommandCancelBucketTransfer, Reason: reason, Transfer: cancelled}})
	return nil
}

// RemoveBucketOwners forgets owners that failed without a graceful leave. Their
// in-flight transfers are cancelled, their slots are stripped and the table is
// repartitioned at once: replicas are promoted or fresh buckets assigned so that
// no primary stays unowned while any owner remains, and lost replicas are
// restored from the primaries.
func (a *Assignment) RemoveBucketOwners(addrs ...Address) {
	gone := make(map[Address]struct{}, len(addrs))
	for _, addr := range addrs {
		gone[addr] = struct{}{}
		delete(a.owners, addr)
		delete(a.leaving, addr)
	}

	batch := newBatcher(a.cacheName, a.nextEpoch)
	for _, slot := range a.pendingSlots() {
		p := a.pending[slot]
		_, currentGone := gone[p.current]
		_, ownerGone := gone[p.owner]
		if currentGone || ownerGone {
			a.cancelPending(batch, slot, p, "bucket owner removed")
		}
	}

	stripped := 0
	for s := range a.table {
		for b, owner := range a.table[s] {
			if _, ok := gone[owner]; ok {
				a.table[s][b] = ""
				stripped++
			}
		}
	}
	a.logger.Warn("bucket owners removed",
		zap.Int("owners", len(addrs)),
		zap.Int("stripped_slots", stripped),
	)

	a.plan(batch)
	a.logPlan("recovery", batch)
	a.emit(batch)
}

// matchPending checks that every bucket of t has an in-flight transfer with the
// same source storage, owners and epoch.
func (a *Assignment) matchPending(t Transfer) error {
	if t.CacheName != "" && t.CacheName != a.cacheName {
		return fmt.Errorf("%w: cache %q, expected %q", ErrStaleTransferEpoch, t.CacheName, a.cacheName)
	}
	if len(t.BucketNumbers) == 0 {
		return fmt.Errorf("%w: transfer has no buckets", ErrStaleTransferEpoch)
	}
	if int(t.SourceStorageNumber) > a.replicaCount || int(t.DestinationStorageNumber) > a.replicaCount {
		return fmt.Errorf("%w: storage %d->%d", ErrBucketOutOfRange, t.SourceStorageNumber, t.DestinationStorageNumber)
	}

	for _, raw := range t.BucketNumbers {
		b := int(raw)
		if b < 0 || b >= a.bucketCount {
			return fmt.Errorf("%w: bucket %d", ErrBucketOutOfRange, b)
		}
		p, ok := a.pending[slotKey{storage: t.DestinationStorageNumber, bucket: b}]
		switch {
		case !ok:
			return fmt.Errorf("%w: no transfer in flight for storage %d bucket %d",
				ErrStaleTransferEpoch, t.DestinationStorageNumber, b)
		case p.source != t.SourceStorageNumber || p.current != t.CurrentOwner || p.owner != t.NewOwner:
			return fmt.Errorf("%w: storage %d bucket %d is in flight %q->%q from storage %d",
				ErrStaleTransferEpoch, t.DestinationStorageNumber, b, p.current, p.owner, p.source)
		case t.Epoch != 0 && p.epoch != t.Epoch:
			return fmt.Errorf("%w: storage %d bucket %d has epoch %d, got %d",
				ErrStaleTransferEpoch, t.DestinationStorageNumber, b, p.epoch, t.Epoch)
		}
	}
	return nil
}

func uniqueBuckets(numbers []int32) []int {
	seen := make(map[int32]struct{}, len(numbers))
	out := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, int(n))
	}
	return out
}
