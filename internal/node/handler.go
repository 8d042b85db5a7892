package node

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/coordinator"
)

// commandHandler applies coordinator commands to the node state. Its methods
// run on the node processor.
type commandHandler struct {
	n *Node
}

var _ coordinator.Handler = commandHandler{}

// AssignBucket takes a slot without receiving data. When the source storage
// number differs from the destination the local copy at the source is promoted;
// otherwise an empty bucket is created.
func (h commandHandler) AssignBucket(t coordinator.Transfer) error {
	n := h.n
	for _, raw := range t.BucketNumbers {
		dst := slot{bucket: int(raw), storage: t.DestinationStorageNumber}

		if t.SourceStorageNumber != t.DestinationStorageNumber {
			src := slot{bucket: int(raw), storage: t.SourceStorageNumber}
			if local, ok := n.buckets[src]; ok {
				delete(n.buckets, src)
				local.b.SetStorageNumber(dst.storage)
				local.shipping = false
				n.grantLease(local)
				n.buckets[dst] = local
				n.logger.Info("replica promoted",
					zap.Int("bucket", dst.bucket),
					zap.Uint8("from_storage", src.storage),
					zap.Uint8("to_storage", dst.storage),
				)
				continue
			}
			n.logger.Warn("promoted copy missing, starting empty",
				zap.Int("bucket", dst.bucket), zap.Uint8("storage", src.storage))
		}

		if local, ok := n.buckets[dst]; ok {
			local.shipping = false
			n.grantLease(local)
			continue
		}
		n.buckets[dst] = &held{b: bucket.New(dst.bucket, dst.storage, n.cfg.LeaseDuration, n.clock)}
	}
	n.logger.Debug("buckets assigned",
		zap.Int("buckets", len(t.BucketNumbers)), zap.Uint8("storage", t.DestinationStorageNumber))
	return nil
}

// BeginBucketTransfer serializes the source copies and ships them to the new
// owner. Moved copies stop accepting writes at once.
func (h commandHandler) BeginBucketTransfer(t coordinator.Transfer) error {
	n := h.n
	if t.CurrentOwner != n.cfg.Addr {
		return fmt.Errorf("%w: begin for %q", ErrNotDestination, t.CurrentOwner)
	}

	sources := make([]*held, 0, len(t.BucketNumbers))
	for _, raw := range t.BucketNumbers {
		local, ok := n.buckets[slot{bucket: int(raw), storage: t.SourceStorageNumber}]
		if !ok {
			return fmt.Errorf("%w: bucket %d storage %d", ErrBucketNotOwned, raw, t.SourceStorageNumber)
		}
		sources = append(sources, local)
	}

	payload := TransferPayload{Transfer: t, Buckets: make([][]byte, 0, len(sources))}
	for _, local := range sources {
		if t.IsMove() {
			local.shipping = true
			local.b.SetLeaseExpiration(n.clock.Now())
		}
		data, err := local.b.MarshalBinary()
		if err != nil {
			return err
		}
		payload.Buckets = append(payload.Buckets, data)
	}

	n.logger.Info("bucket transfer begun",
		zap.Int("buckets", len(t.BucketNumbers)),
		zap.Uint8("source_storage", t.SourceStorageNumber),
		zap.Uint8("destination_storage", t.DestinationStorageNumber),
		zap.String("to", string(t.NewOwner)),
		zap.Uint64("epoch", t.Epoch),
	)
	n.ship(t, payload)
	return nil
}

// FinishBucketTransfer drops moved source copies and activates staged ones.
func (h commandHandler) FinishBucketTransfer(t coordinator.Transfer) error {
	n := h.n
	if t.CurrentOwner == n.cfg.Addr && t.IsMove() {
		for _, raw := range t.BucketNumbers {
			delete(n.buckets, slot{bucket: int(raw), storage: t.SourceStorageNumber})
		}
	}
	if t.NewOwner != n.cfg.Addr {
		return nil
	}

	for _, raw := range t.BucketNumbers {
		dst := slot{bucket: int(raw), storage: t.DestinationStorageNumber}
		st, ok := n.staged[dst]
		if !ok || (t.Epoch != 0 && st.epoch != t.Epoch) {
			n.logger.Error("finished transfer without staged copy, starting empty",
				zap.Int("bucket", dst.bucket), zap.Uint8("storage", dst.storage), zap.Uint64("epoch", t.Epoch))
			n.buckets[dst] = &held{b: bucket.New(dst.bucket, dst.storage, n.cfg.LeaseDuration, n.clock)}
			continue
		}
		delete(n.staged, dst)
		active := &held{b: st.b}
		n.grantLease(active)
		n.buckets[dst] = active
	}
	n.logger.Info("bucket transfer finished",
		zap.Int("buckets", len(t.BucketNumbers)),
		zap.Uint8("storage", t.DestinationStorageNumber),
		zap.String("from", string(t.CurrentOwner)),
	)
	return nil
}

// CancelBucketTransfer resumes moved source copies and discards staged ones.
func (h commandHandler) CancelBucketTransfer(t coordinator.Transfer, reason string) error {
	n := h.n
	if t.CurrentOwner == n.cfg.Addr {
		for _, raw := range t.BucketNumbers {
			if local, ok := n.buckets[slot{bucket: int(raw), storage: t.SourceStorageNumber}]; ok && local.shipping {
				local.shipping = false
				n.grantLease(local)
			}
		}
	}
	if t.NewOwner == n.cfg.Addr {
		for _, raw := range t.BucketNumbers {
			dst := slot{bucket: int(raw), storage: t.DestinationStorageNumber}
			if st, ok := n.staged[dst]; ok && (t.Epoch == 0 || st.epoch == t.Epoch) {
				delete(n.staged, dst)
			}
		}
	}
	n.logger.Info("bucket transfer cancelled", zap.Int("buckets", len(t.BucketNumbers)), zap.String("reason", reason))
	return nil
}

// OrphanBucket drops the local copies.
func (h commandHandler) OrphanBucket(t coordinator.Transfer) error {
	n := h.n
	for _, raw := range t.BucketNumbers {
		delete(n.buckets, slot{bucket: int(raw), storage: t.SourceStorageNumber})
	}
	n.logger.Warn("buckets orphaned", zap.Int("buckets", len(t.BucketNumbers)), zap.Uint8("storage", t.SourceStorageNumber))
	return nil
}
