package coordinator

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// SnapshotEntry is one owned slot of the table.
type SnapshotEntry struct {
	Owner         Address `json:"owner"`
	BucketNumber  int     `json:"bucket"`
	StorageNumber uint8   `json:"storage"`
}

// OwnershipSnapshot is the full ownership state of one cache, used to
// resynchronize a joining node and to survive coordinator restarts.
// In-flight transfers are not part of it; a restored assignment plans them again.
type OwnershipSnapshot struct {
	CacheName    string          `json:"cache_name"`
	Owners       []Address       `json:"owners"`
	Leaving      []Address       `json:"leaving,omitempty"`
	Entries      []SnapshotEntry `json:"entries"`
	BucketCount  int             `json:"bucket_count"`
	ReplicaCount int             `json:"replica_count"`
	Epoch        uint64          `json:"epoch"`
}

// MarshalBinary encodes the snapshot as JSON.
func (s OwnershipSnapshot) MarshalBinary() ([]byte, error) {
	type plain OwnershipSnapshot
	return json.Marshal(plain(s))
}

// UnmarshalBinary decodes a snapshot encoded by MarshalBinary.
func (s *OwnershipSnapshot) UnmarshalBinary(data []byte) error {
	type plain OwnershipSnapshot
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode ownership snapshot: %w", err)
	}
	*s = OwnershipSnapshot(p)
	return nil
}

// Snapshot captures the table, the owner sets and the epoch. Entries are ordered
// by storage number, then bucket number.
func (a *Assignment) Snapshot() OwnershipSnapshot {
	snap := OwnershipSnapshot{
		CacheName:    a.cacheName,
		BucketCount:  a.bucketCount,
		ReplicaCount: a.replicaCount,
		Epoch:        a.epoch,
		Owners:       a.BucketOwners(),
		Leaving:      a.LeavingOwners(),
	}
	for s, row := range a.table {
		for b, owner := range row {
			if owner != "" {
				snap.Entries = append(snap.Entries, SnapshotEntry{StorageNumber: uint8(s), BucketNumber: b, Owner: owner})
			}
		}
	}
	return snap
}

// RestoreAssignment rebuilds an assignment from a snapshot. Entries must be in
// range, reference registered owners and respect bucket safety.
func RestoreAssignment(snap OwnershipSnapshot, listener EventListener, logger *zap.Logger) (*Assignment, error) {
	a, err := NewAssignment(AssignmentConfig{
		CacheName:    snap.CacheName,
		BucketCount:  snap.BucketCount,
		ReplicaCount: snap.ReplicaCount,
	}, listener, logger)
	if err != nil {
		return nil, err
	}

	for _, addr := range snap.Owners {
		if err := a.AddBucketOwner(addr); err != nil {
			return nil, err
		}
	}
	for _, addr := range snap.Leaving {
		if err := a.MarkBucketOwnerLeaving(addr); err != nil {
			return nil, err
		}
	}
	for _, e := range snap.Entries {
		if !a.inRange(e.StorageNumber, e.BucketNumber) {
			return nil, fmt.Errorf("%w: storage %d bucket %d", ErrBucketOutOfRange, e.StorageNumber, e.BucketNumber)
		}
		if _, ok := a.owners[e.Owner]; !ok {
			return nil, fmt.Errorf("%w: %q owns storage %d bucket %d", ErrUnknownOwner, e.Owner, e.StorageNumber, e.BucketNumber)
		}
		a.table[e.StorageNumber][e.BucketNumber] = e.Owner
	}
	if err := a.CheckSafety(); err != nil {
		return nil, err
	}
	a.epoch = snap.Epoch
	return a, nil
}
