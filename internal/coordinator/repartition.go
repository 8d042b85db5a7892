package coordinator

import (
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Repartition recomputes the target distribution and emits the commands that
// converge the cluster toward it:
//
//  1. every primary hole is filled, by promoting a surviving replica or by
//     assigning a new empty bucket to the least loaded live owner;
//  2. primaries are balanced so owner counts differ by at most one. When every
//     live owner already holds a copy of a bucket, its primary trades storage
//     numbers with a replica holder instead of moving;
//  3. each replica storage number is restored from its primary and balanced
//     independently, never handing an owner a second storage number of a bucket;
//  4. slots of leaving owners are moved away, or orphaned when no owner can take them.
//
// Moves are batched into one begin command per (source storage, destination
// storage, current owner, new owner). Candidates are ordered by planned load, then
// by address, so equal inputs always produce equal plans.
func (a *Assignment) Repartition() {
	batch := newBatcher(a.cacheName, a.nextEpoch)
	a.plan(batch)
	a.logPlan("repartition", batch)
	a.emit(batch)
}

func (a *Assignment) plan(batch *batcher) {
	live := a.liveOwners()
	eligible := live
	if len(eligible) == 0 {
		// Only leaving owners remain; they still beat an unowned primary.
		eligible = a.BucketOwners()
	}
	if len(eligible) == 0 {
		return
	}

	created := make(map[int]bool)
	a.fillPrimaryHoles(batch, eligible, created)
	if len(live) == 0 {
		return
	}

	a.balance(batch, 0, live)
	for s := 1; s <= a.replicaCount; s++ {
		a.fillReplicaHoles(batch, uint8(s), live, created)
		a.balance(batch, uint8(s), live)
	}
}

func (a *Assignment) fillPrimaryHoles(batch *batcher, eligible []Address, created map[int]bool) {
	loads := a.plannedLoads(0)
	for b := 0; b < a.bucketCount; b++ {
		if a.table[0][b] != "" {
			continue
		}
		if _, ok := a.pending[slotKey{storage: 0, bucket: b}]; ok {
			continue
		}

		if s, holder := a.promotionCandidate(b); holder != "" {
			a.promote(batch, b, s, holder)
			loads[holder]++
			continue
		}

		owner := a.pick(0, b, eligible, loads, nil)
		if owner == "" {
			a.logger.Warn("no owner available for primary bucket", zap.Int("bucket", b))
			continue
		}
		a.table[0][b] = owner
		loads[owner]++
		created[b] = true
		batch.add(batchKey{kind: CommandAssignBucket, owner: owner}, b)
	}
}

// promotionCandidate returns the replica holder of bucket that should become its
// primary: the lowest storage number held by a live owner, else by a leaving one.
func (a *Assignment) promotionCandidate(bucket int) (uint8, Address) {
	var (
		fallbackStorage uint8
		fallback        Address
	)
	for s := 1; s <= a.replicaCount; s++ {
		holder := a.table[s][bucket]
		if holder == "" {
			continue
		}
		if a.isLive(holder) {
			return uint8(s), holder
		}
		if _, ok := a.owners[holder]; ok && fallback == "" {
			fallbackStorage, fallback = uint8(s), holder
		}
	}
	return fallbackStorage, fallback
}

// promote moves the replica held at storage into the primary slot without moving data.
func (a *Assignment) promote(batch *batcher, bucket int, storage uint8, holder Address) {
	slot := slotKey{storage: storage, bucket: bucket}
	if p, ok := a.pending[slot]; ok {
		a.cancelPending(batch, slot, p, "replica promoted to primary")
	}
	a.table[storage][bucket] = ""
	a.table[0][bucket] = holder
	batch.add(batchKey{
		kind:    CommandAssignBucket,
		source:  storage,
		current: holder,
		owner:   holder,
	}, bucket)
	a.logger.Info("replica promoted to primary",
		zap.Int("bucket", bucket), zap.Uint8("storage", storage), zap.String("owner", string(holder)))
}

func (a *Assignment) fillReplicaHoles(batch *batcher, storage uint8, live []Address, created map[int]bool) {
	loads := a.plannedLoads(storage)
	for b := 0; b < a.bucketCount; b++ {
		if a.table[storage][b] != "" {
			continue
		}
		if _, ok := a.pending[slotKey{storage: storage, bucket: b}]; ok {
			continue
		}

		if created[b] {
			owner := a.pick(storage, b, live, loads, nil)
			if owner == "" {
				continue
			}
			a.table[storage][b] = owner
			loads[owner]++
			batch.add(batchKey{kind: CommandAssignBucket, source: storage, dest: storage, owner: owner}, b)
			continue
		}

		// Restores copy the primary. One copy per bucket at a time keeps a
		// primary from serving two restores of the same bucket at once.
		primary := a.table[0][b]
		if primary == "" || a.sourceBusy(b) {
			continue
		}
		owner := a.pick(storage, b, live, loads, nil)
		if owner == "" {
			continue
		}
		a.begin(batch, 0, storage, b, primary, owner)
		loads[owner]++
	}
}

// balance evens out the slots of one storage number across the live owners and
// drains the slots of leaving owners.
func (a *Assignment) balance(batch *batcher, storage uint8, live []Address) {
	loads := a.plannedLoads(storage)
	targets := balanceTargets(live, loads)

	for b := 0; b < a.bucketCount; b++ {
		owner := a.table[storage][b]
		if owner == "" {
			continue
		}
		if _, ok := a.pending[slotKey{storage: storage, bucket: b}]; ok {
			continue
		}
		if storage == 0 && a.sourceBusy(b) {
			continue
		}

		leaving := !a.isLive(owner)
		if !leaving && loads[owner] <= targets[owner] {
			continue
		}

		dest := a.pick(storage, b, live, loads, func(c Address) bool { return loads[c] < targets[c] })
		if dest == "" && leaving {
			dest = a.pick(storage, b, live, loads, nil)
		}
		if dest == "" && leaving {
			if storage != 0 {
				a.orphan(batch, storage, b)
				loads[owner]--
				continue
			}
			dest = a.sacrificeReplica(batch, b)
			if dest == "" {
				a.orphan(batch, 0, b)
				loads[owner]--
				continue
			}
		}
		if dest == "" && storage == 0 && !leaving {
			if holder := a.swapPrimary(batch, b, loads, targets); holder != "" {
				loads[owner]--
				loads[holder]++
			}
			continue
		}
		if dest == "" {
			continue
		}

		a.begin(batch, storage, storage, b, owner, dest)
		loads[owner]--
		loads[dest]++
	}
}

// sacrificeReplica orphans the highest storage replica of bucket held by a live
// owner so that the owner can receive the primary. It returns that owner, or the
// empty address when no replica qualifies.
func (a *Assignment) sacrificeReplica(batch *batcher, bucket int) Address {
	for s := a.replicaCount; s >= 1; s-- {
		holder := a.table[s][bucket]
		if holder == "" || !a.isLive(holder) {
			continue
		}
		if _, ok := a.pending[slotKey{storage: uint8(s), bucket: bucket}]; ok {
			continue
		}
		a.table[s][bucket] = ""
		if a.excluded(0, bucket, holder) {
			a.table[s][bucket] = holder
			continue
		}
		batch.add(batchKey{kind: CommandOrphanBucket, source: uint8(s), dest: uint8(s), current: holder}, bucket)
		return holder
	}
	return ""
}

// swapPrimary hands the primary of bucket to a live replica holder still below
// its primary target. The old primary takes over that replica's storage number.
// Both copies stay where they are. It returns the new primary, or the empty
// address when no replica holder qualifies.
func (a *Assignment) swapPrimary(batch *batcher, bucket int, loads, targets map[Address]int) Address {
	var (
		holder  Address
		storage uint8
	)
	for s := 1; s <= a.replicaCount; s++ {
		c := a.table[s][bucket]
		if c == "" || !a.isLive(c) || loads[c] >= targets[c] {
			continue
		}
		if _, ok := a.pending[slotKey{storage: uint8(s), bucket: bucket}]; ok {
			continue
		}
		if holder == "" || loads[c] < loads[holder] || (loads[c] == loads[holder] && c < holder) {
			holder, storage = c, uint8(s)
		}
	}
	if holder == "" {
		return ""
	}

	primary := a.table[0][bucket]
	a.table[0][bucket] = holder
	a.table[storage][bucket] = primary
	batch.add(batchKey{kind: CommandAssignBucket, dest: storage, current: primary, owner: primary}, bucket)
	batch.add(batchKey{kind: CommandAssignBucket, source: storage, current: holder, owner: holder}, bucket)
	a.logger.Info("primary swapped with replica",
		zap.Int("bucket", bucket),
		zap.Uint8("storage", storage),
		zap.String("primary", string(holder)),
		zap.String("replica", string(primary)),
	)
	return holder
}

func (a *Assignment) orphan(batch *batcher, storage uint8, bucket int) {
	owner := a.table[storage][bucket]
	a.table[storage][bucket] = ""
	batch.add(batchKey{kind: CommandOrphanBucket, source: storage, dest: storage, current: owner}, bucket)
	a.logger.Warn("bucket orphaned",
		zap.Int("bucket", bucket), zap.Uint8("storage", storage), zap.String("owner", string(owner)))
}

func (a *Assignment) begin(batch *batcher, source, dest uint8, bucket int, current, owner Address) {
	epoch := batch.add(batchKey{
		kind:    CommandBeginBucketTransfer,
		source:  source,
		dest:    dest,
		current: current,
		owner:   owner,
	}, bucket)
	a.pending[slotKey{storage: dest, bucket: bucket}] = pendingTransfer{
		source:  source,
		current: current,
		owner:   owner,
		epoch:   epoch,
	}
}

func (a *Assignment) cancelPending(batch *batcher, slot slotKey, p pendingTransfer, reason string) {
	delete(a.pending, slot)
	batch.add(batchKey{
		kind:    CommandCancelBucketTransfer,
		reason:  reason,
		source:  p.source,
		dest:    slot.storage,
		current: p.current,
		owner:   p.owner,
		epoch:   p.epoch,
	}, slot.bucket)
}

// pick returns the candidate with the lowest planned load, then lowest address,
// that may take (storage, bucket) and satisfies accept.
func (a *Assignment) pick(storage uint8, bucket int, candidates []Address, loads map[Address]int, accept func(Address) bool) Address {
	var best Address
	for _, c := range candidates {
		if c == a.table[storage][bucket] || a.excluded(storage, bucket, c) {
			continue
		}
		if accept != nil && !accept(c) {
			continue
		}
		if best == "" || loads[c] < loads[best] || (loads[c] == loads[best] && c < best) {
			best = c
		}
	}
	return best
}

// excluded reports whether c holds, or is receiving, another storage number of bucket.
func (a *Assignment) excluded(storage uint8, bucket int, c Address) bool {
	for s := 0; s <= a.replicaCount; s++ {
		if uint8(s) == storage {
			continue
		}
		if a.table[s][bucket] == c {
			return true
		}
		if p, ok := a.pending[slotKey{storage: uint8(s), bucket: bucket}]; ok && p.owner == c {
			return true
		}
	}
	return false
}

// sourceBusy reports whether the primary of bucket is the source of an in-flight transfer.
func (a *Assignment) sourceBusy(bucket int) bool {
	for s := 0; s <= a.replicaCount; s++ {
		if p, ok := a.pending[slotKey{storage: uint8(s), bucket: bucket}]; ok && p.source == 0 {
			return true
		}
	}
	return false
}

// plannedLoads counts the slots of storage per owner, in-flight transfers counted
// at their destination.
func (a *Assignment) plannedLoads(storage uint8) map[Address]int {
	loads := make(map[Address]int, len(a.owners))
	for b, owner := range a.table[storage] {
		if p, ok := a.pending[slotKey{storage: storage, bucket: b}]; ok {
			owner = p.owner
		}
		if owner != "" {
			loads[owner]++
		}
	}
	return loads
}

// balanceTargets spreads the planned slots over the live owners. The remainder
// goes to the owners that already hold the most, ties to the lower address.
func balanceTargets(live []Address, loads map[Address]int) map[Address]int {
	total := 0
	for _, n := range loads {
		total += n
	}
	base, extra := total/len(live), total%len(live)

	ordered := slices.Clone(live)
	slices.SortStableFunc(ordered, func(x, y Address) int {
		return loads[y] - loads[x]
	})

	targets := make(map[Address]int, len(live))
	for i, addr := range ordered {
		targets[addr] = base
		if i < extra {
			targets[addr]++
		}
	}
	return targets
}

func (a *Assignment) logPlan(op string, batch *batcher) {
	cmds := batch.commands()
	if len(cmds) == 0 {
		return
	}
	counts := make(map[CommandKind]int)
	for _, cmd := range cmds {
		counts[cmd.Kind] += len(cmd.BucketNumbers)
	}
	a.logger.Info(op+" planned",
		zap.Int("commands", len(cmds)),
		zap.Int("assigned", counts[CommandAssignBucket]),
		zap.Int("begun", counts[CommandBeginBucketTransfer]),
		zap.Int("cancelled", counts[CommandCancelBucketTransfer]),
		zap.Int("orphaned", counts[CommandOrphanBucket]),
	)
}
