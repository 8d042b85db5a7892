// Package coordinator decides which node owns which bucket of a cache and drives
// the transfers that move buckets between nodes.
//
// # Overview
//
// A cache is split into a fixed number of buckets. Every bucket has one primary
// copy (storage number 0) and ReplicaCount replica copies (storage numbers 1..R).
// The coordinator keeps the authoritative table of (storage number, bucket
// number) → owner address and changes it only through transfer commands that the
// nodes acknowledge.
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│  Service (single processor per cache)        │
//	│    Assignment                                │
//	│      - table[storage][bucket] → owner        │
//	│      - in-flight transfers + epochs          │
//	│      - Repartition planner                   │
//	│    snapshot → storage.Store                  │
//	│                                              │
//	│  Dispatcher  ── POST /commands ──▶ nodes     │
//	│  HealthMonitor ── GET /health ──▶ nodes      │
//	└──────────────────────────────────────────────┘
//
// # Transfer Protocol
//
// Repartition emits batched commands. A Begin command asks the current owner to
// ship buckets to the new owner; the new owner installs them and announces
// completion, upon which the coordinator commits the table and emits Finish. A
// destination that declines announces rejection and the coordinator emits Cancel.
//
//	coordinator           source            destination
//	    │── Begin ──────────▶│                    │
//	    │                    │── bucket data ────▶│
//	    │◀───────────────────┼──── completed ─────│
//	    │── Finish ─────────▶│───────────────────▶│
//
// Assign hands a slot over without data, for brand-new buckets and for promoting
// a replica to primary. Orphan tells an owner its slot is gone with no new owner.
//
// Every Begin batch carries an epoch. Announcements whose epoch no longer
// matches the in-flight transfer are refused with ErrStaleTransferEpoch.
//
// # Bucket Safety
//
// No address ever owns two storage numbers of the same bucket, neither in the
// table nor through in-flight transfers. A commit that would break this is
// refused with ErrBucketSafety and logged at error level.
//
// # Membership
//
//   - Join: the node becomes an owner and the table is repartitioned.
//   - Leave: the node is marked leaving, its slots are moved away, and it is
//     forgotten once it holds nothing.
//   - Fail: reported by the HealthMonitor after MaxFailures missed health checks. The
//     node's slots are stripped at once, replicas are promoted, and lost copies
//     are restored from the surviving primaries.
//
// # Concurrency
//
// Assignment is not safe for concurrent use. Service serializes all access on a
// processor.Processor. Dispatcher.OnCommands only enqueues, so the processor
// never blocks on the network.
package coordinator
