// Package storage provides the durable key-value layer the coordinator uses to
// keep ownership snapshots across restarts.
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by a sync.RWMutex. It is used by
// tests and by coordinators started without a data directory.
//
// PebbleStore persists to a cockroachdb/pebble database. Every write is synced, so
// a snapshot acknowledged by Put survives a crash of the coordinator process.
//
// # Keys
//
// Keys are plain strings. The coordinator stores one snapshot per cache under
// SnapshotKey(cacheName):
//
//	ownership/<cache name>
//
// # Concurrency
//
// Both implementations are safe for concurrent use. Values passed to Put and
// returned from Get are copied, so callers may keep mutating their buffers.
package storage
