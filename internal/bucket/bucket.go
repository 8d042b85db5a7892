// Package bucket implements the cache partition: a bucket of keys with
// per-entry expiration, optimistic update counters and a write lease.
package bucket

import (
	"bytes"
	"time"

	"github.com/armon/go-radix"
	"github.com/jonboulle/clockwork"
)

// Entry is a stored value with its metadata.
type Entry struct {
	// ExpiresAt is the absolute expiration time. Zero means the entry never expires.
	ExpiresAt time.Time
	Value     []byte
	// UpdateCounter is incremented on every write of the key.
	UpdateCounter uint64
}

// KeyedEntry pairs an entry with its key, as returned by Entries.
type KeyedEntry struct {
	Key []byte
	Entry
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

func (e Entry) clone() Entry {
	e.Value = bytes.Clone(e.Value)
	return e
}

// Bucket is a single partition of a cache's key space.
//
// A Bucket is not safe for concurrent use. It is owned by the cache processor
// of the node holding it, which serializes every access.
type Bucket struct {
	clock           clockwork.Clock
	entries         *radix.Tree
	leaseExpiration time.Time
	leaseDuration   time.Duration
	number          int
	storageNumber   uint8
}

// New creates an empty bucket and grants it a fresh lease.
// A zero lease duration disables write fencing.
func New(number int, storageNumber uint8, leaseDuration time.Duration, clock clockwork.Clock) *Bucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &Bucket{
		number:        number,
		storageNumber: storageNumber,
		leaseDuration: leaseDuration,
		clock:         clock,
		entries:       radix.New(),
	}
	b.RenewLease()
	return b
}

// Number returns the bucket number.
func (b *Bucket) Number() int {
	return b.number
}

// StorageNumber returns 0 for a primary copy, 1..N for replicas.
func (b *Bucket) StorageNumber() uint8 {
	return b.storageNumber
}

// SetStorageNumber relabels the copy, used when a replica is promoted.
func (b *Bucket) SetStorageNumber(storageNumber uint8) {
	b.storageNumber = storageNumber
}

// LeaseDuration returns the configured lease duration.
func (b *Bucket) LeaseDuration() time.Duration {
	return b.leaseDuration
}

// SetLeaseDuration changes the lease duration used by the next RenewLease.
func (b *Bucket) SetLeaseDuration(d time.Duration) {
	b.leaseDuration = d
}

// LeaseExpiration returns the current lease expiration time.
func (b *Bucket) LeaseExpiration() time.Time {
	return b.leaseExpiration
}

// SetLeaseExpiration sets the lease expiration time directly.
func (b *Bucket) SetLeaseExpiration(t time.Time) {
	b.leaseExpiration = t
}

// RenewLease extends the lease to now + lease duration.
func (b *Bucket) RenewLease() {
	b.leaseExpiration = b.clock.Now().Add(b.leaseDuration)
}

// IsLeaseValid reports whether the bucket currently accepts writes.
func (b *Bucket) IsLeaseValid() bool {
	if b.leaseDuration == 0 {
		return true
	}
	return b.clock.Now().Before(b.leaseExpiration)
}

func (b *Bucket) checkLease() error {
	if !b.IsLeaseValid() {
		return ErrLeaseExpired
	}
	return nil
}

// lookup returns the live entry for key, evicting it if it has expired.
func (b *Bucket) lookup(key []byte) (Entry, bool) {
	raw, ok := b.entries.Get(string(key))
	if !ok {
		return Entry{}, false
	}
	entry := raw.(Entry)
	if entry.expired(b.clock.Now()) {
		b.entries.Delete(string(key))
		return Entry{}, false
	}
	return entry, true
}

// Get returns a copy of the value stored under key.
// An expired entry is evicted and reported as absent.
func (b *Bucket) Get(key []byte) ([]byte, bool) {
	entry, ok := b.lookup(key)
	if !ok {
		return nil, false
	}
	return bytes.Clone(entry.Value), true
}

// GetEntry returns a copy of the entry stored under key.
func (b *Bucket) GetEntry(key []byte) (Entry, bool) {
	entry, ok := b.lookup(key)
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// ContainsKey reports whether a live entry exists for key.
func (b *Bucket) ContainsKey(key []byte) bool {
	_, ok := b.lookup(key)
	return ok
}

// Put stores value under key. A zero expiresAt means the entry never expires.
// It returns the previous live entry, if any.
func (b *Bucket) Put(key, value []byte, expiresAt time.Time) (Entry, bool, error) {
	if err := b.checkLease(); err != nil {
		return Entry{}, false, err
	}
	previous, existed := b.lookup(key)
	b.entries.Insert(string(key), Entry{
		Value:         bytes.Clone(value),
		ExpiresAt:     expiresAt,
		UpdateCounter: previous.UpdateCounter + 1,
	})
	return previous, existed, nil
}

// Remove deletes key and returns the previous live entry, if any.
func (b *Bucket) Remove(key []byte) (Entry, bool, error) {
	if err := b.checkLease(); err != nil {
		return Entry{}, false, err
	}
	previous, existed := b.lookup(key)
	if existed {
		b.entries.Delete(string(key))
	}
	return previous, existed, nil
}

// PutAll stores all entries verbatim, including their update counters.
// Either every entry is stored or, on a lapsed lease, none is.
func (b *Bucket) PutAll(entries map[string]Entry) error {
	if err := b.checkLease(); err != nil {
		return err
	}
	for key, entry := range entries {
		b.entries.Insert(key, entry.clone())
	}
	return nil
}

// RetainAll removes every key that is not in keys and returns how many were removed.
func (b *Bucket) RetainAll(keys [][]byte) (int, error) {
	if err := b.checkLease(); err != nil {
		return 0, err
	}
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[string(k)] = struct{}{}
	}
	var drop []string
	b.entries.Walk(func(k string, _ interface{}) bool {
		if _, ok := keep[k]; !ok {
			drop = append(drop, k)
		}
		return false
	})
	for _, k := range drop {
		b.entries.Delete(k)
	}
	return len(drop), nil
}

// Update replaces the value of key only if its update counter equals
// expectedUpdateCounter (0 for an absent key). The previous entry is returned
// in both cases so the caller can see what it raced against. On a mismatch
// ErrCounterMismatch is returned and nothing changes.
func (b *Bucket) Update(key, value []byte, timeToRead time.Time, expectedUpdateCounter uint64) (Entry, error) {
	if err := b.checkLease(); err != nil {
		return Entry{}, err
	}
	previous, _ := b.lookup(key)
	if previous.UpdateCounter != expectedUpdateCounter {
		return previous.clone(), ErrCounterMismatch
	}
	b.entries.Insert(string(key), Entry{
		Value:         bytes.Clone(value),
		ExpiresAt:     timeToRead,
		UpdateCounter: previous.UpdateCounter + 1,
	})
	return previous, nil
}

// Size returns the number of stored entries. Expired entries not yet evicted are counted.
func (b *Bucket) Size() int {
	return b.entries.Len()
}

// Keys returns all keys in ascending byte order.
func (b *Bucket) Keys() [][]byte {
	keys := make([][]byte, 0, b.entries.Len())
	b.entries.Walk(func(k string, _ interface{}) bool {
		keys = append(keys, []byte(k))
		return false
	})
	return keys
}

// Entries returns copies of all entries in ascending key order.
func (b *Bucket) Entries() []KeyedEntry {
	out := make([]KeyedEntry, 0, b.entries.Len())
	b.entries.Walk(func(k string, v interface{}) bool {
		out = append(out, KeyedEntry{Key: []byte(k), Entry: v.(Entry).clone()})
		return false
	})
	return out
}

// EvictExpired drops every expired entry and returns how many were dropped.
func (b *Bucket) EvictExpired() int {
	now := b.clock.Now()
	var drop []string
	b.entries.Walk(func(k string, v interface{}) bool {
		if v.(Entry).expired(now) {
			drop = append(drop, k)
		}
		return false
	})
	for _, k := range drop {
		b.entries.Delete(k)
	}
	return len(drop)
}

// Equal reports whether two buckets hold the same identity, lease state and contents.
func Equal(a, b *Bucket) bool {
	if a.number != b.number || a.storageNumber != b.storageNumber ||
		a.leaseDuration != b.leaseDuration || !a.leaseExpiration.Equal(b.leaseExpiration) ||
		a.entries.Len() != b.entries.Len() {
		return false
	}
	ae, be := a.Entries(), b.Entries()
	for i := range ae {
		x, y := ae[i], be[i]
		if !bytes.Equal(x.Key, y.Key) || !bytes.Equal(x.Value, y.Value) ||
			!x.ExpiresAt.Equal(y.ExpiresAt) || x.UpdateCounter != y.UpdateCounter {
			return false
		}
	}
	return true
}
