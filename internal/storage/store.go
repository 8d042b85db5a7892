package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

const snapshotPrefix = "ownership/"

// SnapshotKey returns the key under which the ownership snapshot of a cache is kept.
func SnapshotKey(cacheName string) string {
	return snapshotPrefix + cacheName
}

// Store defines the interface for key-value storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys with the given prefix in ascending order
	List(prefix string) ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats

	// Close releases resources held by the store
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	data   map[string][]byte // Key-value storage
	mu     sync.RWMutex      // Protects concurrent access
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.data, key)
	return nil
}

// List returns the keys with the given prefix in ascending order
func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Close marks the store closed. Data is discarded.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// PebbleStore implements Store on top of a pebble database
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens, or creates, a pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Get retrieves a value by key
func (p *PebbleStore) Get(key string) ([]byte, error) {
	val, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// Put stores a value with the given key and syncs it to disk
func (p *PebbleStore) Put(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

// Delete removes a key-value pair
func (p *PebbleStore) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

// List returns the keys with the given prefix in ascending order
func (p *PebbleStore) List(prefix string) ([]string, error) {
	opts := &pebble.IterOptions{LowerBound: []byte(prefix)}
	if upper := prefixUpperBound(prefix); upper != nil {
		opts.UpperBound = upper
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for ok := iter.First(); ok; ok = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Stats walks the database and counts keys and value bytes
func (p *PebbleStore) Stats() StoreStats {
	var stats StoreStats
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return stats
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		stats.Keys++
		stats.Bytes += len(iter.Value())
	}
	return stats
}

// Close flushes and closes the database
func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the prefix,
// or nil when no such key exists.
func prefixUpperBound(prefix string) []byte {
	upper := []byte(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
