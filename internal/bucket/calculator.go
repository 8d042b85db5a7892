package bucket

import (
	"fmt"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
	"github.com/howeyc/crc16"
)

// DefaultBucketCount is the default number of buckets in a cache.
// A prime spreads keys evenly modulo the bucket count.
const DefaultBucketCount = 2053

// Names of the built-in key hashers.
const (
	HasherXXHash = "xxhash"
	HasherCRC16  = "crc16"
	HasherFNV    = "fnv"
)

// KeyHasher maps a key to a 32-bit hash code.
// Every node routing requests for a cache must use the same hasher.
type KeyHasher func(key []byte) int32

// XXHash folds the 64-bit xxhash digest to 32 bits.
func XXHash(key []byte) int32 {
	sum := xxhash.Sum64(key)
	return int32(uint32(sum) ^ uint32(sum>>32))
}

// CRC16 uses the IBM table, the slot hash of irisDb style clusters.
func CRC16(key []byte) int32 {
	return int32(crc16.Checksum(key, crc16.IBMTable))
}

// FNV uses FNV-1a 32.
func FNV(key []byte) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32())
}

// HasherByName returns the built-in hasher with the given name.
func HasherByName(name string) (KeyHasher, error) {
	switch name {
	case HasherXXHash, "":
		return XXHash, nil
	case HasherCRC16:
		return CRC16, nil
	case HasherFNV:
		return FNV, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
}

// IndexCalculator maps hash codes to bucket numbers in [0, bucketCount).
// It holds no mutable state and is safe for concurrent use.
type IndexCalculator struct {
	hasher      KeyHasher
	bucketCount int
}

// NewIndexCalculator creates a calculator for a fixed bucket count.
// A nil hasher selects XXHash.
func NewIndexCalculator(bucketCount int, hasher KeyHasher) (*IndexCalculator, error) {
	if bucketCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBucketCount, bucketCount)
	}
	if hasher == nil {
		hasher = XXHash
	}
	return &IndexCalculator{bucketCount: bucketCount, hasher: hasher}, nil
}

// BucketCount returns the fixed bucket count.
func (c *IndexCalculator) BucketCount() int {
	return c.bucketCount
}

// Calculate normalizes a possibly negative hash code into [0, bucketCount).
// The arithmetic is done in int64 so math.MinInt32 cannot overflow.
func (c *IndexCalculator) Calculate(hash int32) int {
	n := int64(c.bucketCount)
	return int(((int64(hash) % n) + n) % n)
}

// BucketForKey hashes the key and returns its bucket number.
func (c *IndexCalculator) BucketForKey(key []byte) int {
	return c.Calculate(c.hasher(key))
}
