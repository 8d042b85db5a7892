package bucket

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
)

// wireBucket is the gob form of a whole bucket.
type wireBucket struct {
	LeaseExpiration time.Time
	Entries         []wireEntry
	LeaseDuration   time.Duration
	Number          int
	StorageNumber   uint8
}

type wireEntry struct {
	ExpiresAt     time.Time
	Key           []byte
	Value         []byte
	UpdateCounter uint64
}

// MaxDecodedSize bounds the decompressed size of one serialized bucket.
const MaxDecodedSize = 512 << 20

// Encoders are safe for concurrent use when only EncodeAll/DecodeAll are used.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder    = newDecoder(MaxDecodedSize)
)

func newDecoder(maxSize uint64) *zstd.Decoder {
	d, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSize))
	return d
}

// MarshalBinary serializes the whole bucket, entries and lease state, as one unit.
func (b *Bucket) MarshalBinary() ([]byte, error) {
	w := wireBucket{
		Number:          b.number,
		StorageNumber:   b.storageNumber,
		LeaseDuration:   b.leaseDuration,
		LeaseExpiration: b.leaseExpiration,
	}
	for _, e := range b.Entries() {
		w.Entries = append(w.Entries, wireEntry{
			Key:           e.Key,
			Value:         e.Value,
			ExpiresAt:     e.ExpiresAt,
			UpdateCounter: e.UpdateCounter,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encode bucket %d: %w", b.number, err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode rebuilds a bucket produced by MarshalBinary. The clock is not part of
// the payload, the receiver supplies its own.
func Decode(data []byte, clock clockwork.Clock) (*Bucket, error) {
	return decode(decoder, data, clock)
}

func decode(d *zstd.Decoder, data []byte, clock clockwork.Clock) (*Bucket, error) {
	raw, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptPayload, err.Error())
	}
	var w wireBucket
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptPayload, err.Error())
	}

	b := New(w.Number, w.StorageNumber, w.LeaseDuration, clock)
	b.leaseExpiration = w.LeaseExpiration
	for _, e := range w.Entries {
		b.entries.Insert(string(e.Key), Entry{
			Value:         e.Value,
			ExpiresAt:     e.ExpiresAt,
			UpdateCounter: e.UpdateCounter,
		})
	}
	return b, nil
}
