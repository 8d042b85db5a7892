package bucket

import "errors"

var (
	// ErrLeaseExpired is returned when a write hits a bucket whose lease has lapsed.
	// The caller should retry against the current owner.
	ErrLeaseExpired = errors.New("bucket lease expired")

	// ErrCounterMismatch is returned by Update when the expected update counter
	// does not match the stored one. Nothing is mutated.
	ErrCounterMismatch = errors.New("update counter mismatch")

	// ErrInvalidBucketCount is returned for a non-positive bucket count.
	ErrInvalidBucketCount = errors.New("invalid bucket count")

	// ErrUnknownHasher is returned for an unknown key hasher name.
	ErrUnknownHasher = errors.New("unknown key hasher")

	// ErrCorruptPayload is returned when a serialized bucket cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt bucket payload")
)
