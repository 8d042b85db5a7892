package coordinator

import "errors"

var (
	// ErrBucketSafety signals that an operation would let one address own two
	// storage numbers of the same bucket. It indicates a diverged cluster view and
	// is never retried.
	ErrBucketSafety = errors.New("bucket safety violation")

	// ErrStaleTransferEpoch is returned when a finish or reject does not match the
	// in-flight transfer recorded for the slot.
	ErrStaleTransferEpoch = errors.New("stale transfer epoch")

	// ErrTransferRejected is reported when a destination declines a transfer.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrUnknownCommand is returned for an unknown command kind.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDuplicatePrimaryOwner is returned when two restore commands share a source.
	ErrDuplicatePrimaryOwner = errors.New("duplicate primary bucket owner")

	// ErrUnknownOwner is returned for an address that is not a bucket owner.
	ErrUnknownOwner = errors.New("unknown bucket owner")

	// ErrInvalidAddress is returned for an empty owner address.
	ErrInvalidAddress = errors.New("invalid owner address")

	// ErrInvalidConfig is returned for an invalid assignment configuration.
	ErrInvalidConfig = errors.New("invalid assignment configuration")

	// ErrBucketOutOfRange is returned for a bucket or storage number outside the table.
	ErrBucketOutOfRange = errors.New("bucket out of range")

	// ErrBucketUnowned is returned when a routed bucket has no primary owner.
	ErrBucketUnowned = errors.New("bucket has no owner")

	// ErrUnknownNode is returned for a node ID that is not registered.
	ErrUnknownNode = errors.New("unknown node")
)
