package node

import "errors"

var (
	// ErrBucketNotOwned is returned for an operation on a bucket this node does
	// not hold at the requested storage number. The caller should refresh its
	// routing and retry against the current owner.
	ErrBucketNotOwned = errors.New("bucket not owned")

	// ErrDraining is returned when a leaving node is offered a bucket.
	ErrDraining = errors.New("node draining")

	// ErrWrongCache is returned for a command or transfer of another cache.
	ErrWrongCache = errors.New("wrong cache")

	// ErrNotDestination is returned for a transfer addressed to another node.
	ErrNotDestination = errors.New("transfer addressed to another node")

	// ErrNotReplica is returned for a replicated write addressed to a primary.
	ErrNotReplica = errors.New("replicated write to a primary copy")
)
