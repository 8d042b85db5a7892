// Package node implements a cache node: the process that holds bucket copies,
// serves key operations against them, and carries out the transfer commands the
// coordinator sends.
//
// # Bucket Copies
//
// A node holds any number of (bucket number, storage number) slots. Storage
// number 0 is the primary copy; replicas use 1..R. Each copy is in one of three
// states:
//
//	┌──────────┐  Begin (move)   ┌──────────┐  Finish   ┌─────────┐
//	│  active  │ ──────────────▶ │ shipping │ ────────▶ │ dropped │
//	└──────────┘ ◀────────────── └──────────┘           └─────────┘
//	      ▲          Cancel
//	      │ Finish
//	┌──────────┐
//	│  staged  │ ◀── received payload
//	└──────────┘
//
// Active copies serve reads and writes. Shipping copies serve reads only; their
// lease is expired the moment the move begins so that no write lands on a copy
// that is on its way out. Staged copies are invisible to clients until the
// coordinator commits the transfer.
//
// # Leases
//
// Every copy carries a lease renewed on each tick. A node that stops ticking,
// for example because it is partitioned or stalled, stops accepting writes once
// its leases lapse. Expired entries are swept on the same tick.
//
// # Concurrency
//
// All state is owned by one processor.Processor. Commands, received payloads,
// client operations and ticks are tasks on it; shipments and announcements run
// on their own goroutines so that the processor never waits on the network.
package node
