package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Address identifies a cluster node that can own buckets.
// The empty Address means "no owner".
type Address string

// CommandKind enumerates the transfer protocol commands.
type CommandKind int

const (
	// CommandAssignBucket gives a slot to an owner without moving data: a brand-new
	// empty bucket, or the promotion of a replica the owner already holds.
	CommandAssignBucket CommandKind = iota + 1
	// CommandBeginBucketTransfer asks the current owner to ship buckets to the new owner.
	CommandBeginBucketTransfer
	// CommandFinishBucketTransfer announces that a transfer has been committed.
	CommandFinishBucketTransfer
	// CommandCancelBucketTransfer announces that a transfer has been abandoned.
	CommandCancelBucketTransfer
	// CommandOrphanBucket tells the current owner to drop its copy; the slot is now unowned.
	CommandOrphanBucket
)

var commandKindNames = map[CommandKind]string{
	CommandAssignBucket:         "assign",
	CommandBeginBucketTransfer:  "begin",
	CommandFinishBucketTransfer: "finish",
	CommandCancelBucketTransfer: "cancel",
	CommandOrphanBucket:         "orphan",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k CommandKind) MarshalText() ([]byte, error) {
	name, ok := commandKindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, int(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a kind encoded by MarshalText.
func (k *CommandKind) UnmarshalText(text []byte) error {
	for kind, name := range commandKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, string(text))
}

// Transfer is the payload shared by every command and announcement: which
// bucket numbers move, between which storage numbers and owners.
type Transfer struct {
	CacheName                string  `json:"cache_name"`
	CurrentOwner             Address `json:"current_owner,omitempty"`
	NewOwner                 Address `json:"new_owner,omitempty"`
	BucketNumbers            []int32 `json:"bucket_numbers"`
	Epoch                    uint64  `json:"epoch,omitempty"`
	SourceStorageNumber      uint8   `json:"source_storage_number"`
	DestinationStorageNumber uint8   `json:"destination_storage_number"`
}

// IsMove reports whether the source gives the slot up, as opposed to a copy
// made from the primary to restore a replica.
func (t Transfer) IsMove() bool {
	return t.SourceStorageNumber == t.DestinationStorageNumber
}

// IsRestore reports whether the transfer copies the primary into a replica slot.
func (t Transfer) IsRestore() bool {
	return t.SourceStorageNumber == 0 && t.DestinationStorageNumber != 0
}

func (t Transfer) clone() Transfer {
	t.BucketNumbers = append([]int32(nil), t.BucketNumbers...)
	return t
}

// Command is a transfer protocol message emitted by the Assignment.
type Command struct {
	Reason string      `json:"reason,omitempty"`
	Kind   CommandKind `json:"kind"`
	Transfer
}

// Recipients returns the nodes that must receive the command.
func (c Command) Recipients() []Address {
	var out []Address
	add := func(a Address) {
		if a == "" {
			return
		}
		for _, x := range out {
			if x == a {
				return
			}
		}
		out = append(out, a)
	}

	switch c.Kind {
	case CommandAssignBucket:
		add(c.NewOwner)
	case CommandBeginBucketTransfer, CommandOrphanBucket:
		add(c.CurrentOwner)
	case CommandFinishBucketTransfer, CommandCancelBucketTransfer:
		add(c.CurrentOwner)
		add(c.NewOwner)
	}
	return out
}

func (c Command) String() string {
	return fmt.Sprintf("%s[cache=%s storage %d->%d owner %q->%q buckets=%d epoch=%d]",
		c.Kind, c.CacheName, c.SourceStorageNumber, c.DestinationStorageNumber,
		c.CurrentOwner, c.NewOwner, len(c.BucketNumbers), c.Epoch)
}

// AnnouncementKind enumerates the messages nodes send back to the coordinator.
type AnnouncementKind string

const (
	AnnouncementTransferCompleted AnnouncementKind = "completed"
	AnnouncementTransferRejected  AnnouncementKind = "rejected"
)

// Announcement reports the outcome of a begun transfer.
type Announcement struct {
	Kind   AnnouncementKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
	Transfer
}

// UnmarshalJSON validates the announcement kind.
func (a *Announcement) UnmarshalJSON(data []byte) error {
	type plain Announcement
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Kind {
	case AnnouncementTransferCompleted, AnnouncementTransferRejected:
	default:
		return fmt.Errorf("unknown announcement kind %q", p.Kind)
	}
	*a = Announcement(p)
	return nil
}

// PrimaryBucketOwner is the (owner, bucket number) pair a primary serves a copy from.
// Two concurrently emitted restore commands must never share one.
type PrimaryBucketOwner struct {
	Owner  Address
	Bucket int
}

// RestoreSources collects the primary owners of every begin-restore command and
// fails with ErrDuplicatePrimaryOwner if a pair repeats.
func RestoreSources(cmds []Command) ([]PrimaryBucketOwner, error) {
	seen := make(map[PrimaryBucketOwner]struct{})
	var out []PrimaryBucketOwner
	for _, c := range cmds {
		if c.Kind != CommandBeginBucketTransfer || c.SourceStorageNumber != 0 {
			continue
		}
		for _, b := range c.BucketNumbers {
			pbo := PrimaryBucketOwner{Owner: c.CurrentOwner, Bucket: int(b)}
			if _, dup := seen[pbo]; dup {
				return out, fmt.Errorf("%w: owner %q bucket %d", ErrDuplicatePrimaryOwner, pbo.Owner, pbo.Bucket)
			}
			seen[pbo] = struct{}{}
			out = append(out, pbo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

type batchKey struct {
	reason  string
	current Address
	owner   Address
	epoch   uint64
	kind    CommandKind
	source  uint8
	dest    uint8
}

// batcher groups bucket numbers with the same command tuple into one command,
// preserving the order in which tuples first appear.
type batcher struct {
	index     map[batchKey]int
	nextEpoch func() uint64
	cacheName string
	cmds      []Command
}

func newBatcher(cacheName string, nextEpoch func() uint64) *batcher {
	return &batcher{cacheName: cacheName, index: make(map[batchKey]int), nextEpoch: nextEpoch}
}

// add appends bucket to the command for key and returns the command epoch.
// A begin key without an epoch gets a fresh one when its command is created.
func (b *batcher) add(key batchKey, bucket int) uint64 {
	i, ok := b.index[key]
	if !ok {
		cmd := Command{Kind: key.kind, Reason: key.reason, Transfer: Transfer{
			CacheName:                b.cacheName,
			SourceStorageNumber:      key.source,
			DestinationStorageNumber: key.dest,
			CurrentOwner:             key.current,
			NewOwner:                 key.owner,
			Epoch:                    key.epoch,
		}}
		if key.kind == CommandBeginBucketTransfer && key.epoch == 0 {
			cmd.Epoch = b.nextEpoch()
		}
		b.cmds = append(b.cmds, cmd)
		i = len(b.cmds) - 1
		b.index[key] = i
	}
	b.cmds[i].BucketNumbers = append(b.cmds[i].BucketNumbers, int32(bucket))
	return b.cmds[i].Epoch
}

func (b *batcher) commands() []Command {
	return b.cmds
}
