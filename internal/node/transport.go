package node

import (
	"context"
	"strings"
	"time"

	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/coordinator"
)

// Endpoint paths served by nodes and the coordinator for the transfer protocol.
const (
	ReceivePath  = "/transfers/receive"
	CompletePath = "/transfers/complete"
	RejectPath   = "/transfers/reject"
)

// TransferPayload carries the serialized buckets of a begun transfer from the
// current owner to the new owner. Buckets[i] holds BucketNumbers[i].
type TransferPayload struct {
	coordinator.Transfer
	Buckets [][]byte `json:"buckets"`
}

// Size returns the number of encoded bytes carried.
func (p TransferPayload) Size() int {
	n := 0
	for _, b := range p.Buckets {
		n += len(b)
	}
	return n
}

// Transport moves bucket data between nodes and reports transfer outcomes to
// the coordinator.
type Transport interface {
	Ship(ctx context.Context, to coordinator.Address, p TransferPayload) error
	Announce(ctx context.Context, a coordinator.Announcement) error
}

// HTTPTransport is the JSON over HTTP Transport.
type HTTPTransport struct {
	coordinator string
	maxElapsed  time.Duration
}

// NewHTTPTransport returns a transport reporting to the coordinator at
// coordinatorURL. Each call is retried for at most maxElapsed.
func NewHTTPTransport(coordinatorURL string, maxElapsed time.Duration) *HTTPTransport {
	return &HTTPTransport{
		coordinator: strings.TrimRight(coordinatorURL, "/"),
		maxElapsed:  maxElapsed,
	}
}

// Ship posts the payload to the new owner.
func (t *HTTPTransport) Ship(ctx context.Context, to coordinator.Address, p TransferPayload) error {
	url := strings.TrimRight(string(to), "/") + ReceivePath
	return cluster.PostJSONRetry(ctx, url, p, nil, cluster.NewBackOff(t.maxElapsed))
}

// Announce posts a completion or a rejection to the coordinator.
func (t *HTTPTransport) Announce(ctx context.Context, a coordinator.Announcement) error {
	path := CompletePath
	if a.Kind == coordinator.AnnouncementTransferRejected {
		path = RejectPath
	}
	return cluster.PostJSONRetry(ctx, t.coordinator+path, a, nil, cluster.NewBackOff(t.maxElapsed))
}
