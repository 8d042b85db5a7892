// Package metrics defines the Prometheus collectors of the coordinator and the nodes.
// Collectors are registered on an injected registerer so tests can use a fresh
// prometheus.NewRegistry().
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bucketcache"

// Coordinator holds the coordinator collectors.
type Coordinator struct {
	// CommandBuckets counts bucket numbers per emitted command kind.
	CommandBuckets   *prometheus.CounterVec
	Repartitions     prometheus.Counter
	Announcements    *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	OwnedBuckets     *prometheus.GaugeVec
	PendingBuckets   prometheus.Gauge
	Owners           prometheus.Gauge
	// RouteRetries counts data requests sent again after the owner refused them.
	RouteRetries prometheus.Counter
	// Replications counts writes copied to replica owners, by result.
	Replications *prometheus.CounterVec
}

// NewCoordinator registers the coordinator collectors on reg.
func NewCoordinator(reg prometheus.Registerer) *Coordinator {
	f := promauto.With(reg)
	return &Coordinator{
		CommandBuckets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "command_buckets_total",
			Help:      "Bucket numbers carried by emitted transfer commands, by command kind.",
		}, []string{"kind"}),
		Repartitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "repartitions_total",
			Help:      "Repartition passes run.",
		}),
		Announcements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "announcements_total",
			Help:      "Transfer announcements received from nodes, by kind and result.",
		}, []string{"kind", "result"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "delivery_failures_total",
			Help:      "Commands that could not be delivered to a node, by command kind.",
		}, []string{"kind"}),
		OwnedBuckets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "owned_buckets",
			Help:      "Buckets owned per owner and storage number.",
		}, []string{"owner", "storage"}),
		PendingBuckets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "pending_transfer_buckets",
			Help:      "Slots with an in-flight transfer.",
		}),
		Owners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "bucket_owners",
			Help:      "Registered bucket owners.",
		}),
		RouteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "route_retries_total",
			Help:      "Data requests retried against a re-resolved owner.",
		}),
		Replications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "replications_total",
			Help:      "Writes copied to replica owners, by result.",
		}, []string{"result"}),
	}
}

// SetOwned replaces the owned bucket gauges with counts[storage][owner].
func (c *Coordinator) SetOwned(counts []map[string]int) {
	c.OwnedBuckets.Reset()
	for storage, byOwner := range counts {
		for owner, n := range byOwner {
			c.OwnedBuckets.WithLabelValues(owner, strconv.Itoa(storage)).Set(float64(n))
		}
	}
}

type Node struct {
	Operations      *prometheus.CounterVec
	LeaseRejections prometheus.Counter
	Buckets         *prometheus.GaugeVec
	TransferBytes   *prometheus.CounterVec
	Evictions       prometheus.Counter
}

func NewNode(reg prometheus.Registerer) *Node {
	f := promauto.With(reg)
	return &Node{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "operations_total",
			Help:      "Bucket operations, by operation and result.",
		}, []string{"op", "result"}),
		LeaseRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "lease_rejections_total",
			Help:      "Writes refused because the bucket lease had expired.",
		}),
		Buckets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "buckets",
			Help:      "Local buckets, by state.",
		}, []string{"state"}),
		TransferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "transfer_bytes_total",
			Help:      "Encoded bucket bytes shipped or received.",
		}, []string{"direction"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "expired_evictions_total",
			Help:      "Entries dropped by the expiration sweep.",
		}),
	}
}
