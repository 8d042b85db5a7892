package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/metrics"
)

// CommandsPath is the node endpoint commands are posted to.
const CommandsPath = "/commands"

// DeliverFunc sends one command to one recipient.
type DeliverFunc func(ctx context.Context, to Address, cmd Command) error

// RejectFunc reports a transfer that could not be started.
type RejectFunc func(ctx context.Context, t Transfer, reason string) error

// HTTPDeliver posts commands as JSON to {recipient}/commands, retrying with
// exponential backoff for at most maxElapsed.
func HTTPDeliver(maxElapsed time.Duration) DeliverFunc {
	return func(ctx context.Context, to Address, cmd Command) error {
		url := strings.TrimRight(string(to), "/") + CommandsPath
		return cluster.PostJSONRetry(ctx, url, cmd, nil, cluster.NewBackOff(maxElapsed))
	}
}

// Dispatcher is the EventListener that carries commands to the nodes.
//
// OnCommands only enqueues, so it is safe to call from the coordinator
// processor. Run delivers the queue in FIFO order; a command goes to all its
// recipients concurrently before the next one starts. A begin command the
// source owner never received is reported back through the reject function, so
// the slots do not stay in flight forever.
type Dispatcher struct {
	deliver  DeliverFunc
	reject   RejectFunc
	metrics  *metrics.Coordinator
	logger   *zap.Logger
	wake     chan struct{}
	queue    []Command
	inFlight int
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(deliver DeliverFunc, m *metrics.Coordinator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		deliver: deliver,
		metrics: m,
		logger:  logger.Named("dispatcher"),
		wake:    make(chan struct{}, 1),
	}
}

// OnUndeliverable sets the function called for begin commands that could not
// be delivered.
func (d *Dispatcher) OnUndeliverable(reject RejectFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = reject
}

// OnCommands enqueues cmds.
func (d *Dispatcher) OnCommands(cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, cmds...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of commands queued or being delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) + d.inFlight
}

// Run delivers queued commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.inFlight = len(batch)
		d.mu.Unlock()

		for i, cmd := range batch {
			if ctx.Err() != nil {
				d.logger.Info("dispatcher stopped", zap.Int("dropped", len(batch)-i))
				return
			}
			d.dispatch(ctx, cmd)
			d.mu.Lock()
			d.inFlight--
			d.mu.Unlock()
		}

		select {
		case <-d.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) {
	recipients := cmd.Recipients()
	g, gctx := errgroup.WithContext(ctx)
	for _, to := range recipients {
		g.Go(func() error {
			err := d.deliver(gctx, to, cmd)
			if err != nil {
				d.logger.Warn("command delivery failed",
					zap.Stringer("command", cmd),
					zap.String("recipient", string(to)),
					zap.Error(err),
				)
			}
			return err
		})
	}
	err := g.Wait()
	if err == nil {
		d.logger.Debug("command delivered", zap.Stringer("command", cmd), zap.Int("recipients", len(recipients)))
		return
	}

	if d.metrics != nil {
		d.metrics.DeliveryFailures.WithLabelValues(cmd.Kind.String()).Inc()
	}
	if cmd.Kind != CommandBeginBucketTransfer {
		return
	}

	d.mu.Lock()
	reject := d.reject
	d.mu.Unlock()
	if reject == nil {
		return
	}
	if rerr := reject(ctx, cmd.Transfer, "begin undeliverable: "+err.Error()); rerr != nil {
		d.logger.Warn("synthesized reject failed", zap.Stringer("command", cmd), zap.Error(rerr))
	}
}
