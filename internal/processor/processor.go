// Package processor provides the single-threaded cache processor.
//
// Every mutation of a cache's ownership table or of its buckets on a node runs
// as a task on one Processor. Tasks execute one at a time in submission order,
// so the code they call needs no locking of its own.
package processor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when a task is submitted to a processor that is not running.
var ErrStopped = errors.New("processor stopped")

// Processor runs submitted tasks sequentially on a single goroutine.
type Processor struct {
	logger  *zap.Logger
	tasks   chan func()
	done    chan struct{}
	name    string
	stopped bool
	mu      sync.RWMutex
}

// New creates a processor with a bounded task queue. Run must be called to start it.
func New(name string, queueSize int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		name:   name,
		logger: logger.Named("processor").With(zap.String("processor", name)),
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that point are dropped.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)
	p.logger.Debug("processor started")
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			p.logger.Debug("processor stopped")
			return
		case task := <-p.tasks:
			p.execute(task)
		}
	}
}

// Done is closed once Run has returned.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Submit enqueues a task without waiting for it to run.
func (p *Processor) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do enqueues a task and blocks the caller, never the processor, until it has run.
func (p *Processor) Do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := p.Submit(ctx, func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-p.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
