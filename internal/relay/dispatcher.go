package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/linearsync/internal/notify"
	"github.com/agentworkforce/linearsync/internal/queue"
)

var (
	ErrQueueFull        = errors.New("notification queue is full")
	ErrQueueUnavailable = errors.New("notification queue unavailable")
	ErrClosed           = errors.New("dispatcher is closed")
)

type Handler interface {
	Handle(ctx context.Context, n notify.Notification) Outcome
}

type DispatcherOptions struct {
	Queue     queue.Queue
	Handler   Handler
	Allowlist notify.Allowlist
	Workers   int
	Logger    *slog.Logger
}

// Dispatcher feeds queued notifications to a fixed pool of workers. Each
// notification is handled independently; completion order is not defined.
type Dispatcher struct {
	queue   queue.Queue
	handler Handler
	allow   notify.Allowlist
	workers int
	logger  *slog.Logger

	dequeueCtx    context.Context
	cancelDequeue context.CancelFunc
	workCtx       context.Context
	cancelWork    context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	closed    atomic.Bool
	handled   atomic.Int64
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Queue == nil || opts.Handler == nil {
		return nil, ErrInvalidInput
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dequeueCtx, cancelDequeue := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:         opts.Queue,
		handler:       opts.Handler,
		allow:         opts.Allowlist,
		workers:       workers,
		logger:        logger,
		dequeueCtx:    dequeueCtx,
		cancelDequeue: cancelDequeue,
		workCtx:       workCtx,
		cancelWork:    cancelWork,
	}, nil
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Submit queues n for handling without blocking. Notifications from senders
// outside the allow-list are dropped here and never occupy queue space.
func (d *Dispatcher) Submit(n notify.Notification) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.allow.IsEligible(n.SenderID) {
		d.logger.Debug("dropping message from sender outside allow-list", "channel", n.ChannelID, "ts", n.Timestamp, "sender", n.SenderID)
		return nil
	}
	err := queue.Offer(d.queue, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrFull):
		d.logger.Error("notification dropped, queue full", "channel", n.ChannelID, "ts", n.Timestamp, "depth", d.queue.Depth(), "capacity", d.queue.Capacity())
		return ErrQueueFull
	case errors.Is(err, queue.ErrInvalidInput):
		d.logger.Warn("notification dropped, missing channel or ts", "channel", n.ChannelID, "ts", n.Timestamp)
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		d.logger.Error("notification dropped, queue backend failed", "channel", n.ChannelID, "ts", n.Timestamp, "err", err)
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
}

func (d *Dispatcher) Depth() int {
	return d.queue.Depth()
}

func (d *Dispatcher) Capacity() int {
	return d.queue.Capacity()
}

// Handled reports how many notifications the workers have finished.
func (d *Dispatcher) Handled() int64 {
	return d.handled.Load()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		n, ok := d.queue.Dequeue(d.dequeueCtx)
		if !ok {
			return
		}
		outcome := d.handler.Handle(d.workCtx, n)
		d.handled.Add(1)
		d.logger.Debug("notification handled", "channel", n.ChannelID, "ts", n.Timestamp, "outcome", outcome.String())
	}
}

// Shutdown stops accepting work and waits for in-flight runs. When ctx
// expires first, in-flight runs are cancelled and the context error is
// returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		d.cancelDequeue()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancelWork()
		if depth := d.queue.Depth(); depth > 0 {
			d.logger.Warn("notifications left in queue at shutdown", "depth", depth)
		}
		return nil
	case <-ctx.Done():
		d.cancelWork()
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}
