package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/linearsync/internal/notify"
	"github.com/agentworkforce/linearsync/internal/queue"
)

type recordingHandler struct {
	mu      sync.Mutex
	seen    []string
	release chan struct{}
	started chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, n notify.Notification) Outcome {
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return OutcomeLinkFailed
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, n.Timestamp)
	h.mu.Unlock()
	return OutcomeLinked
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newTestDispatcher(t *testing.T, q queue.Queue, h Handler, workers int) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{
		Queue:     q,
		Handler:   h,
		Allowlist: notify.NewAllowlist([]string{"B_LINEAR"}),
		Workers:   workers,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	return d
}

func notificationAt(sender, ts string) notify.Notification {
	return notify.Notification{SenderID: sender, ChannelID: "C1", Timestamp: ts}
}

func TestDispatcherHandlesSubmittedNotifications(t *testing.T) {
	handler := &recordingHandler{}
	d := newTestDispatcher(t, queue.NewInMemoryQueue(16), handler, 3)
	d.Start()

	for _, ts := range []string{"1.1", "1.2", "1.3", "1.4"} {
		require.NoError(t, d.Submit(notificationAt("B_LINEAR", ts)))
	}
	require.Eventually(t, func() bool { return handler.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4), d.Handled())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func TestDispatcherDropsIneligibleBeforeQueueing(t *testing.T) {
	q := queue.NewInMemoryQueue(4)
	d := newTestDispatcher(t, q, &recordingHandler{}, 1)

	require.NoError(t, d.Submit(notificationAt("B_OTHER", "1.1")))
	assert.Equal(t, 0, q.Depth())
}

func TestDispatcherReportsFullQueue(t *testing.T) {
	d := newTestDispatcher(t, queue.NewInMemoryQueue(1), &recordingHandler{}, 1)

	require.NoError(t, d.Submit(notificationAt("B_LINEAR", "1.1")))
	assert.ErrorIs(t, d.Submit(notificationAt("B_LINEAR", "1.2")), ErrQueueFull)
	assert.Equal(t, 1, d.Depth())
	assert.Equal(t, 1, d.Capacity())
}

type unavailableQueue struct {
	queue.Queue
	err error
}

func (q unavailableQueue) Offer(notify.Notification) error {
	return q.err
}

func TestDispatcherReportsQueueBackendFailure(t *testing.T) {
	backendErr := errors.New("dial tcp 127.0.0.1:1: connection refused")
	d := newTestDispatcher(t, unavailableQueue{Queue: queue.NewInMemoryQueue(4), err: backendErr}, &recordingHandler{}, 1)

	err := d.Submit(notificationAt("B_LINEAR", "1.1"))
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.ErrorIs(t, err, backendErr)
	assert.NotErrorIs(t, err, ErrQueueFull)
}

func TestDispatcherRejectsUnkeyedNotification(t *testing.T) {
	q := queue.NewInMemoryQueue(4)
	d := newTestDispatcher(t, q, &recordingHandler{}, 1)

	assert.ErrorIs(t, d.Submit(notify.Notification{SenderID: "B_LINEAR", ChannelID: "C1"}), ErrInvalidInput)
	assert.Equal(t, 0, q.Depth())
}

func TestDispatcherShutdownWaitsForInFlight(t *testing.T) {
	handler := &recordingHandler{release: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(t, queue.NewInMemoryQueue(4), handler, 1)
	d.Start()
	require.NoError(t, d.Submit(notificationAt("B_LINEAR", "1.1")))
	<-handler.started

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- d.Shutdown(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, d.Submit(notificationAt("B_LINEAR", "1.2")), ErrClosed)
	close(handler.release)

	require.NoError(t, <-errCh)
	assert.Equal(t, 1, handler.count(), "in-flight run completes")
}

func TestDispatcherShutdownTimesOut(t *testing.T) {
	handler := &recordingHandler{release: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(t, queue.NewInMemoryQueue(4), handler, 1)
	d.Start()
	require.NoError(t, d.Submit(notificationAt("B_LINEAR", "1.1")))
	<-handler.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, handler.count(), "timed out run is cancelled")
}

func TestNewDispatcherValidatesOptions(t *testing.T) {
	_, err := NewDispatcher(DispatcherOptions{Handler: &recordingHandler{}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
