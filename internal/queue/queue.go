// Package queue buffers admitted notifications between the event sources
// and the relay workers.
package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/agentworkforce/linearsync/internal/notify"
)

const defaultCapacity = 1024

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrFull           = errors.New("queue is full")
)

type Queue interface {
	TryEnqueue(n notify.Notification) bool
	Enqueue(ctx context.Context, n notify.Notification) bool
	Dequeue(ctx context.Context) (notify.Notification, bool)
	Depth() int
	Capacity() int
	Close() error
}

// ReadyChecker is implemented by backends that depend on an external
// service and can verify it is reachable.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// Offerer is implemented by backends whose enqueue can fail for reasons
// other than a full queue.
type Offerer interface {
	Offer(n notify.Notification) error
}

// Ready checks the backend behind q. Backends without external
// dependencies are always ready.
func Ready(ctx context.Context, q Queue) error {
	if checker, ok := q.(ReadyChecker); ok {
		return checker.Ready(ctx)
	}
	return nil
}

// Offer enqueues n without blocking. It returns ErrFull when the queue has
// no room, ErrInvalidInput when n lacks a channel or timestamp, and the
// backend's error when the backend itself failed.
func Offer(q Queue, n notify.Notification) error {
	if offerer, ok := q.(Offerer); ok {
		return offerer.Offer(n)
	}
	if !queueable(n) {
		return ErrInvalidInput
	}
	if !q.TryEnqueue(n) {
		return ErrFull
	}
	return nil
}

func queueable(n notify.Notification) bool {
	return strings.TrimSpace(n.ChannelID) != "" && strings.TrimSpace(n.Timestamp) != ""
}

type inMemoryQueue struct {
	ch chan notify.Notification
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &inMemoryQueue{
		ch: make(chan notify.Notification, capacity),
	}
}

func (q *inMemoryQueue) TryEnqueue(n notify.Notification) bool {
	if q == nil || !queueable(n) {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, n notify.Notification) bool {
	if q == nil || !queueable(n) {
		return false
	}
	select {
	case q.ch <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (notify.Notification, bool) {
	if q == nil {
		return notify.Notification{}, false
	}
	select {
	case n := <-q.ch:
		return n, true
	case <-ctx.Done():
		return notify.Notification{}, false
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}
