// Package queue hands work from the ingestion loop to the scoring workers.
//
// Enqueue blocks while the queue is full so a large page of events applies
// backpressure to the fetcher instead of being dropped.
package queue

import (
	"context"
	"sync"

	"github.com/okian/iuuwatch/pkg/metrics"
)

const defaultQueueCapacity = 1024

// Queue is a bounded FIFO with blocking enqueue and channel-based dequeue.
type Queue[T any] interface {
	// Enqueue blocks until the item is buffered, ctx is done, or the queue
	// is closed.
	Enqueue(ctx context.Context, item T) error

	// Dequeue returns the receive side. It is closed after Close once the
	// buffered items have been drained.
	Dequeue() <-chan T

	// Len returns the number of buffered items.
	Len() int

	// Close stops accepting items. Buffered items remain readable.
	Close() error
}

// InMemoryQueue implements Queue with a buffered channel.
type InMemoryQueue[T any] struct {
	items    chan T
	capacity int
	name     string

	// mu guards closed; senders hold the read side so Close never races a
	// send on a closed channel.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryQueue creates a queue.
func NewInMemoryQueue[T any](opts ...Option) *InMemoryQueue[T] {
	c := config{capacity: defaultQueueCapacity, name: "queue"}
	for _, opt := range opts {
		opt(&c)
	}

	q := &InMemoryQueue[T]{
		items:    make(chan T, c.capacity),
		capacity: c.capacity,
		name:     c.name,
		done:     make(chan struct{}),
	}

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)

	return q
}

// Enqueue implements Queue.
func (q *InMemoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		return ErrClosed
	}

	select {
	case q.items <- item:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.items))
		return nil
	case <-q.done:
		metrics.RecordQueueEnqueueError()
		return ErrClosed
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError()
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *InMemoryQueue[T]) Dequeue() <-chan T {
	return q.items
}

// MarkDequeued updates depth metrics after a consumer takes an item.
func (q *InMemoryQueue[T]) MarkDequeued() {
	metrics.RecordQueueDequeue()
	metrics.UpdateQueueSize(len(q.items))
}

// Len implements Queue.
func (q *InMemoryQueue[T]) Len() int {
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *InMemoryQueue[T]) Cap() int {
	return q.capacity
}

// Close implements Queue. It is safe to call more than once.
func (q *InMemoryQueue[T]) Close() error {
	// Wake blocked senders first; they release the read lock on done.
	q.mu.RLock()
	already := q.closed
	q.mu.RUnlock()
	if already {
		return nil
	}

	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.items)
	return nil
}

// IsClosed reports whether Close has been called.
func (q *InMemoryQueue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
