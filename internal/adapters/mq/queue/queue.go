// Package queue provides the buffered hand-off between score ingestion
// and the background dispatch workers.
//
// Enqueue never blocks the caller. A full queue drops the score and the
// drop is visible in metrics only.
package queue

import (
	"context"
	"sync"

	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/pkg/metrics"
)

const defaultCapacity = 10000

// Score is the payload type flowing through the queue.
type Score = model.Score

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a score to the queue.
	// Returns false if the queue is full or closed.
	Enqueue(ctx context.Context, s Score) bool

	// Dequeue returns a channel that will receive scores as they become
	// available. The channel is closed when the queue is closed.
	Dequeue(ctx context.Context) <-chan Score

	// Len returns the current number of queued scores.
	Len(ctx context.Context) int

	// Close shuts down the queue. After closing, no new scores can be
	// enqueued and the dequeue channel drains then closes.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	scores   chan Score
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultCapacity,
	}

	for _, opt := range opts {
		opt(q)
	}

	q.scores = make(chan Score, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0.0)

	return q
}

// Enqueue adds a score to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, s Score) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		return false
	}

	select {
	case q.scores <- s:
		q.publishSize(len(q.scores))
		return true
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError()
		return false
	default:
		metrics.RecordQueueEnqueueError()
		return false // queue is full
	}
}

// Dequeue returns a channel that will receive scores as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Score {
	out := make(chan Score)
	go func() {
		defer close(out)
		for s := range q.scores {
			select {
			case out <- s:
				q.publishSize(len(q.scores))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued scores.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	size := len(q.scores)
	q.publishSize(size)
	return size
}

// Close shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil // already closed
	}

	close(q.scores)
	q.closed = true

	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *InMemoryQueue) publishSize(size int) {
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}
