package queue

import (
	"context"
	"testing"
	"time"

	"github.com/okian/topwatch/internal/domain/model"
)

func score(id, userID uint64, pp float64) model.Score {
	return model.Score{
		ID:      id,
		UserID:  userID,
		Mode:    model.ModeOsu,
		PP:      &pp,
		EndedAt: time.Now(),
	}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	// Test empty queue
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	// Test enqueue
	if !q.Enqueue(ctx, score(1, 100, 250.0)) {
		t.Error("expected enqueue to succeed")
	}

	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	// Test dequeue
	scoreChan := q.Dequeue(ctx)
	s := <-scoreChan
	if s.ID != 1 {
		t.Errorf("expected score 1, got %v", s.ID)
	}

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, score(1, 100, 250.0)) {
		t.Error("expected enqueue to succeed")
	}
	if !q.Enqueue(ctx, score(2, 200, 300.0)) {
		t.Error("expected enqueue to succeed")
	}

	// Try to enqueue when full
	if q.Enqueue(ctx, score(3, 300, 350.0)) {
		t.Error("expected enqueue to fail when full")
	}

	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(100))
	ctx := context.Background()
	numGoroutines := 10
	numScores := 100

	// Start producer goroutines
	done := make(chan bool, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			for j := 0; j < numScores; j++ {
				s := score(uint64(id*numScores+j), uint64(id), float64(j))
				for !q.Enqueue(ctx, s) {
					time.Sleep(time.Millisecond)
				}
			}
			done <- true
		}(i)
	}

	// Start consumer goroutines
	consumed := make(chan uint64, numGoroutines*numScores)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			scoreChan := q.Dequeue(ctx)
			for s := range scoreChan {
				consumed <- s.ID
			}
		}()
	}

	// Wait for producers to finish
	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	// Wait a bit for consumers to process
	time.Sleep(100 * time.Millisecond)

	// Check final queue length
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected final length 0, got %d", l)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	if !q.Enqueue(ctx, score(1, 100, 250.0)) {
		t.Error("expected enqueue to succeed")
	}
	if !q.Enqueue(ctx, score(2, 200, 300.0)) {
		t.Error("expected enqueue to succeed")
	}

	// Check initial state
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}

	// Close the queue
	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}

	// Check closed state
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}

	// Try to enqueue after closing (should fail)
	if q.Enqueue(ctx, score(3, 300, 350.0)) {
		t.Error("expected enqueue to fail after closing")
	}

	// Dequeue channel drains the remaining scores and then closes.
	scoreChan := q.Dequeue(ctx)

	timeout := time.After(100 * time.Millisecond)
	drained := 0
	for {
		select {
		case _, ok := <-scoreChan:
			if !ok {
				if drained != 2 {
					t.Errorf("expected 2 drained scores, got %d", drained)
				}
				goto channelClosed
			}
			drained++
		case <-timeout:
			t.Error("expected dequeue channel to be closed within timeout")
			return
		}
	}
channelClosed:

	// Close again should not error
	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got error: %v", err)
	}
}
