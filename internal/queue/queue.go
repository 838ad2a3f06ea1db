// Package queue: bounded drop-oldest FIFO between command producers and a
// transport's physical write cadence.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultCapacity of a transport write queue.
const DefaultCapacity = 100

// Stats: monotonic counters (reset only via ResetMetrics).
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// WriteFunc performs one physical write; false counts as failed.
type WriteFunc[T any] func(item T) bool

// Queue is safe for concurrent producers; at most one drain loop runs.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	stats    Stats
	notify   chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	log *zap.Logger
}

// New returns an empty queue; capacity < 0 treated as 0 (every enqueue fails).
func New[T any](capacity int, log *zap.Logger) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue[T]{
		capacity: capacity,
		items:    make([]T, 0, capacity),
		notify:   make(chan struct{}, 1),
		log:      log,
	}
}

// Enqueue appends item. When full the oldest item is dropped to make room;
// false only if no room can be made.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	if q.capacity == 0 {
		q.stats.Dropped++
		q.mu.Unlock()
		q.log.Warn("write queue has no capacity, dropping item")
		return false
	}
	overflow := len(q.items) >= q.capacity
	if overflow {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.stats.Dropped++
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	dropped := q.stats.Dropped
	q.mu.Unlock()

	if overflow {
		q.log.Warn("write queue overflow, dropped oldest",
			zap.Int("depth", depth),
			zap.Uint64("dropped_total", dropped))
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue[T]) dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Start launches the drain loop, cancelling any previous one first.
// write must not call Stop/Start on the same queue.
func (q *Queue[T]) Start(write WriteFunc[T], writeDelay, initialDelay time.Duration) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	q.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	q.cancel = cancel
	q.done = done
	go q.drain(ctx, done, write, writeDelay, initialDelay)
}

// Stop cancels the drain loop and waits for it to exit. Queued items stay.
func (q *Queue[T]) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	q.stopLocked()
}

func (q *Queue[T]) stopLocked() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil
}

// Running true while a drain loop is active.
func (q *Queue[T]) Running() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.cancel != nil
}

func (q *Queue[T]) drain(ctx context.Context, done chan struct{}, write WriteFunc[T], writeDelay, initialDelay time.Duration) {
	defer close(done)
	if initialDelay > 0 {
		t := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	limit := rate.Inf
	if writeDelay > 0 {
		limit = rate.Every(writeDelay)
	}
	limiter := rate.NewLimiter(limit, 1)
	for {
		if q.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		item, ok := q.dequeue()
		if !ok {
			continue
		}
		ok = write(item)
		q.mu.Lock()
		if ok {
			q.stats.Sent++
		} else {
			q.stats.Failed++
		}
		q.mu.Unlock()
	}
}

// Direct writes item now, outside the FIFO, counting it like a drained
// item. Used for frames that must not wait behind queued commands.
func (q *Queue[T]) Direct(item T, write WriteFunc[T]) bool {
	ok := write(item)
	q.mu.Lock()
	if ok {
		q.stats.Sent++
	} else {
		q.stats.Failed++
	}
	q.mu.Unlock()
	return ok
}

// MarkDropped counts an item the caller discarded before enqueueing
// (e.g. link down).
func (q *Queue[T]) MarkDropped() {
	q.mu.Lock()
	q.stats.Dropped++
	q.mu.Unlock()
}

// Clear empties the queue; counters untouched.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
}

// ResetMetrics zeroes counters; contents untouched.
func (q *Queue[T]) ResetMetrics() {
	q.mu.Lock()
	q.stats = Stats{}
	q.mu.Unlock()
}

// Stats returns a counter snapshot.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Len returns queued item count.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue[T]) Capacity() int { return q.capacity }

// Snapshot returns queued items oldest first (copy).
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
