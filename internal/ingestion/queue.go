package ingestion

import (
	"context"
	"time"
)

// Queue is the single buffering point of the pipeline: a fixed-capacity MPMC
// FIFO over a buffered channel with tail-drop on overflow. Head-drop is
// deliberately not offered; evicting old entries would orphan
// test_start/test_end pairs already observed.
//
// Capacity is fixed for the process lifetime; queue.max_size is a
// restart-required setting.
type Queue struct {
	ch       chan *Event
	capacity int
}

// NewQueue creates a queue with the given hard capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:       make(chan *Event, capacity),
		capacity: capacity,
	}
}

// TryPut enqueues without blocking. Returns false when the queue is full;
// the caller owns the drop accounting.
func (q *Queue) TryPut(ev *Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Get blocks up to timeout for an event. Returns (nil, false) on timeout or
// context cancellation so workers can check shutdown between waits.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-q.ch:
		return ev, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// TryGet drains without waiting. Used by workers to top up a batch and by the
// shutdown flush.
func (q *Queue) TryGet() (*Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return nil, false
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the hard capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Utilization returns the fill ratio in [0,1].
func (q *Queue) Utilization() float64 {
	if q.capacity == 0 {
		return 0
	}

	return float64(len(q.ch)) / float64(q.capacity)
}
