// Package queue implements the bounded dispatch queue that decouples CAN
// ingestion from the control loop.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// ErrQueueFull is returned by Push when the queue is at capacity. The frame is
// not stored; the refusal is counted.
var ErrQueueFull = errors.New("dispatch queue full")

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

// Queue is a fixed-capacity FIFO ring of frames. Pushes from bus ingestion
// goroutines and the command engine may race with the control loop's Pop, so
// every access goes through one mutex.
type Queue struct {
	mu    sync.Mutex
	buf   []can.Frame
	head  int // next pop position
	count int

	dropped atomic.Uint64
}

// New creates a queue holding at most capacity frames.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{buf: make([]can.Frame, capacity)}
}

// Push appends fr. When the queue is full the new frame is rejected with
// ErrQueueFull; frames already queued are never displaced.
func (q *Queue) Push(fr can.Frame) error {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.mu.Unlock()
		q.dropped.Add(1)
		metrics.IncQueueDrop()
		return ErrQueueFull
	}
	q.buf[(q.head+q.count)%len(q.buf)] = fr
	q.count++
	metrics.SetQueueDepth(q.count)
	q.mu.Unlock()
	return nil
}

// Pop removes and returns the oldest frame.
func (q *Queue) Pop() (can.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return can.Frame{}, false
	}
	fr := q.buf[q.head]
	q.buf[q.head] = can.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	metrics.SetQueueDepth(q.count)
	return fr, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { q.mu.Lock(); n := q.count; q.mu.Unlock(); return n }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many pushes were refused since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
