package observability

import (
	"sync"
	"time"
)

// DroppedFrame records a frame the pipeline discarded.
type DroppedFrame struct {
	At     time.Time
	ConnID string
	Reason string
	Raw    string
}

// DeadLetterQueue keeps the most recent dropped frames for diagnostics.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	frames   []DroppedFrame
	total    uint64
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.frames = make([]DroppedFrame, 0)
	return queue
}

// Offer records a dropped frame, evicting the oldest when full.
func (q *DeadLetterQueue) Offer(frame DroppedFrame) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total++
	if q.capacity > 0 && len(q.frames) >= q.capacity {
		copy(q.frames[0:], q.frames[1:])
		q.frames[len(q.frames)-1] = frame
		return
	}
	q.frames = append(q.frames, frame)
}

// Drain retrieves and clears all queued frames.
func (q *DeadLetterQueue) Drain() []DroppedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DroppedFrame, len(q.frames))
	copy(drained, q.frames)
	q.frames = q.frames[:0]
	return drained
}

// Len returns the number of queued frames.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Total returns how many frames were ever offered.
func (q *DeadLetterQueue) Total() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
