package audio

import (
	"sync"
	"sync/atomic"
)

// Queue is a bounded chunk queue with drop-oldest overflow. When the
// consumer lags, the oldest unsent chunk is discarded rather than blocking
// the producer: stale audio degrades transcription more than a small gap.
type Queue struct {
	ch      chan []byte
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan []byte, capacity)}
}

// Push enqueues a copy of chunk. It never blocks: if the queue is full the
// oldest chunk is dropped to make room. Returns false once the queue is
// closed.
func (q *Queue) Push(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	data := make([]byte, len(chunk))
	copy(data, chunk)

	select {
	case q.ch <- data:
	default:
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
		q.ch <- data
	}
	return true
}

// C is the consumer side. It is closed by Close after the last chunk.
func (q *Queue) C() <-chan []byte {
	return q.ch
}

// Dropped reports how many chunks were discarded to keep the queue fresh.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
