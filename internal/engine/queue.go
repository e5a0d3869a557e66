package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO of outgoing messages with a drop-oldest overflow
// policy: pushing into a full queue evicts the oldest queued message, so the
// newest message is always admitted.
type Queue struct {
	mu      sync.Mutex
	buf     []Message
	head    int
	size    int
	closed  bool
	dropped uint64
	notify  chan struct{}
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]Message, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends m. It returns false when an older message had to be evicted
// to make room. Pushing to a closed queue is a no-op.
func (q *Queue) Push(m Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	admitted := true
	if q.size == len(q.buf) {
		q.buf[q.head] = Message{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		admitted = false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = m
	q.size++
	q.mu.Unlock()

	q.signal()
	return admitted
}

// TryPop removes the oldest message without waiting.
func (q *Queue) TryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Message{}, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return m, true
}

// Pop waits for the oldest message. It returns ErrQueueClosed when the queue
// is closed and empty, or ctx.Err() once ctx is done.
func (q *Queue) Pop(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if m, ok := q.TryPop(); ok {
			return m, nil
		}
		q.mu.Lock()
		closed := q.closed && q.size == 0
		q.mu.Unlock()
		if closed {
			return Message{}, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close stops admission. Queued messages remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped reports how many messages were evicted by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
