// Package ingestion consumes raw bus messages through a bounded queue,
// batches them, and drives conformance checking and grouped writes to the
// persistent stores.
package ingestion

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-curation/pkg/types"
)

// Queue is the bounded hand-off between the transport receive path and the
// batch worker. Enqueue never blocks: when the queue is full the message is
// shed and counted, deliberately favouring delivery of newer data over
// backpressuring the bus subscriber. Multiple producers are safe; the batch
// worker is the single consumer.
type Queue struct {
	mu     sync.Mutex
	closed bool
	ch     chan types.RawMessage

	dropped atomic.Int64
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &Queue{ch: make(chan types.RawMessage, capacity)}, nil
}

// TryEnqueue offers one message without blocking. Reports whether the
// message was accepted; a full or closed queue sheds it and increments the
// drop counter.
func (q *Queue) TryEnqueue(msg types.RawMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- msg:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Messages returns the consuming channel. After Close, reads drain the
// remaining buffered messages and then report closed.
func (q *Queue) Messages() <-chan types.RawMessage {
	return q.ch
}

// Close stops intake. Already-queued messages stay readable so the worker
// can drain them during shutdown. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Capacity reports the configured bound.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Dropped reports how many messages were shed because the queue was full or
// closed.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
