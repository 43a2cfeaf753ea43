package transport

import (
	"fmt"
	"sync"
)

// DefaultQueueDepth bounds the number of packets waiting for Update.
const DefaultQueueDepth = 256

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

func getBuffer(p []byte) *[]byte {
	b := bufferPool.Get().(*[]byte)
	*b = append((*b)[:0], p...)
	return b
}

func putBuffer(b *[]byte) {
	// Keep oversized one-off buffers out of the pool.
	if cap(*b) > 64*1024 {
		return
	}
	*b = (*b)[:0]
	bufferPool.Put(b)
}

// sendQueue is a bounded FIFO of pooled packet copies. push may be called from
// any goroutine; drain is called by the owning transport's Update.
type sendQueue struct {
	mu      sync.Mutex
	depth   int
	pending []*[]byte
	spare   []*[]byte
}

func newSendQueue(depth int) *sendQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &sendQueue{depth: depth}
}

// push copies p into a pooled buffer and enqueues it.
func (q *sendQueue) push(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.depth {
		return fmt.Errorf("%w: %d packets waiting", ErrQueueFull, len(q.pending))
	}
	q.pending = append(q.pending, getBuffer(p))
	return nil
}

// drain writes every queued packet in order. Each buffer goes back to the
// pool once written. On the first write error the failed packet is dropped,
// the rest stay queued and the error is returned along with the number of
// packets written.
func (q *sendQueue) drain(write func([]byte) error) (int, error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()

	sent := 0
	var err error
	for i, b := range batch {
		err = write(*b)
		putBuffer(b)
		batch[i] = nil
		if err != nil {
			q.requeue(batch[i+1:])
			break
		}
		sent++
	}

	clear(batch)
	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()
	return sent, err
}

// requeue puts unsent packets back at the head of the queue.
func (q *sendQueue) requeue(rest []*[]byte) {
	if len(rest) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*[]byte, 0, len(rest)+len(q.pending))
	merged = append(merged, rest...)
	merged = append(merged, q.pending...)
	q.pending = merged
}

// release drops every queued packet and returns its buffer to the pool.
func (q *sendQueue) release() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	for _, b := range q.pending {
		putBuffer(b)
	}
	clear(q.pending)
	q.pending = q.pending[:0]
	return n
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
