package sampler

import (
	"sync"

	"github.com/haulmark/fieldsync/internal/envelope"
)

// sampleQueue is a thread-safe FIFO of retained position fixes.
//
// The queue is unbounded: a long offline stretch enqueues arbitrarily many
// samples without blocking the position callback. It is deliberately not
// durable; a process death loses queued samples, which is acceptable for a
// freshness-over-completeness telemetry stream.
//
// Thread-safety covers external enqueuing (the platform position callback)
// while the flush loop drains. A buffered signal channel of size 1 coalesces
// batch-size notifications so the flush loop can select on it alongside the
// ticker and context.
type sampleQueue struct {
	mu        sync.Mutex
	samples   []envelope.GPSSample
	threshold int
	signal    chan struct{}
}

func newSampleQueue(threshold int) *sampleQueue {
	return &sampleQueue{
		samples:   make([]envelope.GPSSample, 0, 64),
		threshold: threshold,
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue adds a sample to the back of the queue. Crossing the batch-size
// threshold raises the flush signal (non-blocking, coalesced).
func (q *sampleQueue) Enqueue(s envelope.GPSSample) {
	q.mu.Lock()
	q.samples = append(q.samples, s)
	full := len(q.samples) >= q.threshold
	q.mu.Unlock()

	if full {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
}

// PushFront returns a failed batch to the head of the queue, preserving
// temporal order ahead of anything enqueued since the batch was taken.
func (q *sampleQueue) PushFront(batch []envelope.GPSSample) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]envelope.GPSSample, 0, len(batch)+len(q.samples))
	merged = append(merged, batch...)
	merged = append(merged, q.samples...)
	q.samples = merged
}

// TakeAll removes and returns every queued sample.
func (q *sampleQueue) TakeAll() []envelope.GPSSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples) == 0 {
		return nil
	}
	out := q.samples
	q.samples = make([]envelope.GPSSample, 0, 64)
	return out
}

// Len returns the current queue length.
func (q *sampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// Full returns the channel signaled when the queue reaches the batch-size
// threshold.
func (q *sampleQueue) Full() <-chan struct{} {
	return q.signal
}
