package pipeline

import (
	"context"
	"sync"

	"github.com/mikey/phishguard/internal/metrics"
)

// job is a queued task together with the raw email it analyses. The bytes
// live only in memory and are released once the task is processed.
type job struct {
	id   string
	data []byte
}

// jobQueue is an unbounded FIFO shared by the worker pool. It also
// remembers which ids it holds until a worker has taken ownership, so the
// orphan sweep can tell a waiting job from one lost in a restart.
type jobQueue struct {
	mu      sync.Mutex
	items   []job
	pending map[string]struct{}
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		pending: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *jobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends a job; it reports false once the queue is closed
func (q *jobQueue) push(j job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, j)
	q.pending[j.id] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	q.signal()
	return true
}

// release forgets id once a worker owns it. Popped jobs stay pending until
// then.
func (q *jobQueue) release(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// holds reports whether id was pushed and no worker has released it
func (q *jobQueue) holds(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

// pop blocks until a job is available, the queue is closed, or ctx ends
func (q *jobQueue) pop(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = job{}
			q.items = q.items[1:]
			remaining := len(q.items)
			metrics.QueueDepth.Set(float64(remaining))
			q.mu.Unlock()

			// Pass the wakeup on so idle workers see the rest
			if remaining > 0 {
				q.signal()
			}
			return j, true
		}
		if q.closed {
			q.mu.Unlock()
			return job{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

// close stops accepting jobs and returns the ones nobody picked up
func (q *jobQueue) close() []job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)

	drained := q.items
	q.items = nil
	q.pending = make(map[string]struct{})
	metrics.QueueDepth.Set(0)
	return drained
}

func (q *jobQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
