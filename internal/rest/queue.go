package rest

import (
	"fmt"
	"sync"
	"time"

	"github.com/denord/denord/internal/metrics"
)

// Queue serializes work for a single rate-limit bucket. Tasks run strictly in
// submission order, one at a time. Before each task the queue waits out an
// exhausted bucket until its reset time.
//
// The exported fields must be set before the first Submit.
type Queue struct {
	Clock      func() time.Time
	Sleep      func(time.Duration)
	OnThrottle func(wait time.Duration)

	mu      sync.Mutex
	pending []func()
	running bool
	limit   RateLimit
}

// NewQueue returns an empty, unconstrained queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Future is the eventual result of a task submitted to a Queue.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the task has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task settles and returns its result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Submit appends work to the queue. A failing or panicking task settles only
// its own future; later tasks still run.
func Submit[T any](q *Queue, work func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	q.push(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				metrics.RecordPanic("rest_queue")
				f.err = fmt.Errorf("rest: queued task panicked: %v", r)
			}
		}()
		f.value, f.err = work()
	})
	return f
}

// RateLimit returns the bucket state last reported by the server.
func (q *Queue) RateLimit() RateLimit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// SetRateLimit overwrites the bucket state. Called from inside a running task
// so the next task observes the freshest response.
func (q *Queue) SetRateLimit(limit RateLimit) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// Len returns the number of tasks waiting to run, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) push(task func()) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go q.run()
	}
}

// run drains the queue and exits once it is empty; push starts a new runner
// on demand.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		wait := q.limit.Delay(q.now())
		q.mu.Unlock()

		if wait > 0 {
			if q.OnThrottle != nil {
				q.OnThrottle(wait)
			}
			q.sleep(wait)
		}
		next()
	}
}

func (q *Queue) now() time.Time {
	if q.Clock != nil {
		return q.Clock()
	}
	return time.Now().UTC()
}

func (q *Queue) sleep(d time.Duration) {
	if q.Sleep != nil {
		q.Sleep(d)
		return
	}
	time.Sleep(d)
}
