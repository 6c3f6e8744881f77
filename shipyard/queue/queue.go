// Package queue serializes pipeline runs behind a single worker.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

type Job struct {
	RunID  int64
	Run    func(ctx context.Context) error
	OnFail func(error)
}

type Queue struct {
	jobs    chan Job
	pending atomic.Int64
	current atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewQueue(size int) *Queue {
	return &Queue{
		jobs: make(chan Job, size),
	}
}

// Enqueue never blocks; it reports false when the queue is full or closed.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return true
	default:
		q.pending.Add(-1)
		return false
	}
}

// Pending counts jobs waiting, not the one running.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Current is the run id of the job being executed, or 0.
func (q *Queue) Current() int64 {
	return q.current.Load()
}

// StartRunner runs jobs one at a time until Close. ctx is handed to every
// job; cancelling it aborts the running one.
func (q *Queue) StartRunner(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for job := range q.jobs {
			q.pending.Add(-1)
			q.current.Store(job.RunID)
			if err := job.Run(ctx); err != nil {
				if job.OnFail != nil {
					job.OnFail(err)
				}
			}
			q.current.Store(0)
		}
	}()
}

// Close stops accepting jobs and waits for the queued ones to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
