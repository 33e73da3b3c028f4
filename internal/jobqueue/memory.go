package jobqueue

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryCapacity = 1024

// MemoryQueue is a bounded in-process queue for single-instance setups and
// tests. Jobs do not survive a restart.
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}

	mu     sync.Mutex
	closed bool
	dead   []Job
}

// NewMemoryQueue creates a queue holding at most capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name string, args any) error {
	job, err := newJob(name, args)
	if err != nil {
		return err
	}
	return q.Push(ctx, job)
}

func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (Job, error) {
	// Drain what is already queued even after Close.
	select {
	case job := <-q.jobs:
		return job, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-t.C:
		return Job{}, ErrNoJob
	}
}

func (q *MemoryQueue) DeadLetter(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, job)
	return nil
}

// DeadLetters returns a copy of every dead-lettered job.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
