// Package worker runs extraction jobs: it pulls descriptors off a
// queue, drives each through the extract/package/upload stages, and
// records outcomes in the job store.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/jobstore"
)

// Ack settles a dequeued job. Exactly one of Ack or Nack must be
// called per delivery; Nack hands the job back for redelivery after
// the given delay with its attempt counter advanced.
type Ack interface {
	Ack()
	Nack(delay time.Duration)
}

// Queue delivers jobs with at-least-once semantics. A job that is
// neither acked nor nacked before the worker dies is redelivered by
// the queue's own timeout, so coordinators must tolerate duplicates.
type Queue interface {
	Dequeue(ctx context.Context) (*jobstore.JobDescriptor, Ack, error)
}

// MemoryQueue is an in-process Queue for tests and single-node use.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   chan *jobstore.JobDescriptor
	closed bool
}

// NewMemoryQueue creates a MemoryQueue holding up to size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{jobs: make(chan *jobstore.JobDescriptor, size)}
}

// Enqueue adds a job for delivery.
func (q *MemoryQueue) Enqueue(job *jobstore.JobDescriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New(errors.ErrorTypeInternal, "queue is closed")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return errors.New(errors.ErrorTypeInternal, "queue is full")
	}
}

// Dequeue implements Queue. It blocks until a job arrives or the
// context ends.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*jobstore.JobDescriptor, Ack, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case job, ok := <-q.jobs:
		if !ok {
			return nil, nil, errors.New(errors.ErrorTypeInternal, "queue is closed")
		}
		return job, &memoryAck{queue: q, job: job}, nil
	}
}

// Len reports the number of undelivered jobs, for tests.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close stops the queue; pending jobs are dropped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

type memoryAck struct {
	queue *MemoryQueue
	job   *jobstore.JobDescriptor
	once  sync.Once
}

func (a *memoryAck) Ack() {
	a.once.Do(func() {})
}

func (a *memoryAck) Nack(delay time.Duration) {
	a.once.Do(func() {
		redelivered := *a.job
		redelivered.Attempt++
		if delay <= 0 {
			a.queue.Enqueue(&redelivered) //nolint:errcheck
			return
		}
		time.AfterFunc(delay, func() {
			a.queue.Enqueue(&redelivered) //nolint:errcheck
		})
	})
}
