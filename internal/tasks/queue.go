package tasks

import (
	"context"
	"sync"
	"time"
)

// Queue is a durable work queue with explicit acknowledgement. Claim blocks
// up to its poll timeout and returns a nil job when nothing arrived. A
// claimed job that is never acked stays claimed until Recover.
type Queue interface {
	Publish(ctx context.Context, job *Job) error
	Claim(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Nack returns a claimed job to the queue.
	Nack(ctx context.Context, job *Job) error
	// Recover requeues jobs claimed by workers that are gone.
	Recover(ctx context.Context) (int, error)
}

type MemoryQueue struct {
	mu         sync.Mutex
	pending    []*Job
	processing map[string]*Job
	notify     chan struct{}
	poll       time.Duration
}

func NewMemoryQueue(poll time.Duration) *MemoryQueue {
	if poll <= 0 {
		poll = time.Second
	}
	return &MemoryQueue{
		processing: make(map[string]*Job),
		notify:     make(chan struct{}, 1),
		poll:       poll,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, job *Job) error {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) take() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[job.TaskID] = job
	if len(q.pending) > 0 {
		q.signal()
	}
	return job
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Job, error) {
	if job := q.take(); job != nil {
		return job, nil
	}

	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return q.take(), nil
	case <-q.notify:
		return q.take(), nil
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.TaskID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	delete(q.processing, job.TaskID)
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.processing)
	for id, job := range q.processing {
		q.pending = append(q.pending, job)
		delete(q.processing, id)
	}
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}

// Len reports pending and claimed job counts.
func (q *MemoryQueue) Len() (pending, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.processing)
}
