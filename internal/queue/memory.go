package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for single-node runs and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []Job
	delayed delayedHeap
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	if delay <= 0 {
		q.ready = append(q.ready, job)
		return nil
	}
	heap.Push(&q.delayed, delayedJob{job: job, readyAt: now.Add(delay)})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return Job{}, ErrEmpty
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	return job, nil
}

func (q *MemoryQueue) PromoteDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		dj := heap.Pop(&q.delayed).(delayedJob)
		q.ready = append(q.ready, dj.job)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed.Len(), nil
}

// Delayed returns the pending delayed jobs ordered by ready time.
func (q *MemoryQueue) Delayed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(delayedHeap, len(q.delayed))
	copy(cp, q.delayed)

	out := make([]Job, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(delayedJob).job)
	}
	return out
}

type delayedJob struct {
	job     Job
	readyAt time.Time
}

type delayedHeap []delayedJob

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(delayedJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
