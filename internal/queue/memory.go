package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	job     *Job
	readyAt time.Time
	seq     uint64
}

type jobHeap []*memoryItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any) { *h = append(*h, x.(*memoryItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryQueue is a process-local delay queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu         sync.Mutex
	items      jobHeap
	processing map[string]*Job
	seq        uint64
	closed     bool
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[string]*Job),
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	now := q.now()
	cp := *job
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = now.UTC()
	}
	q.seq++
	heap.Push(&q.items, &memoryItem{job: &cp, readyAt: now.Add(delay), seq: q.seq})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if len(q.items) == 0 || q.items[0].readyAt.After(q.now()) {
		return nil, nil
	}
	item := heap.Pop(&q.items).(*memoryItem)
	q.processing[item.job.Key()] = item.job
	return item.job, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.Key())
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Processing returns the number of claimed, uncompleted jobs
func (q *MemoryQueue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
