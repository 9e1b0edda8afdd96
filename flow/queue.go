package flow

import (
	"container/heap"
	"sync"
	"time"
)

// queueItem is one entry in a priority bucket. The sequence number records
// insertion order for the FIFO fallback.
type queueItem struct {
	task     *Task
	deadline time.Time
	hasSLA   bool
	seq      uint64
}

// bucketHeap implements heap.Interface over one priority bucket.
//
// Ordering within a bucket:
//  1. Items with an SLA deadline come before items without one.
//  2. Among deadline-carrying items, the earlier deadline wins.
//  3. Otherwise FIFO by insertion sequence.
type bucketHeap []queueItem

func (h bucketHeap) Len() int { return len(h) }

func (h bucketHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.hasSLA != b.hasSLA {
		return a.hasSLA
	}
	if a.hasSLA && !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

func (h bucketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *bucketHeap) Push(x interface{}) {
	*h = append(*h, x.(queueItem))
}

func (h *bucketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// PriorityQueue holds ready tasks bucketed by the four priority levels.
//
// Dequeue order: highest non-empty priority bucket first; within a bucket,
// earliest SLA deadline (a task carrying a deadline is dequeued ahead of a
// same-priority task without one, even if the latter arrived first);
// otherwise FIFO by insertion time.
//
// The optional capacity bounds total queued tasks; Add returns
// ErrQueueSaturated once it is reached, giving callers backpressure instead
// of unbounded memory growth.
//
// Thread-safety: all methods are safe for concurrent use.
type PriorityQueue struct {
	mu       sync.Mutex
	buckets  [numPriorities]bucketHeap
	seq      uint64
	size     int
	capacity int
}

// NewPriorityQueue creates a queue bounded to the given capacity.
// A capacity of 0 or less means unbounded.
func NewPriorityQueue(capacity int) *PriorityQueue {
	q := &PriorityQueue{capacity: capacity}
	for i := range q.buckets {
		heap.Init(&q.buckets[i])
	}
	return q
}

// Add inserts a task into the bucket matching its priority, recording
// insertion time. Returns ErrQueueSaturated if the queue is full.
func (q *PriorityQueue) Add(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.size >= q.capacity {
		return ErrQueueSaturated
	}

	p := task.Priority
	if p < PriorityLow || p > PriorityCritical {
		p = PriorityNormal
	}

	q.seq++
	heap.Push(&q.buckets[p], queueItem{
		task:     task,
		deadline: task.Deadline,
		hasSLA:   task.HasDeadline(),
		seq:      q.seq,
	})
	q.size++
	return nil
}

// Next removes and returns the highest-priority task, or false if the queue
// is empty.
func (q *PriorityQueue) Next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := PriorityCritical; p >= PriorityLow; p-- {
		if q.buckets[p].Len() == 0 {
			continue
		}
		item := heap.Pop(&q.buckets[p]).(queueItem)
		q.size--
		return item.task, true
	}
	return nil, false
}

// Len returns the total number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// QueueStatus is a snapshot of queue occupancy.
type QueueStatus struct {
	Total      int
	ByPriority map[Priority]int
}

// Status reports total queued count and per-priority counts.
func (q *PriorityQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		Total:      q.size,
		ByPriority: make(map[Priority]int, numPriorities),
	}
	for p := PriorityLow; p <= PriorityCritical; p++ {
		status.ByPriority[p] = q.buckets[p].Len()
	}
	return status
}
