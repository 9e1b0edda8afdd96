package flow

import (
	"context"
	"sync"
)

// ProcessFunc handles one task popped from the scheduler queue.
type ProcessFunc func(ctx context.Context, task *Task)

// Scheduler drains a PriorityQueue through a single processing function.
//
// Schedule pushes the task into the queue and kicks a drain loop if one is
// not already running. Draining is single-flight: only one logical loop runs
// at a time even under concurrent Schedule calls, so the same task is never
// dispatched twice.
//
// Thread-safety: all methods are safe for concurrent use.
type Scheduler struct {
	queue   *PriorityQueue
	process ProcessFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler draining the given queue through fn.
func NewScheduler(queue *PriorityQueue, fn ProcessFunc) *Scheduler {
	return &Scheduler{queue: queue, process: fn}
}

// Schedule enqueues the task and starts draining if the scheduler is idle.
// Returns ErrQueueSaturated when the queue is at capacity.
func (s *Scheduler) Schedule(ctx context.Context, task *Task) error {
	if err := s.queue.Add(task); err != nil {
		return err
	}
	s.kick(ctx)
	return nil
}

// kick starts a drain goroutine unless one is already running.
func (s *Scheduler) kick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return
	}
	s.draining = true
	s.wg.Add(1)
	go s.drain(ctx)
}

// drain pops tasks until the queue is observed empty. The emptiness check
// and the draining flag flip happen under the same lock as kick, so a task
// enqueued while the loop winds down is either seen by this loop or starts
// a fresh one; none are stranded.
func (s *Scheduler) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			return
		}

		task, ok := s.queue.Next()
		if !ok {
			s.mu.Lock()
			if s.queue.Len() == 0 {
				s.draining = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}

		s.process(ctx, task)
	}
}

// Wait blocks until the current drain loop, if any, has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// SchedulerStatus is a snapshot of scheduler activity.
type SchedulerStatus struct {
	Draining bool
	Queue    QueueStatus
}

// Status reports whether draining is active plus the current queue snapshot.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()

	return SchedulerStatus{
		Draining: draining,
		Queue:    s.queue.Status(),
	}
}
