package flow

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Run("higher priority first", func(t *testing.T) {
		q := NewPriorityQueue(0)
		for _, task := range []*Task{
			{ID: "low", Priority: PriorityLow},
			{ID: "critical", Priority: PriorityCritical},
			{ID: "normal", Priority: PriorityNormal},
			{ID: "high", Priority: PriorityHigh},
		} {
			if err := q.Add(task); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}

		want := []string{"critical", "high", "normal", "low"}
		for _, id := range want {
			task, ok := q.Next()
			if !ok {
				t.Fatalf("queue empty, expected %s", id)
			}
			if task.ID != id {
				t.Errorf("expected %s, got %s", id, task.ID)
			}
		}
	})

	t.Run("deadline beats fifo within bucket", func(t *testing.T) {
		q := NewPriorityQueue(0)
		now := time.Now()
		// Insertion order: no-deadline first, then late, then early.
		for _, task := range []*Task{
			{ID: "plain", Priority: PriorityNormal},
			{ID: "late", Priority: PriorityNormal, Deadline: now.Add(time.Hour)},
			{ID: "early", Priority: PriorityNormal, Deadline: now.Add(time.Minute)},
		} {
			if err := q.Add(task); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}

		for _, id := range []string{"early", "late", "plain"} {
			task, ok := q.Next()
			if !ok {
				t.Fatalf("queue empty, expected %s", id)
			}
			if task.ID != id {
				t.Errorf("expected %s, got %s", id, task.ID)
			}
		}
	})

	t.Run("fifo among equals", func(t *testing.T) {
		q := NewPriorityQueue(0)
		for i := 0; i < 5; i++ {
			if err := q.Add(&Task{ID: fmt.Sprintf("t%d", i), Priority: PriorityHigh}); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
		for i := 0; i < 5; i++ {
			task, ok := q.Next()
			if !ok {
				t.Fatal("queue drained early")
			}
			if want := fmt.Sprintf("t%d", i); task.ID != want {
				t.Errorf("expected %s, got %s", want, task.ID)
			}
		}
	})

	t.Run("deadline does not cross priority levels", func(t *testing.T) {
		q := NewPriorityQueue(0)
		if err := q.Add(&Task{ID: "urgent-low", Priority: PriorityLow, Deadline: time.Now().Add(time.Second)}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := q.Add(&Task{ID: "plain-high", Priority: PriorityHigh}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		task, _ := q.Next()
		if task.ID != "plain-high" {
			t.Errorf("priority must dominate deadline, got %s first", task.ID)
		}
	})
}

func TestPriorityQueueCapacity(t *testing.T) {
	q := NewPriorityQueue(2)
	if err := q.Add(&Task{ID: "a"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := q.Add(&Task{ID: "b"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := q.Add(&Task{ID: "c"}); !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("expected ErrQueueSaturated, got %v", err)
	}

	// Popping frees capacity.
	if _, ok := q.Next(); !ok {
		t.Fatal("expected a task")
	}
	if err := q.Add(&Task{ID: "c"}); err != nil {
		t.Errorf("Add after pop failed: %v", err)
	}
}

func TestPriorityQueueEmpty(t *testing.T) {
	q := NewPriorityQueue(0)
	if task, ok := q.Next(); ok {
		t.Errorf("expected empty queue, got %v", task)
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestPriorityQueueStatus(t *testing.T) {
	q := NewPriorityQueue(0)
	if err := q.Add(&Task{ID: "a", Priority: PriorityHigh}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := q.Add(&Task{ID: "b", Priority: PriorityHigh}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := q.Add(&Task{ID: "c", Priority: PriorityLow}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	status := q.Status()
	if status.Total != 3 {
		t.Errorf("expected total 3, got %d", status.Total)
	}
	if status.ByPriority[PriorityHigh] != 2 || status.ByPriority[PriorityLow] != 1 {
		t.Errorf("unexpected bucket counts: %v", status.ByPriority)
	}
}

func TestPriorityQueueUnknownPriorityDefaultsToNormal(t *testing.T) {
	q := NewPriorityQueue(0)
	if err := q.Add(&Task{ID: "odd", Priority: Priority(42)}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	status := q.Status()
	if status.ByPriority[PriorityNormal] != 1 {
		t.Errorf("expected out-of-range priority bucketed as normal: %v", status.ByPriority)
	}
}
