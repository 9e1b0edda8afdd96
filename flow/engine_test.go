package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(g *DepGraph, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			panic(err)
		}
	}
	return NewEngine(g, nil, o)
}

func resultByID(results []ExecutionResult, id string) (ExecutionResult, bool) {
	for _, res := range results {
		if res.TaskID == id {
			return res, true
		}
	}
	return ExecutionResult{}, false
}

func TestExecuteParallelDiamond(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "A"})
	mustAdd(t, g, &Task{ID: "B", DependsOn: []Dependency{Hard("A")}})
	mustAdd(t, g, &Task{ID: "C", DependsOn: []Dependency{Hard("A")}})
	mustAdd(t, g, &Task{ID: "D", DependsOn: []Dependency{Hard("B"), Hard("C")}})

	var mu sync.Mutex
	var started []string
	e := newTestEngine(g, WithMaxConcurrency(4))
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		mu.Lock()
		started = append(started, task.ID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Status != StatusCompleted {
			t.Errorf("task %s: expected completed, got %s", res.TaskID, res.Status)
		}
	}

	// A strictly first, D strictly last; B and C in either order.
	mu.Lock()
	defer mu.Unlock()
	if started[0] != "A" {
		t.Errorf("expected A to start first, got %v", started)
	}
	if started[3] != "D" {
		t.Errorf("expected D to start last, got %v", started)
	}
}

func TestExecuteParallelChain(t *testing.T) {
	// A 100-node chain must complete with every task run in order.
	g := NewDepGraph()
	const n = 100
	for i := 0; i < n; i++ {
		task := &Task{ID: fmt.Sprintf("t%03d", i)}
		if i > 0 {
			task.DependsOn = []Dependency{Hard(fmt.Sprintf("t%03d", i-1))}
		}
		mustAdd(t, g, task)
	}

	var order []string
	e := newTestEngine(g, WithMaxConcurrency(10))
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		order = append(order, task.ID) // chain serializes the runner
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, id := range order {
		if want := fmt.Sprintf("t%03d", i); id != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, id)
		}
	}

	stats := e.Stats()
	if stats.Completed != n {
		t.Errorf("expected %d completed, got %d", n, stats.Completed)
	}
	if stats.PeakConcurrency != 1 {
		t.Errorf("chain must serialize, observed peak %d", stats.PeakConcurrency)
	}
}

func TestExecuteParallelConcurrencyCeiling(t *testing.T) {
	g := NewDepGraph()
	for i := 0; i < 20; i++ {
		mustAdd(t, g, &Task{ID: fmt.Sprintf("t%02d", i)})
	}

	const limit = 3
	var active, peak atomic.Int32
	e := newTestEngine(g, WithMaxConcurrency(limit))
	_, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	if p := peak.Load(); p > limit {
		t.Errorf("concurrency ceiling breached: observed %d > %d", p, limit)
	}
	if stats := e.Stats(); stats.PeakConcurrency > limit {
		t.Errorf("engine reported peak %d > %d", stats.PeakConcurrency, limit)
	}
}

func TestExecuteParallelTimeout(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "slow"})
	mustAdd(t, g, &Task{ID: "fast"})

	e := newTestEngine(g,
		WithMaxConcurrency(2),
		WithDefaultTaskTimeout(30*time.Millisecond),
	)
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if task.ID == "slow" {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	slow, ok := resultByID(results, "slow")
	if !ok {
		t.Fatal("missing result for slow")
	}
	if slow.Status != StatusTimeout {
		t.Errorf("expected timeout status, got %s", slow.Status)
	}
	if !errors.Is(slow.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", slow.Err)
	}

	fast, _ := resultByID(results, "fast")
	if fast.Status != StatusCompleted {
		t.Errorf("fast task must be unaffected, got %s", fast.Status)
	}

	if stats := e.Stats(); stats.TimedOut != 1 {
		t.Errorf("expected 1 timed out, got %d", stats.TimedOut)
	}
}

func TestExecuteParallelHardDependencyFailure(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "a"})
	mustAdd(t, g, &Task{ID: "b", DependsOn: []Dependency{Hard("a")}})
	mustAdd(t, g, &Task{ID: "c", DependsOn: []Dependency{Hard("b")}})
	mustAdd(t, g, &Task{ID: "x"})

	e := newTestEngine(g)
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if task.ID == "a" {
			return errors.New("invalid payload schema")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected one result per task, got %d", len(results))
	}

	a, _ := resultByID(results, "a")
	if a.Status != StatusFailed {
		t.Errorf("expected a failed, got %s", a.Status)
	}

	for _, id := range []string{"b", "c"} {
		res, ok := resultByID(results, id)
		if !ok {
			t.Fatalf("missing result for %s", id)
		}
		if res.Status != StatusPending {
			t.Errorf("%s: expected pending (blocked), got %s", id, res.Status)
		}
		var taskErr *TaskError
		if !errors.As(res.Err, &taskErr) || taskErr.Code != "DEPENDENCY_FAILED" {
			t.Errorf("%s: expected DEPENDENCY_FAILED, got %v", id, res.Err)
		}
	}

	x, _ := resultByID(results, "x")
	if x.Status != StatusCompleted {
		t.Errorf("independent task must still run, got %s", x.Status)
	}
}

func TestExecuteParallelSoftDependencyFailure(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "a"})
	mustAdd(t, g, &Task{ID: "b", DependsOn: []Dependency{Soft("a")}})

	e := newTestEngine(g)
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if task.ID == "a" {
			return errors.New("invalid payload schema")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	b, _ := resultByID(results, "b")
	if b.Status != StatusCompleted {
		t.Errorf("failed soft dependency must not block b, got %s", b.Status)
	}
}

func TestExecuteParallelRetry(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "flaky", Type: "codegen", MaxRetries: 2})

	recovery := NewRecoveryManager(DefaultRetryStrategy(), 0.20)
	o := defaultOptions()
	e := NewEngine(g, recovery, o)

	var attempts atomic.Int32
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if attempts.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	res, _ := resultByID(results, "flaky")
	if res.Status != StatusCompleted {
		t.Errorf("expected completed after retry, got %s", res.Status)
	}
	if stats := recovery.Stats(); stats.RetriesScheduled != 1 || stats.RetriesFired != 1 {
		t.Errorf("expected one scheduled and fired retry, got %+v", stats)
	}
}

func TestExecuteParallelRetryUnderLoad(t *testing.T) {
	// The retry timer fires on its own goroutine while the loop is still
	// feeding and completing other tasks, so the status reset must stay
	// serialized with ready-set computation.
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "flaky", Type: "codegen", MaxRetries: 2})
	const bulk = 40
	for i := 0; i < bulk; i++ {
		mustAdd(t, g, &Task{ID: fmt.Sprintf("bulk%02d", i), Type: "lint"})
	}

	recovery := NewRecoveryManager(DefaultRetryStrategy(), 0.20)
	o := defaultOptions()
	o.MaxConcurrency = 2
	e := NewEngine(g, recovery, o)

	var flakyAttempts atomic.Int32
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if task.ID == "flaky" {
			if flakyAttempts.Add(1) == 1 {
				return errors.New("connection refused")
			}
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	if len(results) != bulk+1 {
		t.Fatalf("expected %d results, got %d", bulk+1, len(results))
	}
	for _, res := range results {
		if res.Status != StatusCompleted {
			t.Errorf("task %s: expected completed, got %s", res.TaskID, res.Status)
		}
	}
	if got := flakyAttempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts on flaky, got %d", got)
	}
	if stats := recovery.Stats(); stats.RetriesFired != 1 {
		t.Errorf("expected one fired retry, got %+v", stats)
	}
}

func TestExecuteParallelRetryExhaustion(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "doomed", Type: "codegen", MaxRetries: 1})

	recovery := NewRecoveryManager(DefaultRetryStrategy(), 0.20)
	e := NewEngine(g, recovery, defaultOptions())

	var attempts atomic.Int32
	results, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("expected initial attempt plus one retry, got %d", got)
	}
	res, _ := resultByID(results, "doomed")
	if res.Status != StatusFailed {
		t.Errorf("expected failed after exhaustion, got %s", res.Status)
	}
	if stats := recovery.Stats(); stats.PermanentFails != 1 {
		t.Errorf("expected 1 permanent fail, got %+v", stats)
	}
}

func TestExecuteParallelCancel(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "a"})
	mustAdd(t, g, &Task{ID: "b", DependsOn: []Dependency{Hard("a")}})

	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(g)
	_, err := e.ExecuteParallel(ctx, "wf1", func(tctx context.Context, task *Task) error {
		if task.ID == "a" {
			cancel()
			<-tctx.Done()
			return tctx.Err()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteParallelNilRunner(t *testing.T) {
	e := newTestEngine(NewDepGraph())
	if _, err := e.ExecuteParallel(context.Background(), "wf1", nil); err == nil {
		t.Error("expected error for nil runner")
	}
}

func TestExecuteParallelOnResult(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "a"})
	mustAdd(t, g, &Task{ID: "b", DependsOn: []Dependency{Hard("a")}})

	var mu sync.Mutex
	var observed []string
	e := newTestEngine(g)
	e.SetOnResult(func(res ExecutionResult) {
		mu.Lock()
		observed = append(observed, res.TaskID+":"+string(res.Status))
		mu.Unlock()
	})

	if _, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		return nil
	}); err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 || observed[0] != "a:completed" || observed[1] != "b:completed" {
		t.Errorf("unexpected result observations: %v", observed)
	}
}

func TestEngineStats(t *testing.T) {
	g := NewDepGraph()
	mustAdd(t, g, &Task{ID: "ok"})
	mustAdd(t, g, &Task{ID: "bad"})

	e := newTestEngine(g, WithMaxConcurrency(1))
	if _, err := e.ExecuteParallel(context.Background(), "wf1", func(ctx context.Context, task *Task) error {
		if task.ID == "bad" {
			return errors.New("invalid schema")
		}
		return nil
	}); err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}

	stats := e.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", stats.SuccessRate)
	}
	if stats.PeakConcurrency != 1 {
		t.Errorf("expected peak 1, got %d", stats.PeakConcurrency)
	}
}
