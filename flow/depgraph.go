package flow

import (
	"fmt"
	"sort"
	"sync"
)

// DepGraph owns the task dependency graph for one workflow.
//
// It tracks the tasks, their hard/soft dependency edges, and each task's
// status, and answers the questions the engine needs during execution:
// topological order, the current ready set, and direct/reverse adjacency.
//
// All mutation goes through this API; executor code never touches task
// fields directly. Ready-set computation is serialized relative to status
// updates so no task is judged ready from a stale status read.
//
// Thread-safety: all methods are safe for concurrent use.
type DepGraph struct {
	mu sync.RWMutex

	// tasks maps task ID to the registered task.
	tasks map[string]*Task

	// deps maps task ID to its dependency edges (the tasks it waits on).
	deps map[string][]Dependency

	// dependents is the reverse adjacency: task ID to IDs that wait on it.
	dependents map[string][]string
}

// NewDepGraph creates an empty dependency graph.
func NewDepGraph() *DepGraph {
	return &DepGraph{
		tasks:      make(map[string]*Task),
		deps:       make(map[string][]Dependency),
		dependents: make(map[string][]string),
	}
}

// Add registers a task and its dependency edges. Re-adding a task with the
// same ID replaces its edge set.
//
// Returns an error if the task is nil or has an empty ID. Dependency targets
// are not required to exist yet; Validate checks referential integrity once
// the whole workflow is loaded.
func (g *DepGraph) Add(task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if task.Status == "" {
		task.Status = StatusPending
	}
	g.tasks[task.ID] = task
	g.setDependenciesLocked(task.ID, task.DependsOn)
	return nil
}

// SetDependencies replaces the edge set for a registered task.
func (g *DepGraph) SetDependencies(taskID string, deps []Dependency) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	g.setDependenciesLocked(taskID, deps)
	return nil
}

// setDependenciesLocked rewires the forward and reverse edges for taskID.
// Caller must hold g.mu.
func (g *DepGraph) setDependenciesLocked(taskID string, deps []Dependency) {
	// Remove stale reverse edges from a previous registration.
	for _, old := range g.deps[taskID] {
		g.dependents[old.TaskID] = removeString(g.dependents[old.TaskID], taskID)
	}

	edges := make([]Dependency, len(deps))
	copy(edges, deps)
	g.deps[taskID] = edges

	for _, d := range edges {
		g.dependents[d.TaskID] = append(g.dependents[d.TaskID], taskID)
	}
}

// ExecutionOrder returns a topological ordering of all tasks over hard
// edges, using Kahn's algorithm. Soft edges do not constrain the order.
//
// If the hard-edge graph contains a cycle, a *CycleError naming the
// offending task ids is returned and no partial order is produced.
//
// Independent tasks are ordered by ID so the result is deterministic.
func (g *DepGraph) ExecutionOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = 0
	}
	for id, deps := range g.deps {
		for _, d := range deps {
			if d.Kind != DepHard {
				continue
			}
			// Edges to unknown tasks are a validation error, not an
			// ordering constraint.
			if _, ok := g.tasks[d.TaskID]; ok {
				indegree[id]++
			}
		}
	}

	frontier := make([]string, 0, len(g.tasks))
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		unblocked := false
		for _, dep := range g.dependents[id] {
			if !g.hasHardEdgeLocked(dep, id) {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
				unblocked = true
			}
		}
		if unblocked {
			sort.Strings(frontier)
		}
	}

	if len(order) < len(g.tasks) {
		// The undrained residue is the cycle members plus every task
		// stuck behind them. Peel tasks with no hard dependent left in
		// the residue until a fixpoint; a task on a cycle always keeps
		// its successor, so only cycle members survive.
		residue := make(map[string]bool, len(g.tasks)-len(order))
		for id, n := range indegree {
			if n > 0 {
				residue[id] = true
			}
		}
		for changed := true; changed; {
			changed = false
			for id := range residue {
				keep := false
				for _, dep := range g.dependents[id] {
					if residue[dep] && g.hasHardEdgeLocked(dep, id) {
						keep = true
						break
					}
				}
				if !keep {
					delete(residue, id)
					changed = true
				}
			}
		}
		remaining := make([]string, 0, len(residue))
		for id := range residue {
			remaining = append(remaining, id)
		}
		sort.Strings(remaining)
		return nil, &CycleError{TaskIDs: remaining}
	}

	return order, nil
}

// hasHardEdgeLocked reports whether task `from` has a hard dependency on
// `on`. Caller must hold g.mu.
func (g *DepGraph) hasHardEdgeLocked(from, on string) bool {
	for _, d := range g.deps[from] {
		if d.TaskID == on && d.Kind == DepHard {
			return true
		}
	}
	return false
}

// ReadyTasks returns every pending task whose hard dependencies are all
// completed and whose soft dependencies are all terminal, sorted by ID.
func (g *DepGraph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for id, task := range g.tasks {
		if task.Status != StatusPending {
			continue
		}
		if g.canExecuteLocked(id) {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// CanExecute reports whether the task's dependency constraints are currently
// satisfied: every hard dependency completed, every soft dependency terminal.
func (g *DepGraph) CanExecute(taskID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.tasks[taskID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return g.canExecuteLocked(taskID), nil
}

// canExecuteLocked checks dependency satisfaction. Caller must hold g.mu.
func (g *DepGraph) canExecuteLocked(taskID string) bool {
	for _, d := range g.deps[taskID] {
		dep, ok := g.tasks[d.TaskID]
		if !ok {
			return false
		}
		switch d.Kind {
		case DepHard:
			if dep.Status != StatusCompleted {
				return false
			}
		case DepSoft:
			if !dep.Status.Terminal() {
				return false
			}
		}
	}
	return true
}

// UpdateTaskStatus records a task status change. Readiness answers reflect
// the change immediately.
func (g *DepGraph) UpdateTaskStatus(taskID string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	task.Status = status
	return nil
}

// MarkRetry resets a task to pending and records the retry attempt under a
// single lock acquisition, so readiness computation never observes one
// field without the other.
func (g *DepGraph) MarkRetry(taskID string, attempt int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	task.Status = StatusPending
	task.RetryCount = attempt
	return nil
}

// Task returns the registered task for the given ID.
func (g *DepGraph) Task(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	return t, ok
}

// Dependencies returns the direct dependency edges of a task.
func (g *DepGraph) Dependencies(taskID string) []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := make([]Dependency, len(g.deps[taskID]))
	copy(deps, g.deps[taskID])
	return deps
}

// Dependents returns the IDs of tasks that depend on the given task,
// sorted for deterministic iteration.
func (g *DepGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, len(g.dependents[taskID]))
	copy(out, g.dependents[taskID])
	sort.Strings(out)
	return out
}

// ValidationResult is the outcome of Validate: either a clean bill or the
// complete list of problems found.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks the graph is executable: every referenced dependency id
// exists, no task depends on itself, and the hard-edge graph is acyclic.
// All problems are reported, not just the first.
func (g *DepGraph) Validate() ValidationResult {
	g.mu.RLock()
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []string
	for _, id := range ids {
		for _, d := range g.deps[id] {
			if d.TaskID == id {
				errs = append(errs, fmt.Sprintf("task %s depends on itself", id))
				continue
			}
			if _, ok := g.tasks[d.TaskID]; !ok {
				errs = append(errs, fmt.Sprintf("task %s depends on unknown task %s", id, d.TaskID))
			}
		}
	}
	g.mu.RUnlock()

	if _, err := g.ExecutionOrder(); err != nil {
		errs = append(errs, err.Error())
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// GraphStats summarizes the graph for observability and tests.
type GraphStats struct {
	TotalTasks      int
	DependencyCount int
	ByStatus        map[Status]int
}

// Stats reports task and edge counts plus a per-status breakdown.
func (g *DepGraph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := GraphStats{
		TotalTasks: len(g.tasks),
		ByStatus:   make(map[Status]int),
	}
	for _, deps := range g.deps {
		stats.DependencyCount += len(deps)
	}
	for _, task := range g.tasks {
		stats.ByStatus[task.Status]++
	}
	return stats
}

// Size returns the number of registered tasks.
func (g *DepGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// removeString drops the first occurrence of s from the slice.
func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
