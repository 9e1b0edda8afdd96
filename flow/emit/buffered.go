package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by workflow id, with query support.
//
// Use cases:
//   - Tests asserting on emitted events
//   - Development and debugging
//   - Post-execution analysis
//
// Warning: all events stay in memory; clear finished workflows in
// long-running processes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of a workflow's events. All fields are
// optional and combine with AND logic.
type HistoryFilter struct {
	// TaskID filters to events emitted for one task.
	TaskID string

	// Msg filters by event name (e.g. "task_retry").
	Msg string
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to the workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns all events for a workflow in emission order.
func (b *BufferedEmitter) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the workflow's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events[workflowID] {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.Msg != "" && e.Msg != filter.Msg {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the number of stored events for a workflow.
func (b *BufferedEmitter) Count(workflowID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[workflowID])
}

// Clear drops stored events for one workflow.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, workflowID)
}

// ClearAll drops all stored events.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}
