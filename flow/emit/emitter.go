package emit

// Emitter receives observability events from workflow execution.
//
// Emitters enable pluggable observability backends: logging, distributed
// tracing, buffered history for tests.
//
// Implementations should be:
//   - Non-blocking: never slow down workflow execution
//   - Thread-safe: may be called concurrently from many workers
//   - Resilient: a failing backend must not crash the workflow
type Emitter interface {
	// Emit delivers one event. It must not panic; backend errors are
	// handled internally.
	Emit(event Event)
}

// NullEmitter discards all events. Useful as a default when the caller
// doesn't configure observability.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
