package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogEmitter implements Emitter by writing structured log lines to a writer.
//
// Two output modes:
//   - Text (default): human-readable key=value lines
//   - JSON: one JSON object per line (JSONL), machine-readable
//
// Example text output:
//
//	[task_start] workflow=wf-001 task=parse
//	[state_changed] workflow=wf-001 changed=status,tasks.parse
//
// Example JSON output:
//
//	{"workflowID":"wf-001","taskID":"parse","msg":"task_start","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer
// (os.Stdout if nil). Set jsonMode for JSONL output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event line in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID  string                 `json:"workflowID"`
		TaskID      string                 `json:"taskID,omitempty"`
		Msg         string                 `json:"msg"`
		ChangedKeys []string               `json:"changedKeys,omitempty"`
		Meta        map[string]interface{} `json:"meta"`
	}{
		WorkflowID:  event.WorkflowID,
		TaskID:      event.TaskID,
		Msg:         event.Msg,
		ChangedKeys: event.ChangedKeys,
		Meta:        event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s", event.Msg, event.WorkflowID)
	if event.TaskID != "" {
		fmt.Fprintf(l.writer, " task=%s", event.TaskID)
	}
	if len(event.ChangedKeys) > 0 {
		fmt.Fprintf(l.writer, " changed=%s", strings.Join(event.ChangedKeys, ","))
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
