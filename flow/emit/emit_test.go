package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sampleEvent() Event {
	return Event{
		WorkflowID:  "wf-001",
		TaskID:      "parse",
		Msg:         "task_start",
		Timestamp:   time.Now(),
		ChangedKeys: []string{"status", "tasks.parse"},
		Meta:        map[string]interface{}{"attempt": 1},
	}
}

func TestNullEmitter(t *testing.T) {
	// Must accept anything without side effects.
	e := NewNullEmitter()
	e.Emit(sampleEvent())
	e.Emit(Event{})
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(sampleEvent())

	line := buf.String()
	for _, want := range []string{"[task_start]", "workflow=wf-001", "task=parse", "changed=status,tasks.parse"} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %q in output: %s", want, line)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(sampleEvent())

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded["workflowID"] != "wf-001" || decoded["msg"] != "task_start" {
		t.Errorf("unexpected JSON fields: %v", decoded)
	}
}

func TestLogEmitterOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{WorkflowID: "wf-001", Msg: "workflow_completed"})

	line := buf.String()
	if strings.Contains(line, "task=") || strings.Contains(line, "changed=") {
		t.Errorf("empty fields must be omitted: %s", line)
	}
}

func TestBufferedEmitter(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(Event{WorkflowID: "wf-001", TaskID: "a", Msg: "task_start"})
	e.Emit(Event{WorkflowID: "wf-001", TaskID: "a", Msg: "task_completed"})
	e.Emit(Event{WorkflowID: "wf-001", TaskID: "b", Msg: "task_start"})
	e.Emit(Event{WorkflowID: "wf-002", TaskID: "x", Msg: "task_start"})

	t.Run("history is per workflow", func(t *testing.T) {
		if n := e.Count("wf-001"); n != 3 {
			t.Errorf("expected 3 events for wf-001, got %d", n)
		}
		history := e.History("wf-001")
		if len(history) != 3 || history[0].Msg != "task_start" || history[1].Msg != "task_completed" {
			t.Errorf("unexpected history: %v", history)
		}
	})

	t.Run("filter by task", func(t *testing.T) {
		got := e.HistoryWithFilter("wf-001", HistoryFilter{TaskID: "a"})
		if len(got) != 2 {
			t.Errorf("expected 2 events for task a, got %d", len(got))
		}
	})

	t.Run("filter combines with and", func(t *testing.T) {
		got := e.HistoryWithFilter("wf-001", HistoryFilter{TaskID: "a", Msg: "task_completed"})
		if len(got) != 1 {
			t.Errorf("expected 1 event, got %d", len(got))
		}
	})

	t.Run("clear one workflow", func(t *testing.T) {
		e.Clear("wf-001")
		if n := e.Count("wf-001"); n != 0 {
			t.Errorf("expected wf-001 cleared, got %d events", n)
		}
		if n := e.Count("wf-002"); n != 1 {
			t.Errorf("wf-002 must be untouched, got %d events", n)
		}
	})

	t.Run("clear all", func(t *testing.T) {
		e.ClearAll()
		if n := e.Count("wf-002"); n != 0 {
			t.Errorf("expected everything cleared, got %d events", n)
		}
	})
}

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := NewOTelEmitter(tp.Tracer("taskflow-test"))

	t.Run("event becomes span with attributes", func(t *testing.T) {
		e.Emit(sampleEvent())

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name() != "task_start" {
			t.Errorf("expected span name task_start, got %s", span.Name())
		}

		attrs := make(map[string]string)
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs["taskflow.workflow_id"] != "wf-001" {
			t.Errorf("missing workflow id attribute: %v", attrs)
		}
		if attrs["taskflow.task_id"] != "parse" {
			t.Errorf("missing task id attribute: %v", attrs)
		}
		if attrs["taskflow.changed_keys"] != "status,tasks.parse" {
			t.Errorf("missing changed keys attribute: %v", attrs)
		}
		if attrs["taskflow.meta.attempt"] != "1" {
			t.Errorf("missing meta attribute: %v", attrs)
		}
	})

	t.Run("error meta sets span status", func(t *testing.T) {
		e.Emit(Event{
			WorkflowID: "wf-001",
			TaskID:     "parse",
			Msg:        "task_failed",
			Meta:       map[string]interface{}{"error": "connection refused"},
		})

		spans := recorder.Ended()
		last := spans[len(spans)-1]
		if last.Status().Code != codes.Error {
			t.Errorf("expected error status, got %v", last.Status())
		}
		if last.Status().Description != "connection refused" {
			t.Errorf("expected error description, got %q", last.Status().Description)
		}
	})

	t.Run("batch emits one span per event", func(t *testing.T) {
		before := len(recorder.Ended())
		err := e.EmitBatch(context.Background(), []Event{
			{WorkflowID: "wf-001", Msg: "task_start"},
			{WorkflowID: "wf-001", Msg: "task_completed"},
		})
		if err != nil {
			t.Fatalf("EmitBatch failed: %v", err)
		}
		if got := len(recorder.Ended()) - before; got != 2 {
			t.Errorf("expected 2 new spans, got %d", got)
		}
	})
}
