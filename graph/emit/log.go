package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter writes events to a writer, either as human-readable text or as
// JSON lines.
//
// Example text output:
//
//	[executor_invoked] run=run-001 step=1 executor=Judge
//	[workflow_output] run=run-001 step=4 executor=Judge meta={"data":"42 found in 4 tries!","intermediate":false}
//
// Example JSON output:
//
//	{"run_id":"run-001","step":1,"executor_id":"Judge","msg":"executor_invoked","ts":"2026-10-19T10:00:00Z"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line per event. Lines from concurrent runs never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

type jsonEvent struct {
	RunID      string                 `json:"run_id"`
	Step       int                    `json:"step"`
	ExecutorID string                 `json:"executor_id,omitempty"`
	Msg        string                 `json:"msg"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	Timestamp  string                 `json:"ts,omitempty"`
}

func (l *LogEmitter) emitJSON(event Event) {
	rec := jsonEvent{
		RunID:      event.RunID,
		Step:       event.Step,
		ExecutorID: event.ExecutorID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	}
	if !event.Timestamp.IsZero() {
		rec.Timestamp = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		// Meta values are arbitrary payloads; fall back to their printed form.
		rec.Meta = stringifyMeta(event.Meta)
		data, err = json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(l.writer, "{\"error\":%q}\n", "failed to marshal event: "+err.Error())
			return
		}
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s step=%d", event.Msg, event.RunID, event.Step)
	if event.ExecutorID != "" {
		fmt.Fprintf(l.writer, " executor=%s", event.ExecutorID)
	}
	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}

func stringifyMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
