package graph

import (
	"fmt"
	"time"

	"github.com/mafdemo/workflow-go/graph/emit"
)

// EventKind identifies the type of a workflow event.
type EventKind string

const (
	EventSuperstepStarted   EventKind = "superstep_started"
	EventSuperstepCompleted EventKind = "superstep_completed"
	EventExecutorInvoked    EventKind = "executor_invoked"
	EventExecutorCompleted  EventKind = "executor_completed"
	EventExecutorFailed     EventKind = "executor_failed"
	EventWorkflowOutput     EventKind = "workflow_output"
	EventRequestInfo        EventKind = "request_info"
	EventWorkflowError      EventKind = "workflow_error"
	EventWorkflowIdle       EventKind = "workflow_idle"
	EventCheckpointRestored EventKind = "checkpoint_restored"
	EventCustom             EventKind = "custom"
)

// Event is an observable occurrence during a run, delivered on Run.Events in
// emission order.
//
// Which fields are set depends on Kind:
//
//   - ExecutorInvoked/Completed/Failed: ExecutorID, Data (input message or
//     handler result), Err for failures.
//   - WorkflowOutput: ExecutorID, Data, Intermediate.
//   - RequestInfo: ExecutorID (the port), Request.
//   - SuperstepCompleted: Checkpoint when checkpointing is enabled.
//   - CheckpointRestored: Checkpoint.
//   - WorkflowError: Err.
//   - Custom: ExecutorID, Name, Data.
type Event struct {
	Kind       EventKind
	RunID      string
	Step       int
	ExecutorID string
	Name       string
	Data       any
	Err        error

	// Intermediate marks outputs yielded by executors that are not designated
	// output executors. They do not complete the run.
	Intermediate bool

	Request    *ExternalRequest
	Checkpoint *CheckpointInfo
	Timestamp  time.Time
}

// toEmit converts the event to the observability form used by emitters.
func (e Event) toEmit() emit.Event {
	meta := map[string]interface{}{}
	if e.Name != "" {
		meta["name"] = e.Name
	}
	if e.Data != nil {
		meta["data"] = e.Data
	}
	if e.Err != nil {
		meta["error"] = e.Err.Error()
	}
	if e.Kind == EventWorkflowOutput {
		meta["intermediate"] = e.Intermediate
	}
	if e.Request != nil {
		meta["request_id"] = e.Request.RequestID
		meta["port_id"] = e.Request.PortID
	}
	if e.Checkpoint != nil {
		meta["checkpoint_id"] = e.Checkpoint.CheckpointID
	}
	return emit.Event{
		RunID:      e.RunID,
		Step:       e.Step,
		ExecutorID: e.ExecutorID,
		Msg:        string(e.Kind),
		Meta:       meta,
		Timestamp:  e.Timestamp,
	}
}

func (e Event) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("[%s step=%d %s] %v", e.Kind, e.Step, e.ExecutorID, e.Err)
	case e.Data != nil:
		return fmt.Sprintf("[%s step=%d %s] %v", e.Kind, e.Step, e.ExecutorID, e.Data)
	default:
		return fmt.Sprintf("[%s step=%d %s]", e.Kind, e.Step, e.ExecutorID)
	}
}
