package emit

import "time"

// Event is the observability form of a workflow event.
//
// Msg carries the event kind (for example "executor_invoked" or
// "workflow_output"). Meta carries kind-specific details such as "data",
// "error", "request_id" and "checkpoint_id".
type Event struct {
	// RunID identifies the run that produced the event.
	RunID string

	// Step is the superstep number, starting at 1. Events raised outside a
	// superstep (restores, idle notifications) carry the last completed step.
	Step int

	// ExecutorID is empty for run-level events.
	ExecutorID string

	Msg string

	Meta map[string]interface{}

	Timestamp time.Time
}

// Error returns the "error" metadata entry, if any.
func (e Event) Error() (string, bool) {
	s, ok := e.Meta["error"].(string)
	return s, ok
}
