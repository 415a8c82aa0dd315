package graph

import (
	"encoding/json"
	"fmt"
	"maps"
)

// StateWriter receives an executor's private state during checkpointing.
// Values are stored as JSON, so they must be JSON-marshalable; channels,
// functions and cyclic structures will fail.
type StateWriter struct {
	executorID string
	entries    map[string]json.RawMessage
}

func newStateWriter(executorID string) *StateWriter {
	return &StateWriter{executorID: executorID, entries: make(map[string]json.RawMessage)}
}

// Write stores value under key, replacing any earlier entry.
func (w *StateWriter) Write(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("executor %s: encode state %q: %w", w.executorID, key, err)
	}
	w.entries[key] = raw
	return nil
}

// StateReader exposes the entries an executor wrote in a checkpoint.
type StateReader struct {
	executorID string
	entries    map[string]json.RawMessage
}

func newStateReader(executorID string, entries map[string]json.RawMessage) *StateReader {
	return &StateReader{executorID: executorID, entries: entries}
}

// Read decodes the entry stored under key into out. It returns
// ErrStateNotFound if the checkpoint holds no such entry.
func (r *StateReader) Read(key string, out any) error {
	raw, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("executor %s: state %q: %w", r.executorID, key, ErrStateNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("executor %s: decode state %q: %w", r.executorID, key, err)
	}
	return nil
}

// Has reports whether the checkpoint holds an entry for key.
func (r *StateReader) Has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of stored entries.
func (r *StateReader) Len() int {
	return len(r.entries)
}

func cloneEntries(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	maps.Copy(out, in)
	return out
}
