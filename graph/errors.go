// Package graph provides the superstep workflow engine: executors connected by
// directed edges, driven in bulk-synchronous rounds, with request ports for
// external input and checkpoint/restore of per-executor state.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMaxStepsExceeded indicates that the run reached the configured superstep
// limit while messages were still pending.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrWorkflowBusy is returned by Engine.Start and Engine.Resume when another
// run still owns the workflow definition.
var ErrWorkflowBusy = errors.New("workflow is owned by an active run")

// ErrRunFinished is returned by operations that need a live run loop
// (RestoreCheckpoint, SendResponse) once the run reached a terminal status.
// Use Engine.Resume to continue from a checkpoint of a finished run.
var ErrRunFinished = errors.New("run has finished")

// ErrNotConnected is returned by WorkflowContext.SendMessageTo when no edge
// from the sending executor reaches the target for the message kind.
var ErrNotConnected = errors.New("target executor is not connected")

// ErrStateNotFound is returned by StateReader.Read for a missing key.
var ErrStateNotFound = errors.New("checkpoint state entry not found")

// EngineError represents a configuration or runtime error raised by the engine
// itself rather than by an executor.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	return e.Message
}

// GraphValidationError lists every structural problem Builder.Build found.
// All problems are reported at once.
type GraphValidationError struct {
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Problems, "; "))
}

// UnhandledMessageTypeError is reported when a message reaches an executor that
// has neither a handler for its kind nor a catch-all handler. It does not fail
// the run: the message's path simply stalls.
type UnhandledMessageTypeError struct {
	ExecutorID string
	Kind       string
}

func (e *UnhandledMessageTypeError) Error() string {
	return fmt.Sprintf("executor %s has no handler for message kind %q", e.ExecutorID, e.Kind)
}

// TypeMismatchError is returned by Run.SendResponse when the value does not
// match the response type of the port that issued the request.
type TypeMismatchError struct {
	RequestID string
	Expected  string
	Got       string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("response to request %s: expected %s, got %s", e.RequestID, e.Expected, e.Got)
}

// UnknownRequestError is returned by Run.SendResponse for an id that is not
// outstanding, including ids that were already answered.
type UnknownRequestError struct {
	RequestID string
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("no outstanding request with id %s", e.RequestID)
}

// ExecutorFault wraps an error returned (or a panic raised) by a handler.
// A fault fails the run after the current superstep's barrier.
type ExecutorFault struct {
	ExecutorID string
	Step       int
	Panicked   bool
	Cause      error
}

func (e *ExecutorFault) Error() string {
	if e.Panicked {
		return fmt.Sprintf("executor %s panicked in step %d: %v", e.ExecutorID, e.Step, e.Cause)
	}
	return fmt.Sprintf("executor %s failed in step %d: %v", e.ExecutorID, e.Step, e.Cause)
}

func (e *ExecutorFault) Unwrap() error {
	return e.Cause
}

// CheckpointRestoreError reports a failed restore. The run keeps the state it
// had before the attempt.
type CheckpointRestoreError struct {
	CheckpointID string
	ExecutorID   string
	Cause        error
}

func (e *CheckpointRestoreError) Error() string {
	if e.ExecutorID != "" {
		return fmt.Sprintf("restore checkpoint %s: executor %s: %v", e.CheckpointID, e.ExecutorID, e.Cause)
	}
	return fmt.Sprintf("restore checkpoint %s: %v", e.CheckpointID, e.Cause)
}

func (e *CheckpointRestoreError) Unwrap() error {
	return e.Cause
}
