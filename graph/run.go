package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph/emit"
)

// Status is the lifecycle state of a run.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusSuspended
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further progress is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// command is work handed to the run loop for execution at a superstep
// boundary.
type command struct {
	fn   func()
	done chan struct{}
}

// Run is one execution of a workflow.
//
// A run's loop advances in supersteps until the workflow completes, fails, is
// cancelled or suspends waiting on external responses. Events are delivered
// on Events; consumers should drain the channel, though the loop never blocks
// on it.
type Run struct {
	id      string
	wf      *Workflow
	opts    Options
	logger  *zap.Logger
	metrics *PrometheusMetrics
	emitter emit.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	step      int
	pending   []envelope
	requests  map[string]ExternalRequest
	output    any
	hasOutput bool
	err       error

	// hookMu serializes checkpoint hooks called after the loop exited.
	hookMu sync.Mutex

	wake chan struct{}
	cmds chan command
	done chan struct{}
	out  *outbox
}

func newRun(ctx context.Context, e *Engine, wf *Workflow, id string) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	return &Run{
		id:       id,
		wf:       wf,
		opts:     e.opts,
		logger:   e.logger.Named("run").With(zap.String("run_id", id)),
		metrics:  e.opts.Metrics,
		emitter:  e.opts.Emitter,
		ctx:      runCtx,
		cancel:   cancel,
		requests: make(map[string]ExternalRequest),
		wake:     make(chan struct{}, 1),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		out:      newOutbox(),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Events returns the run's event stream. It is closed after the final event
// of a terminal run has been delivered.
//
// The stream must be drained, or released with DiscardEvents: undelivered
// events are held in memory until one of the two happens.
func (r *Run) Events() <-chan Event { return r.out.ch }

// DiscardEvents releases the event stream for callers that only use Wait,
// Output or an emitter. Undelivered events are dropped, later events are not
// queued and the Events channel closes. Emitters still see every event.
func (r *Run) DiscardEvents() { r.out.discard() }

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Step returns the number of the last completed superstep.
func (r *Run) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Output returns the value yielded by a designated output executor, if the
// run completed with one.
func (r *Run) Output() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output, r.hasOutput
}

// Err returns the error that failed or cancelled the run.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run reaches a terminal status or ctx is done. A
// suspended run does not end on its own; Wait on it returns only when ctx is.
func (r *Run) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, r.err
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

// Cancel stops the run. Handlers in flight see their context cancelled; the
// run ends as Cancelled at the next boundary.
func (r *Run) Cancel() {
	r.cancel()
}

// PendingRequests returns the outstanding external requests ordered by step
// then id.
func (r *Run) PendingRequests() []ExternalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedRequests(r.requests)
}

// SendResponse answers an outstanding request. The response is enqueued from
// the issuing port for the next superstep and wakes a suspended run.
//
// Errors are returned synchronously: UnknownRequestError for ids that are not
// outstanding (including already answered ones), TypeMismatchError when value
// does not match the port's response type, ErrRunFinished on terminal runs.
func (r *Run) SendResponse(requestID string, value any) error {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return ErrRunFinished
	}
	req, ok := r.requests[requestID]
	if !ok {
		r.mu.Unlock()
		return &UnknownRequestError{RequestID: requestID}
	}
	_, respKind := r.wf.ports[req.PortID].portKinds()
	if !respKind.accepts(value) {
		r.mu.Unlock()
		return &TypeMismatchError{RequestID: requestID, Expected: respKind.typeName(), Got: fmt.Sprintf("%T", value)}
	}
	delete(r.requests, requestID)
	deliveries := r.wf.deliveries(req.PortID, Message{Kind: respKind.name, Payload: value})
	r.pending = append(r.pending, deliveries...)
	r.mu.Unlock()

	r.metrics.AddOutstanding(-1)
	r.metrics.AddPending(len(deliveries))
	r.logger.Debug("response accepted", zap.String("request_id", requestID), zap.String("port_id", req.PortID))
	r.signal()
	return nil
}

func (r *Run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Checkpoint saves a snapshot of the run. A live run takes it at the next
// superstep boundary; a finished run is snapshotted directly.
func (r *Run) Checkpoint(ctx context.Context) (CheckpointInfo, error) {
	if r.opts.Checkpoints == nil {
		return CheckpointInfo{}, &EngineError{Message: "checkpointing is not configured", Code: "MISSING_CHECKPOINTS"}
	}

	var (
		info CheckpointInfo
		err  error
	)
	ran, cerr := r.do(ctx, func() { info, err = r.saveCheckpoint(ctx) })
	if cerr != nil {
		return CheckpointInfo{}, cerr
	}
	if !ran {
		r.hookMu.Lock()
		defer r.hookMu.Unlock()
		info, err = r.saveCheckpoint(ctx)
	}
	return info, err
}

// RestoreCheckpoint rewinds the run to a checkpoint of the same run at the
// next superstep boundary. The restore is all-or-nothing: on failure every
// executor is handed back the state it had before and a
// CheckpointRestoreError is returned.
//
// Outstanding requests of the checkpoint are announced again with
// RequestInfo events. Finished runs return ErrRunFinished; use Engine.Resume.
func (r *Run) RestoreCheckpoint(ctx context.Context, info CheckpointInfo) error {
	if r.opts.Checkpoints == nil {
		return &EngineError{Message: "checkpointing is not configured", Code: "MISSING_CHECKPOINTS"}
	}
	if info.RunID != "" && info.RunID != r.id {
		return &CheckpointRestoreError{CheckpointID: info.CheckpointID,
			Cause: fmt.Errorf("checkpoint belongs to run %s, not %s", info.RunID, r.id)}
	}

	var err error
	ran, cerr := r.do(ctx, func() { err = r.restore(ctx, info) })
	if cerr != nil {
		return cerr
	}
	if !ran {
		return ErrRunFinished
	}
	return err
}

// do hands fn to the run loop and waits for it. It reports false if the loop
// already exited.
func (r *Run) do(ctx context.Context, fn func()) (bool, error) {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case r.cmds <- c:
		<-c.done
		return true, nil
	case <-r.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c command) run() {
	defer close(c.done)
	c.fn()
}

func (r *Run) saveCheckpoint(ctx context.Context) (CheckpointInfo, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return CheckpointInfo{}, err
	}
	info, err := r.opts.Checkpoints.Save(ctx, snap)
	if err != nil {
		return CheckpointInfo{}, err
	}
	r.metrics.IncrementCheckpoints("save")
	return info, nil
}

func (r *Run) snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	step := r.step
	pending := append([]envelope(nil), r.pending...)
	requests := maps.Clone(r.requests)
	r.mu.Unlock()

	executors, err := r.captureExecutors(ctx)
	if err != nil {
		return nil, err
	}
	pm, err := encodePending(pending)
	if err != nil {
		return nil, err
	}
	rq, err := encodeRequests(requests)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		RunID:     r.id,
		Step:      step,
		Pending:   pm,
		Requests:  rq,
		Executors: executors,
		CreatedAt: time.Now().UTC(),
	}
	if snap.IdempotencyKey, err = computeIdempotencyKey(snap); err != nil {
		return nil, fmt.Errorf("compute idempotency key: %w", err)
	}
	return snap, nil
}

func (r *Run) captureExecutors(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	out := make(map[string]map[string]json.RawMessage)
	for _, id := range r.wf.ids {
		cp, ok := r.wf.executors[id].(Checkpointer)
		if !ok {
			continue
		}
		w := newStateWriter(id)
		if err := cp.OnCheckpointing(ctx, w); err != nil {
			return nil, fmt.Errorf("executor %s: checkpointing: %w", id, err)
		}
		out[id] = w.entries
	}
	return out, nil
}

func (r *Run) applyExecutors(ctx context.Context, state map[string]map[string]json.RawMessage) (string, error) {
	for _, id := range r.wf.ids {
		cp, ok := r.wf.executors[id].(Checkpointer)
		if !ok {
			continue
		}
		if err := cp.OnCheckpointRestored(ctx, newStateReader(id, cloneEntries(state[id]))); err != nil {
			return id, err
		}
	}
	return "", nil
}

func (r *Run) restore(ctx context.Context, info CheckpointInfo) error {
	snap, err := r.opts.Checkpoints.Load(ctx, info)
	if err != nil {
		return err
	}
	if snap.RunID != r.id {
		return &CheckpointRestoreError{CheckpointID: info.CheckpointID,
			Cause: fmt.Errorf("checkpoint belongs to run %s, not %s", snap.RunID, r.id)}
	}
	if err := r.apply(ctx, info.CheckpointID, snap); err != nil {
		return err
	}
	r.metrics.IncrementCheckpoints("restore")
	return nil
}

// apply installs snap. Executor state is restored first; if any executor
// rejects its state, the state captured beforehand is handed back and the
// run's queue, requests and step counter are left untouched.
func (r *Run) apply(ctx context.Context, checkpointID string, snap *Snapshot) error {
	fail := func(executorID string, err error) error {
		return &CheckpointRestoreError{CheckpointID: checkpointID, ExecutorID: executorID, Cause: err}
	}

	for id := range snap.Executors {
		if _, ok := r.wf.executors[id]; !ok {
			return fail("", fmt.Errorf("snapshot holds state for unknown executor %q", id))
		}
	}
	pending, err := decodePending(r.wf, snap.Pending)
	if err != nil {
		return fail("", err)
	}
	requests, err := decodeRequests(r.wf, snap.Requests)
	if err != nil {
		return fail("", err)
	}

	backup, err := r.captureExecutors(ctx)
	if err != nil {
		return fail("", fmt.Errorf("capture current state: %w", err))
	}
	if id, err := r.applyExecutors(ctx, snap.Executors); err != nil {
		if _, rbErr := r.applyExecutors(ctx, backup); rbErr != nil {
			r.logger.Error("rollback after failed restore", zap.Error(rbErr))
		}
		return fail(id, err)
	}

	r.mu.Lock()
	r.metrics.AddPending(len(pending) - len(r.pending))
	r.metrics.AddOutstanding(len(requests) - len(r.requests))
	r.step = snap.Step
	r.pending = pending
	r.requests = requests
	r.mu.Unlock()

	info := CheckpointInfo{RunID: r.id, CheckpointID: checkpointID, Step: snap.Step}
	r.publish(Event{Kind: EventCheckpointRestored, Step: snap.Step, Checkpoint: &info})
	for _, req := range sortedRequests(requests) {
		r.publish(Event{Kind: EventRequestInfo, Step: req.Step, ExecutorID: req.PortID, Data: req.Data, Request: &req})
	}
	r.logger.Info("checkpoint restored", zap.String("checkpoint_id", checkpointID), zap.Int("step", snap.Step))
	return nil
}

// publish delivers an event to the consumer stream and the emitter.
func (r *Run) publish(ev Event) {
	if ev.RunID == "" {
		ev.RunID = r.id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.emitter.Emit(ev.toEmit())
	r.out.push(ev)
}

func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// finish records the terminal status. Pending messages and outstanding
// requests are kept so a checkpoint of the finished run still reflects them.
func (r *Run) finish(status Status, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	pending, outstanding, step := len(r.pending), len(r.requests), r.step
	r.mu.Unlock()

	r.metrics.AddPending(-pending)
	r.metrics.AddOutstanding(-outstanding)

	switch status {
	case StatusFailed:
		r.publish(Event{Kind: EventWorkflowError, Step: step, Err: err})
		r.logger.Error("run failed", zap.Int("step", step), zap.Error(err))
	case StatusCancelled:
		r.logger.Info("run cancelled", zap.Int("step", step))
	default:
		r.logger.Info("run completed", zap.Int("step", step))
	}
}

// shutdown releases the workflow and closes the run's channels. It runs
// once, when the loop exits.
func (r *Run) shutdown() {
	r.wf.release()
	r.cancel()
	r.out.close()
	close(r.done)
}
