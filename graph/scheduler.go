package graph

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// loop drives the run until it reaches a terminal status.
//
// Each iteration first executes queued commands (checkpoint, restore), which
// therefore always observe a superstep boundary. Then:
//
//   - nothing pending, requests outstanding: suspend until a response, a
//     command or cancellation arrives
//   - nothing pending, no requests: emit WorkflowIdle and complete
//   - step limit reached: fail with ErrMaxStepsExceeded
//   - otherwise: execute one superstep
func (r *Run) loop() {
	defer r.shutdown()

	for {
		r.drainCommands()
		if err := r.ctx.Err(); err != nil {
			r.finish(StatusCancelled, err)
			return
		}

		r.mu.Lock()
		pending, outstanding, step := len(r.pending), len(r.requests), r.step
		r.mu.Unlock()

		if pending == 0 {
			if outstanding > 0 {
				r.setStatus(StatusSuspended)
				r.await()
				continue
			}
			r.publish(Event{Kind: EventWorkflowIdle, Step: step})
			r.finish(StatusCompleted, nil)
			return
		}

		if r.opts.MaxSteps > 0 && step >= r.opts.MaxSteps {
			r.finish(StatusFailed, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, r.opts.MaxSteps))
			return
		}

		r.setStatus(StatusRunning)
		if r.superstep(step + 1) {
			return
		}
	}
}

func (r *Run) drainCommands() {
	for {
		select {
		case c := <-r.cmds:
			c.run()
		default:
			return
		}
	}
}

func (r *Run) await() {
	select {
	case <-r.wake:
	case c := <-r.cmds:
		c.run()
	case <-r.ctx.Done():
	}
}

// superstep executes every message queued at the start of the step. Messages
// sent during the step, and responses arriving meanwhile, are delivered in
// the following step. It reports whether the run reached a terminal status.
func (r *Run) superstep(step int) bool {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	r.metrics.AddPending(-len(batch))

	r.publish(Event{Kind: EventSuperstepStarted, Step: step})

	targets, inboxes := groupByTarget(batch)
	results := make([]*executorResult, len(targets))

	var g errgroup.Group
	if r.opts.MaxConcurrentExecutors > 0 {
		g.SetLimit(r.opts.MaxConcurrentExecutors)
	}
	for i, id := range targets {
		g.Go(func() error {
			results[i] = r.runExecutor(step, id, inboxes[id])
			return nil
		})
	}
	_ = g.Wait()

	// Barrier: merge results in target id order.
	var (
		fault  error
		final  *yielded
		events []Event
		sends  []envelope
		opened []ExternalRequest
	)
	for _, res := range results {
		events = append(events, res.events...)
		if res.fault != nil && fault == nil {
			fault = res.fault
		}
		sends = append(sends, res.sends...)
		opened = append(opened, res.requests...)
		if res.output != nil {
			final = res.output
		}
	}

	// A step whose handlers all returned is committed even when the run was
	// cancelled meanwhile, so the state matches a completed step boundary.
	cancelled := r.ctx.Err() != nil
	r.mu.Lock()
	r.step = step
	if fault == nil {
		r.pending = append(r.pending, sends...)
		for _, req := range opened {
			r.requests[req.RequestID] = req
		}
	}
	r.mu.Unlock()
	if fault == nil {
		r.metrics.AddPending(len(sends))
		r.metrics.AddOutstanding(len(opened))
	}

	// Requests are registered before their RequestInfo events go out, so a
	// consumer may answer as soon as it sees one.
	for _, ev := range events {
		r.publish(ev)
	}

	switch {
	case cancelled:
		r.finish(StatusCancelled, r.ctx.Err())
		return true
	case fault != nil:
		r.metrics.IncrementSupersteps("fault")
		r.finish(StatusFailed, fault)
		return true
	}

	if final != nil {
		r.mu.Lock()
		discarded, dropped := len(r.pending), len(r.requests)
		r.pending = nil
		r.requests = make(map[string]ExternalRequest)
		r.output = final.value
		r.hasOutput = true
		r.mu.Unlock()
		r.metrics.AddPending(-discarded)
		r.metrics.AddOutstanding(-dropped)
		if discarded > 0 || dropped > 0 {
			r.logger.Debug("output yielded; discarding queued work",
				zap.Int("messages", discarded), zap.Int("requests", dropped))
		}
	}

	var info *CheckpointInfo
	if r.opts.Checkpoints != nil {
		ci, err := r.saveCheckpoint(r.ctx)
		if err != nil {
			r.finish(StatusFailed, fmt.Errorf("checkpoint after step %d: %w", step, err))
			return true
		}
		info = &ci
	}
	r.publish(Event{Kind: EventSuperstepCompleted, Step: step, Checkpoint: info})
	r.metrics.IncrementSupersteps("ok")

	if final != nil {
		r.finish(StatusCompleted, nil)
		return true
	}
	return false
}

// groupByTarget splits a batch into per-executor inboxes, preserving message
// order within each inbox, and returns the targets sorted by id.
func groupByTarget(batch []envelope) ([]string, map[string][]envelope) {
	inboxes := make(map[string][]envelope)
	for _, env := range batch {
		inboxes[env.Target] = append(inboxes[env.Target], env)
	}
	targets := make([]string, 0, len(inboxes))
	for id := range inboxes {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	return targets, inboxes
}

// runExecutor processes one executor's inbox sequentially. A fault stops the
// inbox; an unhandled message only skips that message.
func (r *Run) runExecutor(step int, id string, inbox []envelope) *executorResult {
	res := &executorResult{executorID: id}
	routes := r.wf.routes[id]

	for _, env := range inbox {
		wc := newWorkflowContext(r, step, env, res)
		msg := env.Msg
		res.events = append(res.events, wc.event(EventExecutorInvoked, func(e *Event) { e.Data = msg.Payload }))

		handler, ok := routes.lookup(msg.Kind)
		if !ok {
			r.unhandled(wc, res, &UnhandledMessageTypeError{ExecutorID: id, Kind: msg.Kind})
			continue
		}

		r.metrics.AddInflight(1)
		start := time.Now()
		result, err := invokeHandler(r.ctx, handler, msg, wc, r.opts.ExecutorTimeout)
		latency := time.Since(start)
		r.metrics.AddInflight(-1)

		if err != nil {
			var unhandled *UnhandledMessageTypeError
			if errors.As(err, &unhandled) {
				r.unhandled(wc, res, unhandled)
				continue
			}

			fault, reason := asFault(err, id, step)
			r.metrics.RecordExecutorLatency(id, latency, statusFor(reason))
			r.metrics.IncrementFaults(id, reason)
			res.events = append(res.events, wc.event(EventExecutorFailed, func(e *Event) { e.Err = fault }))
			res.fault = fault
			wc.logger.Warn("handler failed", zap.String("kind", msg.Kind), zap.Error(err))
			return res
		}

		r.metrics.RecordExecutorLatency(id, latency, "success")
		res.events = append(res.events, wc.event(EventExecutorCompleted, func(e *Event) { e.Data = result }))
	}
	return res
}

func (r *Run) unhandled(wc *WorkflowContext, res *executorResult, err *UnhandledMessageTypeError) {
	r.metrics.RecordExecutorLatency(wc.id, 0, "unhandled")
	res.events = append(res.events, wc.event(EventExecutorFailed, func(e *Event) { e.Err = err }))
	wc.logger.Warn("message stalled: no handler", zap.String("kind", err.Kind))
}

func asFault(err error, id string, step int) (*ExecutorFault, string) {
	var fault *ExecutorFault
	if errors.As(err, &fault) && fault.Panicked {
		return fault, "panic"
	}
	reason := "error"
	if errors.Is(err, errExecutorTimeout) {
		reason = "timeout"
	}
	return &ExecutorFault{ExecutorID: id, Step: step, Cause: err}, reason
}

func statusFor(reason string) string {
	if reason == "timeout" {
		return "timeout"
	}
	return "error"
}
