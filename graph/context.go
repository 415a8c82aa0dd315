package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// envelope is a message in flight between two executors.
type envelope struct {
	Source string
	Target string
	Msg    Message
}

// executorResult collects everything one executor produced during a
// superstep. Nothing in it becomes visible to other executors before the
// barrier.
type executorResult struct {
	executorID string
	events     []Event
	sends      []envelope
	requests   []ExternalRequest
	output     *yielded
	fault      error
	requestSeq int
}

type yielded struct {
	value any
}

// WorkflowContext is the handle a handler uses to talk to the engine. It is
// only valid for the duration of the handler call.
type WorkflowContext struct {
	run    *Run
	step   int
	id     string
	source string
	res    *executorResult
	logger *zap.Logger
}

func newWorkflowContext(r *Run, step int, env envelope, res *executorResult) *WorkflowContext {
	return &WorkflowContext{
		run:    r,
		step:   step,
		id:     env.Target,
		source: env.Source,
		res:    res,
		logger: r.logger.With(zap.Int("step", step), zap.String("executor_id", env.Target)),
	}
}

// RunID returns the id of the current run.
func (wc *WorkflowContext) RunID() string { return wc.run.id }

// Step returns the current superstep number, starting at 1.
func (wc *WorkflowContext) Step() int { return wc.step }

// ExecutorID returns the id of the executor being invoked.
func (wc *WorkflowContext) ExecutorID() string { return wc.id }

// Source returns the id of the executor that sent the message being handled.
// It is empty for the run's input message.
func (wc *WorkflowContext) Source() string { return wc.source }

// Logger returns a logger scoped to this invocation.
func (wc *WorkflowContext) Logger() *zap.Logger { return wc.logger }

// SendMessage sends m along every outgoing edge that carries its kind. The
// targets receive it in the next superstep. A message no edge carries is
// dropped.
func (wc *WorkflowContext) SendMessage(m Message) {
	out := wc.run.wf.deliveries(wc.id, m)
	if len(out) == 0 {
		wc.logger.Debug("message dropped: no edge carries kind", zap.String("kind", m.Kind))
		return
	}
	wc.res.sends = append(wc.res.sends, out...)
}

// SendMessageTo sends m to a single connected target. It returns
// ErrNotConnected if no edge from this executor to target carries m's kind.
func (wc *WorkflowContext) SendMessageTo(target string, m Message) error {
	if !wc.run.wf.connected(wc.id, target, m.Kind) {
		return fmt.Errorf("%w: %s -> %s (kind %q)", ErrNotConnected, wc.id, target, m.Kind)
	}
	wc.res.sends = append(wc.res.sends, envelope{Source: wc.id, Target: target, Msg: m})
	return nil
}

// AddEvent emits a custom event. Custom events surface after the superstep's
// barrier, in the order they were added.
func (wc *WorkflowContext) AddEvent(name string, data any) {
	wc.res.events = append(wc.res.events, wc.event(EventCustom, func(e *Event) {
		e.Name = name
		e.Data = data
	}))
}

// YieldOutput publishes a workflow output. Outputs from designated output
// executors complete the run at the end of the superstep; others are
// reported as intermediate outputs.
func (wc *WorkflowContext) YieldOutput(data any) {
	final := wc.run.wf.IsOutput(wc.id)
	wc.res.events = append(wc.res.events, wc.event(EventWorkflowOutput, func(e *Event) {
		e.Data = data
		e.Intermediate = !final
	}))
	if final {
		wc.res.output = &yielded{value: data}
	}
}

func (wc *WorkflowContext) openRequest(portID string, data any) {
	req := ExternalRequest{
		RequestID: requestID(wc.run.id, wc.step, portID, wc.res.requestSeq),
		PortID:    portID,
		Step:      wc.step,
		Data:      data,
	}
	wc.res.requestSeq++
	wc.res.requests = append(wc.res.requests, req)
	wc.res.events = append(wc.res.events, wc.event(EventRequestInfo, func(e *Event) {
		e.Data = data
		e.Request = &req
	}))
}

func (wc *WorkflowContext) event(kind EventKind, fill func(e *Event)) Event {
	e := Event{Kind: kind, RunID: wc.run.id, Step: wc.step, ExecutorID: wc.id, Timestamp: time.Now()}
	if fill != nil {
		fill(&e)
	}
	return e
}
