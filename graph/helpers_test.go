package graph

import (
	"context"
	"fmt"
	"testing"
	"time"
)

var (
	textKind  = NewKind[string]("text")
	countKind = NewKind[int]("count")
)

const testTimeout = 5 * time.Second

// relay forwards text with a suffix appended.
func relay(id, suffix string) Executor {
	return ExecutorFunc(id, func(r *RouteBuilder) {
		HandleReturn(r, textKind, textKind, func(_ context.Context, s string, _ *WorkflowContext) (string, error) {
			return s + suffix, nil
		})
	})
}

// sink yields every text it receives.
func sink(id string) Executor {
	return ExecutorFunc(id, func(r *RouteBuilder) {
		Handle(r, textKind, func(_ context.Context, s string, wc *WorkflowContext) error {
			wc.YieldOutput(s)
			return nil
		})
	})
}

// counter accumulates count messages and checkpoints its total.
type counter struct {
	id          string
	total       int
	failRestore bool
}

func (c *counter) ID() string { return c.id }

func (c *counter) ConfigureRoutes(r *RouteBuilder) {
	Handle(r, countKind, func(_ context.Context, n int, wc *WorkflowContext) error {
		c.total += n
		wc.SendMessage(countKind.New(c.total))
		return nil
	})
}

func (c *counter) OnCheckpointing(_ context.Context, w *StateWriter) error {
	return w.Write("total", c.total)
}

func (c *counter) OnCheckpointRestored(_ context.Context, r *StateReader) error {
	if c.failRestore {
		return fmt.Errorf("counter %s refuses restore", c.id)
	}
	var total int
	if err := r.Read("total", &total); err != nil {
		return err
	}
	c.total = total
	return nil
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func mustBuild(t *testing.T, b *Builder) *Workflow {
	t.Helper()
	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return wf
}

// collect drains the event stream of a run that is expected to finish.
func collect(t *testing.T, r *Run) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(testTimeout)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("run %s did not finish; status %v, %d events so far", r.ID(), r.Status(), len(events))
		}
	}
}

// next reads events until one matches pred.
func next(t *testing.T, r *Run, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				t.Fatalf("event stream closed before match; status %v err %v", r.Status(), r.Err())
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("no matching event; status %v", r.Status())
		}
	}
}

func ofKind(kind EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == kind }
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func filter(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitStatus(t *testing.T, r *Run, want Status) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if r.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected status %v, got %v", want, r.Status())
}
