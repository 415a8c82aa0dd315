package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// drain reads a run's events until the stream closes.
func drain(r *Run) []Event {
	var events []Event
	for ev := range r.Events() {
		events = append(events, ev)
	}
	return events
}

// Property: a chain of n relays ending in a sink completes in n+1 supersteps,
// runs exactly one executor per superstep and yields the input with every
// suffix appended in order.
func TestProperty_ChainCompletesInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		input := rapid.StringMatching(`[a-z]{0,6}`).Draw(rt, "input")

		b := NewBuilder()
		want := input
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("r%d", i)
			suffix := fmt.Sprintf("/%d", i)
			want += suffix
			b.Add(relay(id, suffix))
			if i > 0 {
				b.Connect(fmt.Sprintf("r%d", i-1), id)
			}
		}
		b.Add(sink("out")).Connect(fmt.Sprintf("r%d", n-1), "out").StartAt("r0").OutputFrom("out")

		wf, err := b.Build()
		if err != nil {
			rt.Fatalf("Build failed: %v", err)
		}
		engine, _ := New()
		run, err := engine.Start(context.Background(), wf, "", textKind.New(input))
		if err != nil {
			rt.Fatalf("Start failed: %v", err)
		}
		events := drain(run)

		if out, _ := run.Output(); out != want {
			rt.Fatalf("expected output %q, got %v", want, out)
		}
		if run.Step() != n+1 {
			rt.Fatalf("expected %d supersteps, got %d", n+1, run.Step())
		}
		if invoked := filter(events, EventExecutorInvoked); len(invoked) != n+1 {
			rt.Fatalf("expected %d invocations, got %d", n+1, len(invoked))
		}
		for _, ev := range filter(events, EventExecutorInvoked) {
			if ev.ExecutorID != "out" && ev.ExecutorID != fmt.Sprintf("r%d", ev.Step-1) {
				rt.Fatalf("executor %s ran in step %d", ev.ExecutorID, ev.Step)
			}
		}
	})
}

// Property: a message fanned out to k targets reaches each of them exactly
// once, and the per-step events of the targets surface in id order.
func TestProperty_FanOutDeliversOncePerTarget(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 6).Draw(rt, "k")
		limit := rapid.IntRange(0, 3).Draw(rt, "limit")

		b := NewBuilder().Add(relay("src", "")).StartAt("src").OutputFrom("src")
		for i := 0; i < k; i++ {
			id := fmt.Sprintf("t%d", i)
			b.Add(ExecutorFunc(id, func(r *RouteBuilder) {
				Handle(r, textKind, func(_ context.Context, _ string, wc *WorkflowContext) error {
					wc.AddEvent("seen", wc.ExecutorID())
					return nil
				})
			})).Connect("src", id)
		}
		wf, err := b.Build()
		if err != nil {
			rt.Fatalf("Build failed: %v", err)
		}
		engine, _ := New(WithMaxConcurrent(limit))
		run, err := engine.Start(context.Background(), wf, "", textKind.New("x"))
		if err != nil {
			rt.Fatalf("Start failed: %v", err)
		}

		var got []string
		for _, ev := range filter(drain(run), EventCustom) {
			got = append(got, ev.Data.(string))
		}
		var want []string
		for i := 0; i < k; i++ {
			want = append(want, fmt.Sprintf("t%d", i))
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			rt.Fatalf("expected %v, got %v", want, got)
		}
	})
}

// Property: the idempotency key depends only on snapshot content, so a
// snapshot survives a JSON round trip with its key intact.
func TestProperty_IdempotencyKeyStable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		snap := &Snapshot{
			RunID: rapid.StringMatching(`[a-z0-9-]{1,12}`).Draw(rt, "run"),
			Step:  rapid.IntRange(0, 1000).Draw(rt, "step"),
			Executors: map[string]map[string]json.RawMessage{
				"x": {"n": json.RawMessage(fmt.Sprint(rapid.Int().Draw(rt, "n")))},
			},
		}
		for _, s := range rapid.SliceOfN(rapid.StringMatching(`[a-z]{0,5}`), 0, 4).Draw(rt, "pending") {
			raw, _ := json.Marshal(s)
			snap.Pending = append(snap.Pending, PendingMessage{Source: "a", Target: "b", Kind: "text", Payload: raw})
		}

		key, err := computeIdempotencyKey(snap)
		if err != nil {
			rt.Fatalf("computeIdempotencyKey failed: %v", err)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			rt.Fatalf("Marshal failed: %v", err)
		}
		var back Snapshot
		if err := json.Unmarshal(data, &back); err != nil {
			rt.Fatalf("Unmarshal failed: %v", err)
		}
		again, _ := computeIdempotencyKey(&back)
		if again != key {
			rt.Fatalf("key changed after round trip: %s vs %s", key, again)
		}
	})
}

// Property: request ids are a pure function of run, step, port and sequence.
func TestProperty_RequestIDsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		run := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "run")
		step := rapid.IntRange(1, 100).Draw(rt, "step")
		seq := rapid.IntRange(0, 10).Draw(rt, "seq")

		id := requestID(run, step, "port", seq)
		if id != requestID(run, step, "port", seq) {
			rt.Fatal("request id is not deterministic")
		}
		if id == requestID(run, step, "port", seq+1) || id == requestID(run, step+1, "port", seq) {
			rt.Fatal("distinct requests share an id")
		}
	})
}

// stamp appends its id and invocation count, and checkpoints the count.
type stamp struct {
	id   string
	seen int
}

func (s *stamp) ID() string { return s.id }

func (s *stamp) ConfigureRoutes(r *RouteBuilder) {
	HandleReturn(r, textKind, textKind, func(_ context.Context, in string, _ *WorkflowContext) (string, error) {
		s.seen++
		return fmt.Sprintf("%s/%s.%d", in, s.id, s.seen), nil
	})
}

func (s *stamp) OnCheckpointing(_ context.Context, w *StateWriter) error {
	return w.Write("seen", s.seen)
}

func (s *stamp) OnCheckpointRestored(_ context.Context, r *StateReader) error {
	return r.Read("seen", &s.seen)
}

// gate sends text back to the head of the chain until it has seen laps
// messages, then forwards to out.
type gate struct {
	laps   int
	visits int
}

func (g *gate) ID() string { return "gate" }

func (g *gate) ConfigureRoutes(r *RouteBuilder) {
	r.Emits(textKind)
	Handle(r, textKind, func(_ context.Context, in string, wc *WorkflowContext) error {
		g.visits++
		if g.visits >= g.laps {
			return wc.SendMessageTo("out", textKind.New(in))
		}
		return wc.SendMessageTo("s0", textKind.New(in))
	})
}

func (g *gate) OnCheckpointing(_ context.Context, w *StateWriter) error {
	return w.Write("visits", g.visits)
}

func (g *gate) OnCheckpointRestored(_ context.Context, r *StateReader) error {
	return r.Read("visits", &g.visits)
}

// trace renders the parts of an event a replay must reproduce.
func trace(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventCheckpointRestored {
			continue
		}
		out = append(out, fmt.Sprintf("%s|%d|%s|%v|%t", ev.Kind, ev.Step, ev.ExecutorID, ev.Data, ev.Intermediate))
	}
	return out
}

// Property: resuming from any checkpoint before the last one reproduces the
// rest of the original run event for event, timestamps aside.
func TestProperty_ResumeReplaysRemainingEvents(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "n")
		laps := rapid.IntRange(1, 3).Draw(rt, "laps")
		input := rapid.StringMatching(`[a-z]{0,6}`).Draw(rt, "input")

		b := NewBuilder()
		for i := 0; i < n; i++ {
			b.Add(&stamp{id: fmt.Sprintf("s%d", i)})
			if i > 0 {
				b.Connect(fmt.Sprintf("s%d", i-1), fmt.Sprintf("s%d", i))
			}
		}
		b.Add(&gate{laps: laps}, sink("out")).
			Connect(fmt.Sprintf("s%d", n-1), "gate").
			Connect("gate", "s0").
			Connect("gate", "out").
			StartAt("s0").
			OutputFrom("out")
		wf, err := b.Build()
		if err != nil {
			rt.Fatalf("Build failed: %v", err)
		}

		engine, _ := New(WithCheckpointing(newTestManager()))
		run, err := engine.Start(context.Background(), wf, "", textKind.New(input))
		if err != nil {
			rt.Fatalf("Start failed: %v", err)
		}
		original := drain(run)
		if run.Status() != StatusCompleted {
			rt.Fatalf("expected completed, got %v (%v)", run.Status(), run.Err())
		}

		var boundaries []int
		for i, ev := range original {
			if ev.Kind == EventSuperstepCompleted {
				boundaries = append(boundaries, i)
			}
		}
		k := rapid.IntRange(0, len(boundaries)-2).Draw(rt, "checkpoint")
		at := original[boundaries[k]]
		if at.Checkpoint == nil {
			rt.Fatalf("superstep %d has no checkpoint", at.Step)
		}

		resumed, err := engine.Resume(context.Background(), wf, *at.Checkpoint)
		if err != nil {
			rt.Fatalf("Resume failed: %v", err)
		}
		replayed := drain(resumed)

		want := trace(original[boundaries[k]+1:])
		got := trace(replayed)
		if strings.Join(got, "\n") != strings.Join(want, "\n") {
			rt.Fatalf("replay from step %d diverged\nexpected:\n%s\ngot:\n%s",
				at.Step, strings.Join(want, "\n"), strings.Join(got, "\n"))
		}
		first, _ := run.Output()
		if again, _ := resumed.Output(); again != first {
			rt.Fatalf("expected resumed output %v, got %v", first, again)
		}
	})
}
