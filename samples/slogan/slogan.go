// Package slogan builds a writer and critic feedback loop. The writer
// composes a slogan for a task, the critic rates it and either accepts it,
// sends feedback for another round or gives up after MaxAttempts revisions.
//
// Both roles are pluggable; the defaults are deterministic rule sets.
package slogan

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph"
)

// SloganResult is a slogan written for a task.
type SloganResult struct {
	Task   string `json:"task"`
	Slogan string `json:"slogan"`
}

// FeedbackResult is the critic's verdict on a slogan.
type FeedbackResult struct {
	Comments string `json:"comments"`
	Rating   int    `json:"rating"`
	Actions  string `json:"actions"`
}

// Message kinds.
var (
	Task     = graph.NewKind[string]("task")
	Slogan   = graph.NewKind[SloganResult]("slogan")
	Feedback = graph.NewKind[FeedbackResult]("feedback")
)

// Custom event names.
const (
	EventSloganGenerated = "SloganGenerated"
	EventFeedback        = "Feedback"
)

// Executor ids.
const (
	WriterID   = "SloganWriter"
	FeedbackID = "FeedbackProvider"
)

// Writer turns tasks and feedback into slogans. It handles two message
// kinds and remembers its last slogan so feedback can be applied to it.
type Writer struct {
	composer Composer
	last     SloganResult
}

// NewWriter creates the writer executor.
func NewWriter(c Composer) *Writer {
	return &Writer{composer: c}
}

// ID implements graph.Executor.
func (w *Writer) ID() string { return WriterID }

// ConfigureRoutes implements graph.Executor.
func (w *Writer) ConfigureRoutes(r *graph.RouteBuilder) {
	graph.HandleReturn(r, Task, Slogan, func(_ context.Context, task string, wc *graph.WorkflowContext) (SloganResult, error) {
		return w.publish(wc, w.composer.Compose(task)), nil
	})
	graph.HandleReturn(r, Feedback, Slogan, func(_ context.Context, fb FeedbackResult, wc *graph.WorkflowContext) (SloganResult, error) {
		return w.publish(wc, w.composer.Revise(w.last, fb)), nil
	})
}

func (w *Writer) publish(wc *graph.WorkflowContext, s SloganResult) SloganResult {
	w.last = s
	wc.AddEvent(EventSloganGenerated, s)
	wc.Logger().Debug("slogan generated", zap.String("slogan", s.Slogan))
	return s
}

// OnCheckpointing implements graph.Checkpointer.
func (w *Writer) OnCheckpointing(_ context.Context, sw *graph.StateWriter) error {
	return sw.Write("last", w.last)
}

// OnCheckpointRestored implements graph.Checkpointer.
func (w *Writer) OnCheckpointRestored(_ context.Context, sr *graph.StateReader) error {
	return sr.Read("last", &w.last)
}

// FeedbackProvider reviews slogans and decides whether the loop goes on.
type FeedbackProvider struct {
	reviewer      Reviewer
	MinimumRating int
	MaxAttempts   int
	attempts      int
}

// NewFeedbackProvider creates the critic with a minimum rating of 8. It
// reviews at most 3 slogans before giving up.
func NewFeedbackProvider(r Reviewer) *FeedbackProvider {
	return &FeedbackProvider{reviewer: r, MinimumRating: 8, MaxAttempts: 3}
}

// ID implements graph.Executor.
func (f *FeedbackProvider) ID() string { return FeedbackID }

// Attempts returns the number of slogans reviewed so far.
func (f *FeedbackProvider) Attempts() int { return f.attempts }

// ConfigureRoutes implements graph.Executor.
func (f *FeedbackProvider) ConfigureRoutes(r *graph.RouteBuilder) {
	r.Emits(Feedback)
	graph.Handle(r, Slogan, f.review)
}

func (f *FeedbackProvider) review(_ context.Context, s SloganResult, wc *graph.WorkflowContext) error {
	fb := f.reviewer.Review(s)
	f.attempts++
	wc.AddEvent(EventFeedback, fb)
	wc.Logger().Debug("slogan reviewed", zap.Int("rating", fb.Rating), zap.Int("attempts", f.attempts))

	if fb.Rating >= f.MinimumRating {
		wc.YieldOutput(fmt.Sprintf("The following slogan was accepted:\n\n%s", s.Slogan))
		return nil
	}
	if f.attempts >= f.MaxAttempts {
		wc.YieldOutput(fmt.Sprintf("The slogan was rejected after %d attempts. Final slogan:\n\n%s", f.MaxAttempts, s.Slogan))
		return nil
	}

	wc.SendMessage(Feedback.New(fb))
	return nil
}

// OnCheckpointing implements graph.Checkpointer.
func (f *FeedbackProvider) OnCheckpointing(_ context.Context, w *graph.StateWriter) error {
	return w.Write("attempts", f.attempts)
}

// OnCheckpointRestored implements graph.Checkpointer.
func (f *FeedbackProvider) OnCheckpointRestored(_ context.Context, r *graph.StateReader) error {
	return r.Read("attempts", &f.attempts)
}

// Build connects writer and critic in a loop with the critic as output
// executor.
func Build(w *Writer, f *FeedbackProvider) (*graph.Workflow, error) {
	return graph.NewBuilder().
		Add(w, f).
		StartAt(WriterID).
		Connect(WriterID, FeedbackID).
		Connect(FeedbackID, WriterID).
		OutputFrom(FeedbackID).
		Build()
}

// Round is one write and review cycle observed on the event stream.
type Round struct {
	Slogan   SloganResult
	Feedback *FeedbackResult
}

// Outcome is the result of a finished loop.
type Outcome struct {
	Verdict string
	Rounds  []Round
}

// Run starts the loop for task and collects every round from the custom
// events.
func Run(ctx context.Context, engine *graph.Engine, wf *graph.Workflow, task string) (*Outcome, error) {
	run, err := engine.Start(ctx, wf, "", Task.New(task))
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	for ev := range run.Events() {
		if ev.Kind != graph.EventCustom {
			continue
		}
		switch data := ev.Data.(type) {
		case SloganResult:
			out.Rounds = append(out.Rounds, Round{Slogan: data})
		case FeedbackResult:
			if n := len(out.Rounds); n > 0 {
				out.Rounds[n-1].Feedback = &data
			}
		}
	}

	if _, err := run.Wait(ctx); err != nil {
		return out, err
	}
	verdict, ok := run.Output()
	if !ok {
		return out, fmt.Errorf("run %s finished without a verdict", run.ID())
	}
	out.Verdict = verdict.(string)
	return out, nil
}
