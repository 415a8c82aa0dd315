// Package steps chains three stateful executors and demonstrates
// checkpointing: every step appends its marker to the text it receives,
// remembers the result and yields it.
package steps

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph"
)

// Text is the message kind passed along the chain.
var Text = graph.NewKind[string]("text")

// StepExecutor appends " -> Step<n>" to its input.
type StepExecutor struct {
	step  int
	state string
}

// NewStepExecutor creates the executor for step n.
func NewStepExecutor(n int) *StepExecutor {
	return &StepExecutor{step: n}
}

// ID implements graph.Executor.
func (s *StepExecutor) ID() string { return fmt.Sprintf("StepExecutor%d", s.step) }

// State returns the last text the step produced.
func (s *StepExecutor) State() string { return s.state }

func (s *StepExecutor) stateKey() string { return fmt.Sprintf("StepExecutorState-%d", s.step) }

// ConfigureRoutes implements graph.Executor.
func (s *StepExecutor) ConfigureRoutes(r *graph.RouteBuilder) {
	graph.HandleReturn(r, Text, Text, func(_ context.Context, input string, wc *graph.WorkflowContext) (string, error) {
		wc.Logger().Debug("executing step", zap.String("input", input), zap.String("state", s.state))
		s.state = fmt.Sprintf("%s -> Step%d", input, s.step)
		wc.YieldOutput(s.state)
		return s.state, nil
	})
}

// OnCheckpointing implements graph.Checkpointer.
func (s *StepExecutor) OnCheckpointing(_ context.Context, w *graph.StateWriter) error {
	return w.Write(s.stateKey(), s.state)
}

// OnCheckpointRestored implements graph.Checkpointer.
func (s *StepExecutor) OnCheckpointRestored(_ context.Context, r *graph.StateReader) error {
	return r.Read(s.stateKey(), &s.state)
}

// Build chains three steps. Only the last one is an output executor; the
// others' yields surface as intermediate outputs.
func Build() (*graph.Workflow, []*StepExecutor, error) {
	execs := []*StepExecutor{NewStepExecutor(1), NewStepExecutor(2), NewStepExecutor(3)}
	wf, err := graph.NewBuilder().
		Add(execs[0], execs[1], execs[2]).
		StartAt(execs[0].ID()).
		Connect(execs[0].ID(), execs[1].ID()).
		Connect(execs[1].ID(), execs[2].ID()).
		OutputFrom(execs[2].ID()).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return wf, execs, nil
}

// Result reports one pass through the chain.
type Result struct {
	Output      string
	Checkpoints []graph.CheckpointInfo
	Events      []graph.Event
}

// Run executes the chain once, collecting the checkpoint of every superstep.
// The engine must have checkpointing enabled.
func Run(ctx context.Context, engine *graph.Engine, wf *graph.Workflow, input string) (*Result, error) {
	run, err := engine.Start(ctx, wf, "", Text.New(input))
	if err != nil {
		return nil, err
	}
	return collect(ctx, run)
}

// Replay resumes the chain from a checkpoint taken by Run and lets it finish
// again.
func Replay(ctx context.Context, engine *graph.Engine, wf *graph.Workflow, from graph.CheckpointInfo) (*Result, error) {
	run, err := engine.Resume(ctx, wf, from)
	if err != nil {
		return nil, err
	}
	return collect(ctx, run)
}

func collect(ctx context.Context, run *graph.Run) (*Result, error) {
	res := &Result{}
	for ev := range run.Events() {
		res.Events = append(res.Events, ev)
		if ev.Kind == graph.EventSuperstepCompleted && ev.Checkpoint != nil {
			res.Checkpoints = append(res.Checkpoints, *ev.Checkpoint)
		}
	}
	if _, err := run.Wait(ctx); err != nil {
		return res, err
	}
	out, ok := run.Output()
	if !ok {
		return res, fmt.Errorf("run %s finished without output", run.ID())
	}
	res.Output = out.(string)
	return res, nil
}
