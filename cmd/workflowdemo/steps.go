package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mafdemo/workflow-go/graph"
	"github.com/mafdemo/workflow-go/samples/steps"
)

func newStepsCmd(root *rootOptions) *cobra.Command {
	var (
		input  string
		replay int
	)
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Run a three step chain and replay it from a checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app, out io.Writer) error {
				engine, err := a.engine(true)
				if err != nil {
					return err
				}
				wf, _, err := steps.Build()
				if err != nil {
					return err
				}

				res, err := steps.Run(ctx, engine, wf, input)
				if err != nil {
					return err
				}
				printEvents(out, res.Events)

				if replay < 0 || replay >= len(res.Checkpoints) {
					return fmt.Errorf("no checkpoint %d, the run took %d", replay, len(res.Checkpoints))
				}
				fmt.Fprintf(out, "\n-------\n\n")

				again, err := steps.Replay(ctx, engine, wf, res.Checkpoints[replay])
				if err != nil {
					return err
				}
				printEvents(out, again.Events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "Start", "text fed to the first step")
	cmd.Flags().IntVar(&replay, "replay", 1, "index of the checkpoint to replay from")
	return cmd
}

func printEvents(out io.Writer, events []graph.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case graph.EventExecutorInvoked:
			fmt.Fprintf(out, "Executor started: %s\n", ev.ExecutorID)
		case graph.EventExecutorCompleted:
			fmt.Fprintf(out, "Executor completed: %s\n", ev.ExecutorID)
		case graph.EventWorkflowOutput:
			fmt.Fprintf(out, "Workflow output: %v\n", ev.Data)
		case graph.EventWorkflowError, graph.EventExecutorFailed:
			fmt.Fprintf(out, "Workflow error: %v\n", ev.Err)
		case graph.EventSuperstepStarted:
			fmt.Fprintf(out, "Super step started: %d\n", ev.Step)
		case graph.EventSuperstepCompleted:
			if ev.Checkpoint != nil {
				fmt.Fprintf(out, "Super step completed: %d: checkpoint %s\n", ev.Step, ev.Checkpoint.CheckpointID)
			} else {
				fmt.Fprintf(out, "Super step completed: %d\n", ev.Step)
			}
		case graph.EventCheckpointRestored:
			fmt.Fprintf(out, "Checkpoint restored at step %d\n", ev.Step)
		case graph.EventCustom:
			fmt.Fprintf(out, "Custom event: %s: %v\n", ev.Name, ev.Data)
		}
	}
}
