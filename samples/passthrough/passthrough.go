// Package passthrough puts a request port in the middle of a chain. The
// input is uppercased, handed to the outside world through the input port,
// and whatever text comes back is reversed and yielded.
package passthrough

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph"
)

// Message kinds. The port receives Upper and answers with Reply.
var (
	Text  = graph.NewKind[string]("text")
	Upper = graph.NewKind[string]("upper_text")
	Reply = graph.NewKind[string]("reply_text")
)

// Executor ids.
const (
	UppercaseID = "UppercaseExecutor"
	PortID      = "input-port"
	ReverseID   = "ReverseTextExecutor"
)

// EventReversing is the custom event raised before text is reversed.
const EventReversing = "Reversing"

// Notice is the intermediate output the uppercase step yields.
const Notice = "Output yielded from inside an executor"

// Uppercase uppercases text and yields an intermediate notice.
func Uppercase() graph.Executor {
	return graph.ExecutorFunc(UppercaseID, func(r *graph.RouteBuilder) {
		graph.HandleReturn(r, Text, Upper, func(_ context.Context, s string, wc *graph.WorkflowContext) (string, error) {
			wc.YieldOutput(Notice)
			return strings.ToUpper(s), nil
		})
	})
}

// ReverseText yields its input with the runes in reverse order.
func ReverseText() graph.Executor {
	return graph.ExecutorFunc(ReverseID, func(r *graph.RouteBuilder) {
		graph.Handle(r, Reply, func(_ context.Context, s string, wc *graph.WorkflowContext) error {
			wc.AddEvent(EventReversing, fmt.Sprintf("reversing text: %s", s))
			wc.Logger().Debug("reversing", zap.Int("runes", len([]rune(s))))
			wc.YieldOutput(Reverse(s))
			return nil
		})
	})
}

// Reverse reverses s rune by rune.
func Reverse(s string) string {
	runes := []rune(s)
	slices.Reverse(runes)
	return string(runes)
}

// Build chains uppercase, the input port and reverse. Reverse is the output
// executor.
func Build() (*graph.Workflow, error) {
	return graph.NewBuilder().
		Add(Uppercase(), graph.NewRequestPort(PortID, Upper, Reply), ReverseText()).
		StartAt(UppercaseID).
		Connect(UppercaseID, PortID).
		Connect(PortID, ReverseID).
		OutputFrom(ReverseID).
		Build()
}

// Responder answers the port's request. prompt is the uppercased input.
type Responder func(ctx context.Context, prompt string) (string, error)

// Result is the outcome of one run.
type Result struct {
	Output string
	// Intermediate holds outputs yielded before the final one.
	Intermediate []string
	Events       []graph.Event
}

// Run feeds input through the chain and answers the port with respond.
func Run(ctx context.Context, engine *graph.Engine, wf *graph.Workflow, input string, respond Responder) (*Result, error) {
	run, err := engine.Start(ctx, wf, "", Text.New(input))
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var runErr error
	for ev := range run.Events() {
		res.Events = append(res.Events, ev)
		switch ev.Kind {
		case graph.EventWorkflowOutput:
			if ev.Intermediate {
				res.Intermediate = append(res.Intermediate, fmt.Sprint(ev.Data))
			}
		case graph.EventRequestInfo:
			if runErr != nil {
				continue
			}
			prompt, _ := ev.Request.Data.(string)
			answer, err := respond(ctx, prompt)
			if err == nil {
				err = run.SendResponse(ev.Request.RequestID, answer)
			}
			if err != nil {
				runErr = err
				run.Cancel()
			}
		}
	}
	if runErr != nil {
		return res, runErr
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
