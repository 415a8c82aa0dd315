// Package judge builds a number guessing workflow. A GuessNumber request port
// asks the outside world for guesses and a Judge executor compares them with
// a hidden target, sending Above or Below back to the port until the guess
// is right.
package judge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph"
)

// NumberSignal tells the guesser how its last guess compared to the target.
type NumberSignal int

const (
	// Init asks for the first guess.
	Init NumberSignal = iota
	// Above means the last guess was too large.
	Above
	// Below means the last guess was too small.
	Below
)

func (s NumberSignal) String() string {
	switch s {
	case Init:
		return "init"
	case Above:
		return "above"
	case Below:
		return "below"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Message kinds exchanged between the port and the judge.
var (
	Signal = graph.NewKind[NumberSignal]("number_signal")
	Guess  = graph.NewKind[int]("guess")
)

// Executor ids.
const (
	PortID  = "GuessNumber"
	JudgeID = "Judge"
)

// Judge compares guesses with the target and counts tries.
type Judge struct {
	target int
	tries  int
}

// NewJudge creates a judge for target.
func NewJudge(target int) *Judge {
	return &Judge{target: target}
}

// ID implements graph.Executor.
func (j *Judge) ID() string { return JudgeID }

// ConfigureRoutes implements graph.Executor.
func (j *Judge) ConfigureRoutes(r *graph.RouteBuilder) {
	r.Emits(Signal)
	graph.Handle(r, Guess, j.judge)
}

func (j *Judge) judge(_ context.Context, guess int, wc *graph.WorkflowContext) error {
	j.tries++
	wc.Logger().Debug("judging guess", zap.Int("guess", guess), zap.Int("tries", j.tries))

	switch {
	case guess == j.target:
		wc.YieldOutput(fmt.Sprintf("%d found in %d tries!", j.target, j.tries))
	case guess < j.target:
		wc.SendMessage(Signal.New(Below))
	default:
		wc.SendMessage(Signal.New(Above))
	}
	return nil
}

// Tries returns the number of guesses judged so far.
func (j *Judge) Tries() int { return j.tries }

// OnCheckpointing implements graph.Checkpointer.
func (j *Judge) OnCheckpointing(_ context.Context, w *graph.StateWriter) error {
	return w.Write("tries", j.tries)
}

// OnCheckpointRestored implements graph.Checkpointer.
func (j *Judge) OnCheckpointRestored(_ context.Context, r *graph.StateReader) error {
	return r.Read("tries", &j.tries)
}

// Build wires the port and the judge into a loop. The judge is the output
// executor.
func Build(target int) (*graph.Workflow, error) {
	return graph.NewBuilder().
		Add(graph.NewRequestPort(PortID, Signal, Guess), NewJudge(target)).
		StartAt(PortID).
		Connect(PortID, JudgeID).
		Connect(JudgeID, PortID).
		OutputFrom(JudgeID).
		Build()
}

// Guesser produces the next guess for a signal.
type Guesser interface {
	Guess(ctx context.Context, signal NumberSignal) (int, error)
}

// GuesserFunc adapts a function to Guesser.
type GuesserFunc func(ctx context.Context, signal NumberSignal) (int, error)

// Guess implements Guesser.
func (f GuesserFunc) Guess(ctx context.Context, signal NumberSignal) (int, error) {
	return f(ctx, signal)
}

// ErrOutOfGuesses is returned by Script once its guesses are used up.
var ErrOutOfGuesses = errors.New("out of guesses")

// Script replays a fixed list of guesses.
func Script(guesses ...int) Guesser {
	i := 0
	return GuesserFunc(func(context.Context, NumberSignal) (int, error) {
		if i >= len(guesses) {
			return 0, ErrOutOfGuesses
		}
		g := guesses[i]
		i++
		return g, nil
	})
}

// Bisect searches [lo, hi] by halving the interval on every signal.
func Bisect(lo, hi int) Guesser {
	last := 0
	return GuesserFunc(func(_ context.Context, signal NumberSignal) (int, error) {
		switch signal {
		case Above:
			hi = last - 1
		case Below:
			lo = last + 1
		}
		if lo > hi {
			return 0, fmt.Errorf("no number left in [%d, %d]", lo, hi)
		}
		last = lo + (hi-lo)/2
		return last, nil
	})
}

// Play starts a run of wf and answers every request with g until the judge
// yields its verdict.
func Play(ctx context.Context, engine *graph.Engine, wf *graph.Workflow, g Guesser) (string, error) {
	run, err := engine.Start(ctx, wf, "", Signal.New(Init))
	if err != nil {
		return "", err
	}

	var playErr error
	for ev := range run.Events() {
		if ev.Kind != graph.EventRequestInfo || playErr != nil {
			continue
		}
		signal, ok := ev.Request.Data.(NumberSignal)
		if !ok {
			playErr = fmt.Errorf("unexpected request data %T", ev.Request.Data)
			run.Cancel()
			continue
		}
		guess, err := g.Guess(ctx, signal)
		if err != nil {
			playErr = fmt.Errorf("guess after %s: %w", signal, err)
			run.Cancel()
			continue
		}
		if err := run.SendResponse(ev.Request.RequestID, guess); err != nil {
			playErr = err
			run.Cancel()
		}
	}
	if playErr != nil {
		return "", playErr
	}

	status, err := run.Wait(ctx)
	if err != nil {
		return "", err
	}
	out, ok := run.Output()
	if status != graph.StatusCompleted || !ok {
		return "", fmt.Errorf("run %s ended %s without a verdict", run.ID(), status)
	}
	return out.(string), nil
}
