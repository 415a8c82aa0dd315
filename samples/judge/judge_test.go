package judge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mafdemo/workflow-go/graph"
	"github.com/mafdemo/workflow-go/samples/judge"
)

func newEngine(t *testing.T) *graph.Engine {
	t.Helper()
	engine, err := graph.New(graph.WithMaxSteps(100))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func TestPlay_ScriptedGuesses(t *testing.T) {
	wf, err := judge.Build(42)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var signals []judge.NumberSignal
	script := judge.Script(50, 25, 40, 42)
	recording := judge.GuesserFunc(func(ctx context.Context, s judge.NumberSignal) (int, error) {
		signals = append(signals, s)
		return script.Guess(ctx, s)
	})

	got, err := judge.Play(context.Background(), newEngine(t), wf, recording)
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if got != "42 found in 4 tries!" {
		t.Errorf("expected %q, got %q", "42 found in 4 tries!", got)
	}

	want := []judge.NumberSignal{judge.Init, judge.Above, judge.Below, judge.Below}
	if len(signals) != len(want) {
		t.Fatalf("expected signals %v, got %v", want, signals)
	}
	for i := range want {
		if signals[i] != want[i] {
			t.Errorf("signal %d: expected %s, got %s", i, want[i], signals[i])
		}
	}
}

func TestPlay_Bisect(t *testing.T) {
	tests := []struct {
		name   string
		target int
	}{
		{"low", 1},
		{"middle", 42},
		{"high", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := judge.Build(tt.target)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			got, err := judge.Play(context.Background(), newEngine(t), wf, judge.Bisect(1, 100))
			if err != nil {
				t.Fatalf("Play failed: %v", err)
			}
			j, _ := wf.Executor(judge.JudgeID)
			tries := j.(*judge.Judge).Tries()
			if tries > 7 {
				t.Errorf("expected at most 7 tries, got %d (%s)", tries, got)
			}
		})
	}
}

func TestPlay_GuesserGivesUp(t *testing.T) {
	wf, err := judge.Build(42)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = judge.Play(context.Background(), newEngine(t), wf, judge.Script(1, 2))
	if !errors.Is(err, judge.ErrOutOfGuesses) {
		t.Errorf("expected ErrOutOfGuesses, got %v", err)
	}

	// The cancelled run released the workflow.
	if _, err := judge.Play(context.Background(), newEngine(t), wf, judge.Script(42)); err != nil {
		t.Errorf("expected second game to start, got %v", err)
	}
}

func TestNumberSignal_String(t *testing.T) {
	if judge.Above.String() != "above" || judge.NumberSignal(9).String() != "signal(9)" {
		t.Error("unexpected signal names")
	}
}
