package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mafdemo/workflow-go/samples/judge"
)

func newJudgeCmd(root *rootOptions) *cobra.Command {
	var (
		target int
		auto   bool
		lo, hi int
	)
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Guess a hidden number through a request port",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app, out io.Writer) error {
				engine, err := a.engine(false)
				if err != nil {
					return err
				}
				wf, err := judge.Build(target)
				if err != nil {
					return err
				}

				var g judge.Guesser
				if auto {
					g = judge.Bisect(lo, hi)
				} else {
					g = newConsoleGuesser(cmd.InOrStdin(), out)
				}

				verdict, err := judge.Play(ctx, engine, wf, g)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Workflow completed with result: %s\n", verdict)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&target, "target", 42, "number to guess")
	cmd.Flags().BoolVar(&auto, "auto", false, "guess by bisection instead of reading stdin")
	cmd.Flags().IntVar(&lo, "min", 1, "lower bound for --auto")
	cmd.Flags().IntVar(&hi, "max", 100, "upper bound for --auto")
	return cmd
}

// consoleGuesser prompts for guesses on out and reads them from in.
type consoleGuesser struct {
	in  *bufio.Scanner
	out io.Writer
}

func newConsoleGuesser(in io.Reader, out io.Writer) *consoleGuesser {
	return &consoleGuesser{in: bufio.NewScanner(in), out: out}
}

func (c *consoleGuesser) Guess(ctx context.Context, signal judge.NumberSignal) (int, error) {
	prompt := "Please provide your initial guess: "
	switch signal {
	case judge.Above:
		prompt = "You previously guessed too large. Please provide a new guess: "
	case judge.Below:
		prompt = "You previously guessed too small. Please provide a new guess: "
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		fmt.Fprint(c.out, prompt)
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		n, err := strconv.Atoi(strings.TrimSpace(c.in.Text()))
		if err == nil {
			return n, nil
		}
		fmt.Fprintln(c.out, "Invalid input. Please enter a valid integer.")
	}
}
