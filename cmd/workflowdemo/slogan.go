package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mafdemo/workflow-go/samples/slogan"
)

func newSloganCmd(root *rootOptions) *cobra.Command {
	var (
		task      string
		minRating int
		attempts  int
	)
	cmd := &cobra.Command{
		Use:   "slogan",
		Short: "Write a slogan and revise it until the critic accepts it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app, out io.Writer) error {
				engine, err := a.engine(false)
				if err != nil {
					return err
				}
				critic := slogan.NewFeedbackProvider(slogan.RuleReviewer{})
				critic.MinimumRating = minRating
				critic.MaxAttempts = attempts
				wf, err := slogan.Build(slogan.NewWriter(slogan.RuleWriter{}), critic)
				if err != nil {
					return err
				}

				res, err := slogan.Run(ctx, engine, wf, task)
				if res == nil {
					return err
				}
				for i, r := range res.Rounds {
					fmt.Fprintf(out, "Round %d: %s\n", i+1, r.Slogan.Slogan)
					if r.Feedback != nil {
						fmt.Fprintf(out, "  rating %d: %s\n", r.Feedback.Rating, r.Feedback.Comments)
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", res.Verdict)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "Create a slogan for a new electric SUV that is affordable and fun to drive.", "what the slogan is for")
	cmd.Flags().IntVar(&minRating, "min-rating", 8, "rating the critic accepts")
	cmd.Flags().IntVar(&attempts, "max-attempts", 3, "revisions before the critic gives up")
	return cmd
}
