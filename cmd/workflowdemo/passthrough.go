package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mafdemo/workflow-go/samples/passthrough"
)

const noInput = "no input was provided"

func newPassthroughCmd(root *rootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "passthrough",
		Short: "Uppercase text, ask for a reply on stdin and reverse it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app, out io.Writer) error {
				engine, err := a.engine(false)
				if err != nil {
					return err
				}
				wf, err := passthrough.Build()
				if err != nil {
					return err
				}

				res, err := passthrough.Run(ctx, engine, wf, input, promptReader(cmd.InOrStdin(), out))
				if res != nil {
					printEvents(out, res.Events)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "Hello, World!", "text fed to the uppercase step")
	return cmd
}

// promptReader shows the port's prompt and answers with the next line of in.
func promptReader(in io.Reader, out io.Writer) passthrough.Responder {
	scanner := bufio.NewScanner(in)
	return func(_ context.Context, prompt string) (string, error) {
		fmt.Fprintf(out, "%s\nPlease enter some text: ", prompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return noInput, nil
		}
		return strings.TrimRight(scanner.Text(), "\r"), nil
	}
}
