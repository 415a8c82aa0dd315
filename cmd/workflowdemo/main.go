// Command workflowdemo runs the sample workflows on the graph engine.
//
//	workflowdemo judge --target 42
//	workflowdemo steps --input Start
//	workflowdemo slogan --task "..."
//	workflowdemo passthrough --input "Hello, World!"
//
// Settings come from an optional YAML file (--config) and WORKFLOW_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mafdemo/workflow-go/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "workflowdemo",
		Short:        "Run sample workflows on the superstep engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "workflow.yaml", "path to the YAML config file")

	cmd.AddCommand(
		newJudgeCmd(opts),
		newStepsCmd(opts),
		newSloganCmd(opts),
		newPassthroughCmd(opts),
	)
	return cmd
}

// withApp loads the configuration, builds the app, runs fn and releases the
// app afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app, out io.Writer) error) error {
	cfg, err := config.NewLoader().WithConfigPath(opts.configPath).Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		_ = logger.Sync()
		return err
	}

	runErr := fn(ctx, a, cmd.OutOrStdout())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
