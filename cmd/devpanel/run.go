package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/devpanel"
)

type RunFlags struct {
	Once bool
}

func createRunCommand(global *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Start every server in the foreground without the HTTP API",
		Long: `Start every server in weight order and print the outcome. The stack keeps
running until SIGINT or SIGTERM, then stops in reverse order. The exit status
is 1 when any server failed to start, in which case the stack is stopped
again right away.

With --once the stack is stopped again right after the start report, which
is useful to check that a configuration comes up cleanly.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), global, global.configPath(args), flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Once, "once", false, "stop everything after the start report")
	return cmd
}

func runForeground(ctx context.Context, global *GlobalFlags, path string, flags *RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fc, err := loadConfig(path)
	if err != nil {
		return err
	}
	log, closer, err := setupLogger(fc)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	panel, err := devpanel.Open(fc, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := panel.Orchestrator.StartAll(ctx)
	out := newPrinter(os.Stdout, global.JSON)
	out.aggregate(toClientAggregate(res))

	if !flags.Once && res.Err() == nil {
		<-ctx.Done()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := panel.Close(sctx); err != nil {
		log.Error("shutdown finished with errors", "error", err)
	}
	if n := len(res.Failed()); n > 0 || res.Cause != nil {
		return &failedError{msg: fmt.Sprintf("start-all: %d server(s) failed", n)}
	}
	return nil
}
