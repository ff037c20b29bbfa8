package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpanel/pkg/client"
)

// pollInterval is how often --wait polls an asynchronous operation.
const pollInterval = 500 * time.Millisecond

type AggregateFlags struct {
	Async bool
	Wait  bool
}

func createStartAllCommand(global *GlobalFlags) *cobra.Command {
	return aggregateCommand(global, "start-all", "Start every server in ascending weight order",
		(*client.Client).StartAll, (*client.Client).StartAllAsync)
}

func createStopAllCommand(global *GlobalFlags) *cobra.Command {
	return aggregateCommand(global, "stop-all", "Stop every server in descending weight order",
		(*client.Client).StopAll, (*client.Client).StopAllAsync)
}

func aggregateCommand(
	global *GlobalFlags,
	use, short string,
	sync func(*client.Client, context.Context) (client.AggregateResult, error),
	async func(*client.Client, context.Context) (client.Accepted, error),
) *cobra.Command {
	flags := &AggregateFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmdContext(cmd)
			c := global.client()
			out := newPrinter(cmd.OutOrStdout(), global.JSON)

			var res client.AggregateResult
			if flags.Async {
				acc, err := async(c, ctx)
				if err != nil {
					return err
				}
				if !flags.Wait {
					if global.JSON {
						out.printJSON(acc)
					} else {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s accepted: %s\n", acc.Op, acc.ID)
					}
					return nil
				}
				if res, err = waitOperation(ctx, c, acc.ID); err != nil {
					return err
				}
			} else {
				var err error
				if res, err = sync(c, ctx); err != nil {
					return err
				}
			}
			out.aggregate(res)
			if res.Failed > 0 || res.Error != "" {
				return &failedError{msg: fmt.Sprintf("%s: %d server(s) failed", res.Op, res.Failed)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Async, "async", false, "return as soon as the operation is accepted")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "with --async, poll until the operation finishes")
	return cmd
}

func waitOperation(ctx context.Context, c *client.Client, id string) (client.AggregateResult, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		res, done, err := c.Operation(ctx, id)
		if err != nil {
			return res, err
		}
		if done {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-t.C:
		}
	}
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	return unitCommand(global, "start", "Start one server", (*client.Client).Start)
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	return unitCommand(global, "stop", "Stop one server", (*client.Client).Stop)
}

func unitCommand(global *GlobalFlags, use, short string, op func(*client.Client, context.Context, string) (client.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := op(global.client(), cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout(), global.JSON).result(res)
			if res.Failed() {
				return &failedError{msg: fmt.Sprintf("%s %s failed", use, res.Name)}
			}
			return nil
		},
	}
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the status of every server, or details of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := global.client()
			out := newPrinter(cmd.OutOrStdout(), global.JSON)
			if len(args) == 1 {
				d, err := c.Server(cmdContext(cmd), args[0])
				if err != nil {
					return notFound(err, args[0])
				}
				out.detail(d)
				return nil
			}
			rows, err := c.Snapshot(cmdContext(cmd))
			if err != nil {
				return err
			}
			out.snapshot(rows)
			return nil
		},
	}
}

type TailFlags struct {
	Lines int
}

func createTailCommand(global *GlobalFlags) *cobra.Command {
	flags := &TailFlags{}
	cmd := &cobra.Command{
		Use:   "tail <name>",
		Short: "Print the most recent output lines of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ls, err := global.client().Tail(cmdContext(cmd), args[0], flags.Lines)
			if err != nil {
				return notFound(err, args[0])
			}
			newPrinter(cmd.OutOrStdout(), global.JSON).lines(ls)
			return nil
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 50, "number of lines")
	return cmd
}

func createWatchCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [name...]",
		Short: "Follow status changes as they happen",
		Long: `Print the current snapshot, then one line per status change until
interrupted. Naming servers restricts the stream to them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			out := newPrinter(cmd.OutOrStdout(), global.JSON)
			events, errs, err := global.client().Events(ctx, args, out.snapshot)
			if err != nil {
				return err
			}
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return nil
					}
					out.event(e)
				case err, ok := <-errs:
					if ok && err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					if !ok {
						errs = nil
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func createReloadCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the configuration of a running serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := global.client().Reload(cmdContext(cmd))
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Status == 409 {
					return fmt.Errorf("reload refused while servers are starting or stopping: %w", err)
				}
				return err
			}
			newPrinter(cmd.OutOrStdout(), global.JSON).snapshot(rows)
			return nil
		},
	}
}

func notFound(err error, name string) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("unknown server %q", name)
	}
	return err
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
