package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoWatch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run push and pull passes on a schedule",
		Long: `Start the sync scheduler.

A push pass and a pull pass run immediately and then every
schedule.interval. Mapping files are watched and reloaded when they change;
a mapping file that fails to compile keeps the previous mappings. The
scheduler stops on SIGINT or SIGTERM after the current pass.

Example:
  crmsync run --db ./crmsync.db --mappings ./mappings --interval 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(opts, cmd)
		},
	}

	cmd.Flags().Duration("interval", time.Minute, "time between passes (config: schedule.interval)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload mappings on file change")
	rootOpts.bindFlag(cmd, "schedule.interval", "interval")
	return cmd
}

func runScheduler(opts *RunOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	a, err := openApp(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing resources", "error", closeErr)
		}
	}()

	interval := a.cfg.Schedule.Interval
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if !opts.NoWatch {
		if err := a.engine.Watch(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to watch mappings", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sync running every %s. Press Ctrl-C to stop.\n", interval)
	if err := a.engine.Run(ctx, interval); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}

	a.logger.Info("scheduler stopped gracefully")
	return nil
}
