package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/pushqueue"
)

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Run one push pass",
		Long: `Drain the push queues of every push mapping once.

Jobs are claimed in batches per mapping, in mapping weight order, until
the queues are empty or push.limit jobs were handled.

Example:
  crmsync push --db ./crmsync.db --mappings ./mappings`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.engine.Push(cmd.Context())
			if err := newFormatter(cmd, rootOpts).Report(report, func(w io.Writer) {
				writePushReport(w, report)
			}); err != nil {
				return err
			}
			if report.Errors > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("push run %s: %d error(s)", report.RunID, report.Errors))
			}
			return nil
		},
	}
}

func writePushReport(w io.Writer, r pushqueue.RunReport) {
	fmt.Fprintf(w, "Push run %s: %d claimed in %d batch(es), %d released, %d error(s)\n",
		r.RunID, r.Claimed, r.Batches, r.Released, r.Errors)
	for _, name := range slices.Sorted(maps.Keys(r.PerMapping)) {
		fmt.Fprintf(w, "  %-24s %d\n", name, r.PerMapping[name])
	}
	if r.LimitReached {
		fmt.Fprintln(w, "  limit reached, jobs remain queued")
	}
}
