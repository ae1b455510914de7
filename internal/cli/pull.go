package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/engine"
)

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run one pull pass",
		Long: `Fetch remote changes once.

Records updated since each pull mapping's checkpoint are appended to the
pull queue, remote deletions are applied, then up to pull.limit queued
records are written to local entities. A full pull queue skips fetching
but still drains the queue.

Example:
  crmsync pull --db ./crmsync.db --mappings ./mappings`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Pull(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "pull failed", err)
			}
			if err := newFormatter(cmd, rootOpts).Report(report, func(w io.Writer) {
				writePullReport(w, report)
			}); err != nil {
				return err
			}
			if failed := report.Updates.Errors + report.Deletes.Errors + report.Processed.Failed; failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("pull: %d error(s)", failed))
			}
			return nil
		},
	}
}

func writePullReport(w io.Writer, r engine.PullReport) {
	if r.QueueFull {
		fmt.Fprintln(w, "Pull queue full: no records fetched")
	} else {
		fmt.Fprintf(w, "Fetched %d updated record(s), %d error(s)\n", r.Updates.Enqueued, r.Updates.Errors)
	}
	fmt.Fprintf(w, "Deleted %d entit(ies), %d error(s)\n", r.Deletes.Deleted, r.Deletes.Errors)
	p := r.Processed
	fmt.Fprintf(w, "Processed %d: %d created, %d updated, %d skipped, %d requeued, %d dropped, %d failed\n",
		p.Processed, p.Created, p.Updated, p.Skipped, p.Requeued, p.Dropped, p.Failed)
}
