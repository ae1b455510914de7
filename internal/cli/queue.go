package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/model"
)

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the push queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueCountCommand(rootOpts))
	cmd.AddCommand(newQueueReleaseCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	return cmd
}

// queueItem is the printed form of a push job.
type queueItem struct {
	ItemID   int64     `json:"item_id" yaml:"item_id"`
	Mapping  string    `json:"mapping" yaml:"mapping"`
	EntityID string    `json:"entity_id" yaml:"entity_id"`
	Op       string    `json:"op" yaml:"op"`
	Failures int       `json:"failures" yaml:"failures"`
	Leased   bool      `json:"leased" yaml:"leased"`
	Created  time.Time `json:"created" yaml:"created"`
}

func toQueueItems(items []model.PushQueueItem, now time.Time) []queueItem {
	out := make([]queueItem, len(items))
	for i, it := range items {
		out[i] = queueItem{
			ItemID:   it.ItemID,
			Mapping:  it.Name,
			EntityID: it.EntityID,
			Op:       string(it.Op),
			Failures: it.Failures,
			Leased:   it.Leased(now),
			Created:  it.Created.UTC(),
		}
	}
	return out
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var mappingID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending push jobs in claim order",
		Long: `List pending push jobs, oldest first, as YAML (or JSON with --format json).

Example:
  crmsync queue list --mapping account --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.PushQueue().List(cmd.Context(), mappingID, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list queue", err)
			}
			return newFormatter(cmd, rootOpts).YAML(toQueueItems(items, time.Now()))
		},
	}

	cmd.Flags().StringVar(&mappingID, "mapping", "", "only jobs of this mapping")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list (0 for all)")
	return cmd
}

func newQueueCountCommand(rootOpts *RootOptions) *cobra.Command {
	var mappingID string
	var pullQueue bool

	cmd := &cobra.Command{
		Use:           "count",
		Short:         "Count pending push jobs, or pull items with --pull",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pullQueue && mappingID != "" {
				return NewExitError(ExitCommandError, "--mapping does not apply to the pull queue")
			}
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			queue := "push"
			var n int
			if pullQueue {
				queue = "pull"
				n, err = a.store.CountPull(cmd.Context())
			} else {
				n, err = a.engine.PushQueue().Count(cmd.Context(), mappingID)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count queue", err)
			}
			result := map[string]any{"queue": queue, "count": n}
			if mappingID != "" {
				result["mapping"] = mappingID
			}
			return newFormatter(cmd, rootOpts).Report(result, func(w io.Writer) {
				fmt.Fprintln(w, n)
			})
		},
	}

	cmd.Flags().StringVar(&mappingID, "mapping", "", "only jobs of this mapping")
	cmd.Flags().BoolVar(&pullQueue, "pull", false, "count the pull queue instead")
	return cmd
}

func newQueueReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	var mappingID string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Clear the leases of claimed push jobs",
		Long: `Make leased push jobs claimable again, for example after a crashed run.

Example:
  crmsync queue release --mapping account`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			queue := a.engine.PushQueue()
			items, err := queue.List(cmd.Context(), mappingID, 0)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list queue", err)
			}
			now := time.Now()
			var leased []model.PushQueueItem
			for _, it := range items {
				if it.Leased(now) {
					leased = append(leased, it)
				}
			}
			if err := queue.ReleaseItems(cmd.Context(), leased); err != nil {
				return WrapExitError(ExitFailure, "failed to release jobs", err)
			}
			a.logger.Info("released push jobs", "mapping", mappingID, "count", len(leased))
			return newFormatter(cmd, rootOpts).Report(map[string]int{"released": len(leased)}, func(w io.Writer) {
				fmt.Fprintf(w, "Released %d job(s)\n", len(leased))
			})
		},
	}

	cmd.Flags().StringVar(&mappingID, "mapping", "", "only jobs of this mapping")
	return cmd
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge <mapping> <entity-id>",
		Short:         "Drop the pending push job of an entity",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			mappingID, entityID := args[0], args[1]
			if _, err := a.engine.Registry().Get(mappingID); err != nil {
				return WrapExitError(ExitCommandError, "unknown mapping", err)
			}
			if err := a.engine.PushQueue().DeleteItemByEntity(cmd.Context(), mappingID, entityID); err != nil {
				return WrapExitError(ExitFailure, "failed to purge job", err)
			}
			a.logger.Info("purged push job", "mapping", mappingID, "entity_id", entityID)
			purged := map[string]string{"mapping": mappingID, "entity_id": entityID}
			return newFormatter(cmd, rootOpts).Report(purged, func(w io.Writer) {
				fmt.Fprintf(w, "Purged pending job of %s for %s\n", entityID, mappingID)
			})
		},
	}
}
