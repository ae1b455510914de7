package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var op string

	cmd := &cobra.Command{
		Use:   "enqueue <mapping> <entity-id>",
		Short: "Queue an entity for push",
		Long: `Add a push job for one entity under a mapping.

An entity that already has a pending job keeps a single job; the newer
operation replaces the pending one.

Example:
  crmsync enqueue account 42 --op update`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := model.Op(op)
			if !o.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid op %q: must be create, update or delete", op))
			}
			a, err := openApp(cmd.Context(), cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			mappingID, entityID := args[0], args[1]
			if err := a.engine.Enqueue(cmd.Context(), mappingID, entityID, o); err != nil {
				if syncerr.IsConfiguration(err) {
					return WrapExitError(ExitCommandError, "cannot enqueue", err)
				}
				return WrapExitError(ExitFailure, "cannot enqueue", err)
			}
			queued := map[string]string{"mapping": mappingID, "entity_id": entityID, "op": string(o)}
			return newFormatter(cmd, rootOpts).Report(queued, func(w io.Writer) {
				fmt.Fprintf(w, "Queued %s of %s for %s\n", o, entityID, mappingID)
			})
		},
	}

	cmd.Flags().StringVar(&op, "op", string(model.OpUpdate), "operation (create|update|delete)")
	return cmd
}
