package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/mapping"
)

// MappingsValidateResult holds validation results.
type MappingsValidateResult struct {
	Valid    bool                      `json:"valid"`
	Mappings int                       `json:"mappings"`
	Errors   []mapping.ValidationError `json:"errors,omitempty"`
}

// NewMappingsCommand creates the mappings command.
func NewMappingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Work with mapping definitions",
	}
	cmd.AddCommand(newMappingsValidateCommand(rootOpts))
	return cmd
}

func newMappingsValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var checkRemote bool

	cmd := &cobra.Command{
		Use:   "validate [mappings-dir]",
		Short: "Validate mapping definitions",
		Long: `Compile every CUE mapping file and check each definition.

Without an argument the configured mappings_dir is used. With --remote the
remote object of each mapping is described and pull rules and upsert keys
are checked against its fields.

Examples:
  crmsync mappings validate ./mappings
  crmsync mappings validate --remote --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsValidate(rootOpts, args, checkRemote, cmd)
		},
	}

	cmd.Flags().BoolVar(&checkRemote, "remote", false, "check mappings against the remote object schemas")
	return cmd
}

func runMappingsValidate(opts *RootOptions, args []string, checkRemote bool, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}
	var cfg config.Config
	if dir == "" || checkRemote {
		var err error
		if cfg, err = opts.loadConfig(); err != nil {
			return err
		}
		if dir == "" {
			dir = cfg.MappingsDir
		}
	}
	if dir == "" {
		return NewExitError(ExitCommandError, "no mappings dir given or configured")
	}

	formatter.VerboseLog("Loading mappings from %s", dir)
	defs, err := mapping.LoadDir(dir)
	if err != nil {
		if fErr := formatter.Error("E_COMPILE", err.Error(), nil); fErr != nil {
			return fErr
		}
		return WrapExitError(ExitFailure, "mappings failed to compile", err)
	}

	var errs []mapping.ValidationError
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		formatter.VerboseLog("Validating mapping: %s", def.ID)
		errs = append(errs, mapping.Validate(def)...)
		if seen[def.ID] {
			errs = append(errs, mapping.ValidationError{
				Mapping: def.ID,
				Field:   "id",
				Message: "duplicate mapping id",
				Code:    mapping.ErrDuplicateMapping,
			})
		}
		seen[def.ID] = true
	}

	if checkRemote {
		ctx := cmd.Context()
		client, err := newRemoteClient(ctx, cfg.Remote)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create remote client", err)
		}
		for _, def := range defs {
			schema, err := client.Describe(ctx, def.RemoteObjectType)
			if err != nil {
				errs = append(errs, mapping.ValidationError{
					Mapping: def.ID,
					Field:   "remote_object_type",
					Message: fmt.Sprintf("describe %s: %v", def.RemoteObjectType, err),
					Code:    mapping.ErrMissingObjectType,
				})
				continue
			}
			errs = append(errs, mapping.ValidateSchema(def, schema)...)
		}
	}

	result := MappingsValidateResult{Valid: len(errs) == 0, Mappings: len(defs), Errors: errs}
	if err := formatter.Report(result, func(w io.Writer) {
		if result.Valid {
			fmt.Fprintf(w, "✓ %d mapping(s) valid\n", result.Mappings)
			return
		}
		fmt.Fprintf(w, "✗ %d error(s) in %d mapping(s)\n", len(errs), result.Mappings)
		for _, ve := range errs {
			fmt.Fprintf(w, "  %s\n", ve.Error())
		}
	}); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mapping error(s)", len(errs)))
	}
	return nil
}
