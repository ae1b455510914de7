package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/crmsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string // "json" | "text"

	// viper carries defaults, environment and bound flags. Commands built
	// without the root command get a fresh instance on first use.
	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the crmsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "crmsync",
		Short: "crmsync - local entities to CRM records",
		Long: `Synchronize local entities with records of a remote CRM.

Mappings written in CUE declare which entity types map to which CRM
objects, which fields flow in which direction and which local or remote
events trigger a sync. Pushes and pulls go through durable queues in a
SQLite store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./crmsync.yaml)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String("db", "", "path to the SQLite store (config: db)")
	flags.String("mappings", "", "directory of CUE mapping files (config: mappings_dir)")
	_ = opts.viper.BindPFlag("db", flags.Lookup("db"))
	_ = opts.viper.BindPFlag("mappings_dir", flags.Lookup("mappings"))

	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewMappingsCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig resolves the layered configuration.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.viper == nil {
		o.viper = config.New()
	}
	cfg, err := config.Load(o.viper, config.Options{ConfigFile: o.ConfigFile})
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// bindFlag binds a command flag to a config key.
func (o *RootOptions) bindFlag(cmd *cobra.Command, key, flag string) {
	if o.viper == nil {
		o.viper = config.New()
	}
	_ = o.viper.BindPFlag(key, cmd.Flags().Lookup(flag))
}
