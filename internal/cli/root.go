package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Context    string // overrides the configured context when set

	// Transport and Dialer replace the HTTP and websocket layers (for
	// testing). When nil, they are built from the config.
	Transport transport.Transport
	Dialer    transport.PushDialer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// ValidContexts defines the allowed database contexts.
var ValidContexts = []string{"app", "user"}

// NewRootCommand creates the root command for the recsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "recsync",
		Short:         "recsync - offline-capable record sync",
		Long:          "Inspect and edit synchronized record databases from the command line.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Context != "" && !slices.Contains(ValidContexts, opts.Context) {
				return fmt.Errorf("invalid context %q: must be one of %v", opts.Context, ValidContexts)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "recsync.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Context, "context", "", "database context (app|user), overrides config")

	// Add subcommands
	cmd.AddCommand(NewDatabasesCommand(opts))
	cmd.AddCommand(NewDropCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
