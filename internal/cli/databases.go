package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/transport"
)

// NewDatabasesCommand creates the databases command.
func NewDatabasesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "List databases in a context",
		Long: `List every database in the configured context with its revision and
record count.

Example:
  recsync databases
  recsync databases --context user --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatabases(rootOpts, cmd)
		},
	}
}

func runDatabases(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(cmd, opts, false)
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := s.client.ListDatabases(cmd.Context(), s.cfg.Context)
	if err != nil {
		return s.fail("failed to list databases", err)
	}
	if items == nil {
		items = []transport.DatabaseInfo{}
	}

	return s.out.Render(items, 0, func(w io.Writer) {
		if len(items) == 0 {
			fmt.Fprintf(w, "No databases in context %q\n", s.cfg.Context)
			return
		}
		for _, info := range items {
			fmt.Fprintf(w, "%s\trevision=%d\trecords=%d\tsize=%d\n",
				info.DatabaseID, info.Revision, info.RecordsCount, info.Size)
		}
	})
}

// NewDropCommand creates the drop command.
func NewDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <database-id>",
		Short: "Delete a database on the server",
		Long: `Delete a database and every record in it. Clients that still hold the
database see it as gone.

Example:
  recsync drop notes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.DeleteDatabase(cmd.Context(), s.cfg.Context, args[0]); err != nil {
				return s.fail("failed to drop database", err)
			}
			return s.out.Render(map[string]string{"database_id": args[0]}, 0, func(w io.Writer) {
				fmt.Fprintf(w, "Dropped %s\n", args[0])
			})
		},
	}
}
