package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/database"
)

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	Fields   []string
	Politics string
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <database-id> <collection> <record-id>...",
		Short: "Delete records or fields",
		Long: `Delete whole records, or only some of their fields with --fields, in a
single transaction.

Example:
  recsync delete notes todo t1 t2
  recsync delete notes todo t1 --fields done,tags
  recsync delete notes todo t1 --politics skip_missing`,
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, recordIDs := args[1], args[2:]
			return pushOne(cmd, opts.RootOptions, args[0], opts.Politics, func(tx *database.Transaction) {
				if len(opts.Fields) == 0 {
					tx.DeleteRecords(collection, recordIDs...)
					return
				}
				for _, id := range recordIDs {
					tx.DeleteRecordFields(collection, id, opts.Fields...)
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "delete only these fields")
	cmd.Flags().StringVar(&opts.Politics, "politics", "", "conflict policy (theirs|skip_missing)")

	return cmd
}
