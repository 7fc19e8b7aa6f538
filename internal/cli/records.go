package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/record"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Collection string
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records <database-id>",
		Short: "Print the records of a database",
		Long: `Open a database (creating it if needed), bring it up to date and print
its records sorted by collection and record id.

Example:
  recsync records notes
  recsync records notes --collection todo --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "only print records of this collection")

	return cmd
}

func runRecords(opts *RecordsOptions, databaseID string, cmd *cobra.Command) error {
	s, err := openSession(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer s.Close()

	db, err := s.client.OpenDatabase(cmd.Context(), s.cfg.Context, databaseID)
	if err != nil {
		return s.fail("failed to open database", err)
	}

	records := db.Filter(func(r *record.Record) bool {
		return opts.Collection == "" || r.CollectionID == opts.Collection
	})
	if records == nil {
		records = []*record.Record{}
	}
	slices.SortFunc(records, func(a, b *record.Record) int {
		if c := strings.Compare(a.CollectionID, b.CollectionID); c != 0 {
			return c
		}
		return strings.Compare(a.RecordID, b.RecordID)
	})

	return s.out.Render(records, db.Revision(), func(w io.Writer) {
		fmt.Fprintf(w, "%s at revision %d: %d records\n", databaseID, db.Revision(), len(records))
		for _, r := range records {
			fmt.Fprintf(w, "%s\n", r.Key())
			for _, id := range r.FieldIDs() {
				fmt.Fprintf(w, "  %s = %s\n", id, r.Fields[id])
			}
		}
	})
}
