package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/database"
	"github.com/roach88/recsync/internal/politics"
)

// Write modes for the set command.
const (
	ModeInsert = "insert"
	ModeSet    = "set"
	ModeUpdate = "update"
)

// ValidModes defines the allowed set modes.
var ValidModes = []string{ModeInsert, ModeSet, ModeUpdate}

// SetOptions holds flags for the set command.
type SetOptions struct {
	*RootOptions
	Mode     string
	Politics string
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <database-id> <collection> <record-id> <field=value>...",
		Short: "Write fields of one record",
		Long: `Write fields of one record in a single transaction.

Values are parsed as JSON when possible ("3", "true", "[1,2]") and used as
plain strings otherwise. The mode picks the record operation:
  insert  create the record; fails if it exists
  set     replace every field of the record
  update  change only the named fields (default)

Example:
  recsync set notes todo t1 title=milk done=false
  recsync set notes todo t1 title=eggs --mode insert --politics theirs`,
		Args:          cobra.MinimumNArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", ModeUpdate, "record operation (insert|set|update)")
	cmd.Flags().StringVar(&opts.Politics, "politics", "", fmt.Sprintf("conflict policy %v", politics.Names()))

	return cmd
}

func runSet(opts *SetOptions, args []string, cmd *cobra.Command) error {
	if !slices.Contains(ValidModes, opts.Mode) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid mode %q: must be one of %v", opts.Mode, ValidModes))
	}
	fields, err := parseFields(args[3:])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field", err)
	}

	data := database.RecordData{RecordID: args[2], Fields: fields}
	return pushOne(cmd, opts.RootOptions, args[0], opts.Politics, func(tx *database.Transaction) {
		switch opts.Mode {
		case ModeInsert:
			tx.InsertRecords(args[1], data)
		case ModeSet:
			tx.SetRecordFields(args[1], data)
		default:
			tx.UpdateRecordFields(args[1], data)
		}
	})
}

// parseFields turns field=value arguments into a field map.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		id, raw, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("%q: expected field=value", arg)
		}
		fields[id] = parseValue(raw)
	}
	return fields, nil
}

// parseValue decodes raw as a JSON scalar or list, falling back to the
// raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	if _, isObject := v.(map[string]any); isObject {
		return raw
	}
	return v
}

// pushResult is the payload printed after a successful push.
type pushResult struct {
	DatabaseID string `json:"database_id"`
	DeltaID    string `json:"delta_id"`
	Operations int    `json:"operations"`
	Revision   int64  `json:"revision"`
}

// pushOne opens a database, builds one transaction with build and pushes
// it under the named policy.
func pushOne(cmd *cobra.Command, opts *RootOptions, databaseID, policyName string, build func(*database.Transaction)) error {
	var policy politics.Policy
	if policyName != "" {
		p, err := politics.Lookup(policyName)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid politics", err)
		}
		policy = p
	}

	s, err := openSession(cmd, opts, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := s.client.OpenDatabase(ctx, s.cfg.Context, databaseID)
	if err != nil {
		return s.fail("failed to open database", err)
	}

	tx := db.CreateTransaction()
	build(tx)
	if err := tx.Push(ctx, policy); err != nil {
		return s.fail("push failed", err)
	}
	s.logger.Debug("transaction pushed", "database", databaseID, "delta_id", tx.DeltaID())

	res := pushResult{
		DatabaseID: databaseID,
		DeltaID:    tx.DeltaID(),
		Operations: len(tx.Operations()),
		Revision:   db.Revision(),
	}
	return s.out.Render(res, res.Revision, func(w io.Writer) {
		fmt.Fprintf(w, "Pushed %s to %s: revision %d\n", res.DeltaID, databaseID, res.Revision)
	})
}
