package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/recsync/internal/database"
	"github.com/roach88/recsync/internal/politics"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/transport"
)

// Step action names used in StepResult.Action.
const (
	ActionPush       = "push"
	ActionRetry      = "retry"
	ActionUpdate     = "update"
	ActionFault      = "fault"
	ActionInvalidate = "invalidate"
)

// Harness executes one scenario.
type Harness struct {
	srv     *testutil.Server
	ref     transport.DatabaseRef
	clients map[string]*replica
	logger  *slog.Logger
}

// replica is one client's open database and its last transaction.
type replica struct {
	db   *database.Database
	last *database.Transaction
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index  int // 1-based
	Client string
	Action string
	Detail string // fault description for server steps
	Err    error

	// Revision is the client's revision after the step, or the server's
	// for server steps.
	Revision int64
}

// String renders the step as a trace line.
func (r StepResult) String() string {
	if r.Client == "" {
		return fmt.Sprintf("[%d] server %s%s revision=%d", r.Index, r.Action, r.Detail, r.Revision)
	}
	return fmt.Sprintf("[%d] %s %s: %s revision=%d", r.Index, r.Client, r.Action, outcome(r.Err), r.Revision)
}

// Result holds everything a scenario run produced.
type Result struct {
	Steps    []StepResult
	Records  []*record.Record // final server records, sorted by key
	Revision int64            // final server revision

	// Errors lists every unmet expectation.
	Errors []error
}

// Pass reports whether every expectation held.
func (r *Result) Pass() bool {
	return len(r.Errors) == 0
}

// Trace renders every step, one per line.
func (r *Result) Trace() string {
	var buf strings.Builder
	for _, s := range r.Steps {
		buf.WriteString(s.String())
		buf.WriteByte('\n')
	}
	return buf.String()
}

// Run executes a scenario against a fresh in-memory server.
//
// Execution flow:
// 1. Seed the server and open every client
// 2. Execute steps in order, checking step expectations
// 3. Update live clients if convergence is expected
// 4. Check the final server state
//
// The returned error reports harness failures (a client could not open);
// unmet expectations are collected in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		srv:     testutil.NewServer(),
		ref:     transport.DatabaseRef{Context: "app", DatabaseID: scenario.Database},
		clients: make(map[string]*replica),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	h.srv.Seed(h.ref, seedRecords(scenario.Seed)...)

	maxRetries := 0
	if scenario.MaxRetries != nil {
		maxRetries = *scenario.MaxRetries
		if maxRetries == 0 {
			maxRetries = -1
		}
	}

	for _, name := range scenario.Clients {
		db, err := database.Open(ctx, database.Options{
			Ref:         h.ref,
			Transport:   h.srv,
			IDGenerator: testutil.NewSequenceIDGenerator(name),
			MaxRetries:  maxRetries,
			Logger:      h.logger.With("client", name),
		})
		if err != nil {
			return nil, fmt.Errorf("open client %s: %w", name, err)
		}
		defer db.Close()
		h.clients[name] = &replica{db: db}
	}

	result := &Result{}
	for i, step := range scenario.Steps {
		res := h.execute(ctx, i+1, step)
		result.Steps = append(result.Steps, res)
		if step.Expect != nil {
			result.Errors = append(result.Errors, checkStep(res, step.Expect)...)
		}
	}

	result.Records = h.srv.Records(h.ref)
	result.Revision = h.srv.Revision(h.ref)

	if scenario.Expect.Converged {
		for _, name := range scenario.Clients {
			result.Errors = append(result.Errors, h.checkConverged(ctx, name, result.Records)...)
		}
	}
	result.Errors = append(result.Errors, checkFinal(result, scenario.Expect)...)
	return result, nil
}

// execute runs one step. Step errors are recorded, never returned.
func (h *Harness) execute(ctx context.Context, index int, step Step) StepResult {
	res := StepResult{Index: index, Client: step.Client}

	switch {
	case step.Fault != nil:
		res.Action = ActionFault
		res.Detail = fmt.Sprintf(" %s %d", step.Fault.Method, step.Fault.Code)
		if step.Fault.Commit {
			res.Detail += " commit"
		}
		h.srv.Inject(testutil.Fault{Method: step.Fault.Method, Code: step.Fault.Code, Commit: step.Fault.Commit})
		res.Revision = h.srv.Revision(h.ref)
		return res

	case step.Invalidate:
		res.Action = ActionInvalidate
		h.srv.Invalidate(h.ref)
		res.Revision = h.srv.Revision(h.ref)
		return res
	}

	c := h.clients[step.Client]
	switch {
	case len(step.Push) > 0:
		res.Action = ActionPush
		c.last = c.db.CreateTransaction()
		buildTransaction(c.last, step.Push)
		res.Err = c.last.Push(ctx, lookupPolicy(step.Politics))

	case step.Retry:
		res.Action = ActionRetry
		if c.last == nil {
			res.Err = fmt.Errorf("client %s has no transaction to retry", step.Client)
			break
		}
		res.Err = c.last.Push(ctx, lookupPolicy(step.Politics))

	case step.Update:
		res.Action = ActionUpdate
		res.Err = c.db.Update(ctx)
	}

	res.Revision = c.db.Revision()
	if res.Err != nil {
		h.logger.Debug("step failed", "step", index, "client", step.Client, "error", res.Err)
	}
	return res
}

// checkConverged updates a live client and compares it with the server.
func (h *Harness) checkConverged(ctx context.Context, name string, want []*record.Record) []error {
	c := h.clients[name]
	if c.db.Gone() {
		return nil
	}
	if err := c.db.Update(ctx); err != nil {
		return []error{&AssertionError{
			Type:     "converged",
			Expected: fmt.Sprintf("client %s updates", name),
			Actual:   err.Error(),
		}}
	}
	got := c.db.Filter(func(*record.Record) bool { return true })
	if diff := diffRecords(want, got); diff != "" {
		return []error{&AssertionError{
			Type:     "converged",
			Expected: fmt.Sprintf("client %s holds the server records", name),
			Actual:   diff,
		}}
	}
	return nil
}

func seedRecords(specs []RecordSpec) []*record.Record {
	out := make([]*record.Record, len(specs))
	for i, s := range specs {
		fields := make(map[string]*record.Value, len(s.Fields))
		for id, v := range s.Fields {
			fields[id] = record.NewValue(v)
		}
		out[i] = record.NewRecord(s.Collection, s.ID, fields)
	}
	return out
}

// buildTransaction adds each operation to tx through the builder API.
func buildTransaction(tx *database.Transaction, ops []OpSpec) {
	for _, op := range ops {
		data := database.RecordData{RecordID: op.ID, Fields: op.Fields}
		switch op.Type {
		case OpInsert:
			tx.InsertRecords(op.Collection, data)
		case OpSet:
			tx.SetRecordFields(op.Collection, data)
		case OpUpdate:
			tx.UpdateRecordFields(op.Collection, data)
		case OpDelete:
			tx.DeleteRecords(op.Collection, op.ID)
		case OpDeleteFields:
			tx.DeleteRecordFields(op.Collection, op.ID, op.FieldIDs...)
		case OpListSet:
			tx.SetRecordFieldListItem(op.Collection, op.ID, op.Field, op.Index, op.Value)
		case OpListInsert:
			tx.InsertRecordFieldListItem(op.Collection, op.ID, op.Field, op.Index, op.Value)
		case OpListDelete:
			tx.DeleteRecordFieldListItem(op.Collection, op.ID, op.Field, op.Index)
		case OpListMove:
			tx.MoveRecordFieldListItem(op.Collection, op.ID, op.Field, op.Index, op.NewIndex)
		}
	}
}

// lookupPolicy resolves a validated policy name; "" means none.
func lookupPolicy(name string) politics.Policy {
	if name == "" {
		return nil
	}
	p, _ := politics.Lookup(name)
	return p
}

// ErrorKind classifies a step error for StepExpect.Error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case database.IsValidation(err):
		return ErrorValidation
	case database.IsConflict(err):
		return ErrorConflict
	case errors.Is(err, transport.ErrGone):
		return ErrorGone
	case transport.IsTransient(err):
		return ErrorTransient
	default:
		return ErrorOther
	}
}

// conflictTypes lists the conflict types carried by err.
func conflictTypes(err error) []string {
	var ce *database.ConflictError
	if !errors.As(err, &ce) {
		return nil
	}
	types := make([]string, len(ce.Conflicts))
	for i, c := range ce.Conflicts {
		types[i] = string(c.Conflict.Type)
	}
	return types
}

// outcome renders an error kind with its conflict types.
func outcome(err error) string {
	kind := ErrorKind(err)
	if kind == "" {
		return "ok"
	}
	if types := conflictTypes(err); len(types) > 0 {
		return fmt.Sprintf("%s(%s)", kind, strings.Join(types, ","))
	}
	return kind
}

func sortRecords(records []*record.Record) []*record.Record {
	out := slices.Clone(records)
	slices.SortFunc(out, func(a, b *record.Record) int {
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	return out
}
