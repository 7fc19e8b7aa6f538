// Package database implements the client-side view of one remote database:
// a locally readable dataset plus a serialized write pipeline.
//
// Writes (Transaction.Push) and explicit refreshes (Update) run as exclusive
// tasks, one at a time per Database in submission order. A push dry-runs its
// operations against the live dataset, optionally lets a politics policy
// drop conflicting operations, posts the survivors, and retries after a
// server-side conflict (409) up to MaxRetries times. A transient server
// failure records the delta id as possibly missed so that pushing the same
// transaction again is idempotent.
package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/controller"
	"github.com/roach88/recsync/internal/metrics"
	"github.com/roach88/recsync/internal/politics"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/transport"
)

// DefaultMaxRetries bounds how often a push is retried after the server
// rejected its base revision.
const DefaultMaxRetries = 5

// IDGenerator creates delta ids. Ids must be unique per transaction.
type IDGenerator interface {
	NewDeltaID() string
}

// UUIDGenerator generates time-sortable UUIDv7 delta ids.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// NewDeltaID returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDGenerator) NewDeltaID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Subscriber delivers remote revision announcements for a database.
type Subscriber interface {
	Subscribe(ref transport.DatabaseRef, revision int64, fn func(ref transport.DatabaseRef, revision int64)) (unsubscribe func())
}

// Options configures a Database.
type Options struct {
	Ref       transport.DatabaseRef
	Transport transport.Transport

	// Cache persists snapshots between sessions. Nil disables persistence.
	Cache cache.Cache

	// Watcher, when set, triggers an Update whenever the server announces
	// a revision newer than the local one.
	Watcher Subscriber

	// IDGenerator defaults to UUIDGenerator.
	IDGenerator IDGenerator

	// MaxRetries defaults to DefaultMaxRetries. Negative disables retries.
	MaxRetries int

	// PageSize is the delta page size for updates.
	PageSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// UpdateEvent announces a revision change.
type UpdateEvent struct {
	Ref              transport.DatabaseRef
	PreviousRevision int64
	Revision         int64

	// DeltaIDs lists the applied deltas that carried an id.
	DeltaIDs []string

	// Local is true when the change includes a delta pushed by this client.
	Local bool
}

// ListenerID identifies a registered update listener.
type ListenerID uint64

// Database is a synchronized local replica of one remote database.
//
// Thread-safety: All methods are safe for concurrent use.
type Database struct {
	ref        transport.DatabaseRef
	tr         transport.Transport
	ctrl       *controller.Controller
	ids        IDGenerator
	maxRetries int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	gate *taskGate

	// Guarded by the gate: only the task holding it reads or writes.
	missed    string
	recovered string

	mu        sync.Mutex
	listeners map[ListenerID]func(UpdateEvent)
	nextID    ListenerID
	gone      bool

	unsubscribe func()
	lifetime    context.Context
	cancel      context.CancelFunc
	wanted      atomic.Int64
	refreshing  atomic.Bool
}

// Open bootstraps the database and, when a watcher is configured,
// subscribes to remote revision announcements.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if opts.Transport == nil {
		return nil, &ValidationError{Op: "options", Message: "transport is required"}
	}
	if opts.Ref.Context == "" || opts.Ref.DatabaseID == "" {
		return nil, &ValidationError{Op: "options", Message: "context and database id are required"}
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = UUIDGenerator{}
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctrl := controller.New(controller.Options{
		Ref:       opts.Ref,
		Transport: opts.Transport,
		Cache:     opts.Cache,
		PageSize:  opts.PageSize,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err := ctrl.Open(ctx); err != nil {
		if errors.Is(err, transport.ErrGone) {
			return nil, ErrGone
		}
		return nil, err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	db := &Database{
		ref:        opts.Ref,
		tr:         opts.Transport,
		ctrl:       ctrl,
		ids:        opts.IDGenerator,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.With("database", opts.Ref.Key()),
		metrics:    opts.Metrics,
		gate:       newTaskGate(),
		listeners:  make(map[ListenerID]func(UpdateEvent)),
		lifetime:   lifetime,
		cancel:     cancel,
	}
	if opts.Watcher != nil {
		db.unsubscribe = opts.Watcher.Subscribe(opts.Ref, ctrl.Revision(), db.notify)
	}

	db.logger.Debug("database opened",
		"handle", ctrl.Handle(),
		"source", ctrl.Source(),
		"revision", ctrl.Revision())
	return db, nil
}

// Ref returns the database reference.
func (db *Database) Ref() transport.DatabaseRef {
	return db.ref
}

// Handle returns the server handle of the current lineage.
func (db *Database) Handle() string {
	return db.ctrl.Handle()
}

// Revision returns the local revision.
func (db *Database) Revision() int64 {
	return db.ctrl.Revision()
}

// Gone reports whether the server invalidated the database.
func (db *Database) Gone() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.gone
}

// Record returns a copy of a record, or nil.
func (db *Database) Record(collectionID, recordID string) *record.Record {
	return db.ctrl.Dataset().Record(collectionID, recordID)
}

// All iterates over copies of all records, ordered by collection then
// record id.
func (db *Database) All() iter.Seq[*record.Record] {
	return db.ctrl.Dataset().All()
}

// ForEach calls fn for every record until fn returns false.
func (db *Database) ForEach(fn func(*record.Record) bool) {
	for r := range db.All() {
		if !fn(r) {
			return
		}
	}
}

// Filter returns the records matching pred.
func (db *Database) Filter(pred func(*record.Record) bool) []*record.Record {
	var out []*record.Record
	for r := range db.All() {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// On registers an update listener. Listeners run after the task that
// changed the revision released the database; a panicking listener is
// logged and does not affect the others.
func (db *Database) On(fn func(UpdateEvent)) ListenerID {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID++
	db.listeners[db.nextID] = fn
	return db.nextID
}

// Off removes a listener. Unknown ids are ignored.
func (db *Database) Off(id ListenerID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.listeners, id)
}

// CreateTransaction starts a transaction based on the current revision.
func (db *Database) CreateTransaction() *Transaction {
	return &Transaction{
		db:           db,
		deltaID:      db.ids.NewDeltaID(),
		baseRevision: db.Revision(),
	}
}

// Update fetches and applies remote changes.
func (db *Database) Update(ctx context.Context) error {
	_, err := db.runTask(ctx, func(ctx context.Context) (*UpdateEvent, error) {
		res, err := db.runUpdate(ctx)
		if err != nil {
			return nil, err
		}
		return db.eventFor(res), nil
	})
	return err
}

// Close stops watching and rejects every queued and future task.
func (db *Database) Close() error {
	db.mu.Lock()
	unsubscribe := db.unsubscribe
	db.unsubscribe = nil
	db.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	db.cancel()
	db.gate.close(ErrClosed)
	return nil
}

// runTask runs fn as the exclusive task and emits its event afterwards.
func (db *Database) runTask(ctx context.Context, fn func(context.Context) (*UpdateEvent, error)) (*UpdateEvent, error) {
	if err := db.gate.acquire(ctx); err != nil {
		return nil, err
	}
	ev, err := fn(ctx)
	db.gate.release()

	if ev != nil {
		db.emit(*ev)
	}
	return ev, err
}

// runUpdate fast-forwards the controller and promotes a possibly missed
// delta to recovered once it shows up in the log. Caller holds the gate.
func (db *Database) runUpdate(ctx context.Context) (controller.UpdateResult, error) {
	res, err := db.ctrl.Update(ctx)
	if err != nil {
		return res, db.classify(err)
	}
	if db.missed != "" && res.Saw(db.missed) {
		db.logger.Info("possibly missed delta found in log", "delta_id", db.missed)
		db.recovered = db.missed
		db.missed = ""
	}
	return res, nil
}

// push runs the patch pipeline for tx as the exclusive task.
func (db *Database) push(ctx context.Context, tx *Transaction, policy politics.Policy) error {
	_, err := db.runTask(ctx, func(ctx context.Context) (*UpdateEvent, error) {
		return db.patch(ctx, tx, policy)
	})
	return err
}

// patch is the push state machine:
// DryRun -> Submit -> (409 -> Update -> DryRun) | Success | Fatal.
func (db *Database) patch(ctx context.Context, tx *Transaction, policy politics.Policy) (*UpdateEvent, error) {
	key := db.ref.Key()
	var ev *UpdateEvent

	if tx.deltaID != "" && tx.deltaID == db.missed {
		res, err := db.runUpdate(ctx)
		if err != nil {
			return nil, err
		}
		ev = db.eventFor(res)
		if db.missed == tx.deltaID {
			db.missed = ""
		}
	}
	if tx.deltaID != "" && tx.deltaID == db.recovered {
		db.recovered = ""
		db.metrics.Push(key, metrics.ResultRecovered)
		db.logger.Info("push already applied", "delta_id", tx.deltaID)
		return ev, nil
	}

	for attempt := 0; ; attempt++ {
		ds := db.ctrl.Dataset()
		ops := tx.ops
		result := ds.DryRun(tx.baseRevision, ops)
		if !result.OK() && policy != nil {
			ops = policy(ops, result.Conflicts)
			result = ds.DryRun(tx.baseRevision, ops)
		}
		if !result.OK() {
			for _, c := range result.Conflicts {
				db.metrics.Conflict(string(c.Conflict.Type))
			}
			db.metrics.Push(key, metrics.ResultConflict)
			return ev, &ConflictError{Conflicts: result.Conflicts, Retries: attempt}
		}
		if len(ops) == 0 {
			db.metrics.Push(key, metrics.ResultOK)
			return ev, nil
		}

		base := ds.Revision()
		delta := record.Delta{DeltaID: tx.deltaID, Changes: ops}
		rev, err := db.tr.PostDeltas(ctx, db.ref, base, delta)
		switch {
		case err == nil:
			delta.BaseRevision = base
			delta.Revision = rev
			if err := db.ctrl.Commit(ctx, delta); err != nil {
				db.metrics.Push(key, metrics.ResultError)
				return ev, err
			}
			db.metrics.Push(key, metrics.ResultOK)
			db.logger.Debug("pushed",
				"delta_id", tx.deltaID,
				"operations", len(ops),
				"revision", rev,
				"attempt", attempt)
			return mergeEvents(ev, &UpdateEvent{
				Ref:              db.ref,
				PreviousRevision: base,
				Revision:         rev,
				DeltaIDs:         []string{tx.deltaID},
				Local:            true,
			}), nil

		case errors.Is(err, transport.ErrConflict):
			if attempt >= db.maxRetries {
				db.metrics.Push(key, metrics.ResultConflict)
				return ev, &ConflictError{Retries: attempt, Err: err}
			}
			db.metrics.Retry()
			db.logger.Debug("push rejected, updating before retry",
				"delta_id", tx.deltaID,
				"base_revision", base,
				"attempt", attempt)
			res, err := db.runUpdate(ctx)
			if err != nil {
				return ev, err
			}
			ev = mergeEvents(ev, db.eventFor(res))

		case errors.Is(err, transport.ErrGone):
			db.metrics.Push(key, metrics.ResultGone)
			return ev, db.classify(err)

		case transport.IsTransient(err):
			db.missed = tx.deltaID
			db.metrics.Push(key, metrics.ResultMissed)
			db.logger.Warn("push outcome unknown",
				"delta_id", tx.deltaID,
				"error", err)
			return ev, fmt.Errorf("push %s: %w", tx.deltaID, err)

		default:
			db.metrics.Push(key, metrics.ResultError)
			return ev, fmt.Errorf("push %s: %w", tx.deltaID, err)
		}
	}
}

// classify turns a gone error into the terminal state.
func (db *Database) classify(err error) error {
	if !errors.Is(err, transport.ErrGone) {
		return err
	}
	db.mu.Lock()
	first := !db.gone
	db.gone = true
	unsubscribe := db.unsubscribe
	db.unsubscribe = nil
	db.mu.Unlock()

	if first {
		db.logger.Warn("database gone, rejecting further tasks")
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	db.gate.close(ErrGone)
	return ErrGone
}

func (db *Database) eventFor(res controller.UpdateResult) *UpdateEvent {
	if !res.Changed() {
		return nil
	}
	return &UpdateEvent{
		Ref:              db.ref,
		PreviousRevision: res.PreviousRevision,
		Revision:         res.Revision,
		DeltaIDs:         res.DeltaIDs,
	}
}

func mergeEvents(a, b *UpdateEvent) *UpdateEvent {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &UpdateEvent{
		Ref:              a.Ref,
		PreviousRevision: a.PreviousRevision,
		Revision:         b.Revision,
		DeltaIDs:         append(append([]string(nil), a.DeltaIDs...), b.DeltaIDs...),
		Local:            a.Local || b.Local,
	}
}

func (db *Database) emit(ev UpdateEvent) {
	db.mu.Lock()
	ids := make([]ListenerID, 0, len(db.listeners))
	for id := range db.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(UpdateEvent), len(ids))
	for i, id := range ids {
		fns[i] = db.listeners[id]
	}
	db.mu.Unlock()

	for _, fn := range fns {
		db.call(fn, ev)
	}
}

func (db *Database) call(fn func(UpdateEvent), ev UpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			db.logger.Error("update listener panicked", "panic", r)
		}
	}()
	fn(ev)
}

// notify handles a watcher announcement. At most one background refresh
// runs at a time; it keeps updating while a newer revision is wanted.
func (db *Database) notify(_ transport.DatabaseRef, revision int64) {
	for {
		cur := db.wanted.Load()
		if revision <= cur || db.wanted.CompareAndSwap(cur, revision) {
			break
		}
	}
	if revision <= db.Revision() {
		return
	}
	if db.refreshing.CompareAndSwap(false, true) {
		go db.refresh()
	}
}

func (db *Database) refresh() {
	for {
		progressed := true
		for progressed && db.wanted.Load() > db.Revision() {
			before := db.Revision()
			if err := db.Update(db.lifetime); err != nil {
				if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
					db.logger.Warn("background update failed", "error", err)
				}
				db.refreshing.Store(false)
				return
			}
			progressed = db.Revision() != before
		}
		db.refreshing.Store(false)
		if !progressed || db.wanted.Load() <= db.Revision() || !db.refreshing.CompareAndSwap(false, true) {
			return
		}
	}
}
