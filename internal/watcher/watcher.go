package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/recsync/internal/metrics"
	"github.com/roach88/recsync/internal/transport"
)

// DefaultFailoverBackoff is the wait before a failed engine is replaced.
const DefaultFailoverBackoff = 5 * time.Second

// Options configures a Watcher.
type Options struct {
	Transport transport.Transport

	// Dialer enables the push engine. Without it the watcher polls.
	Dialer transport.PushDialer

	PollInterval    time.Duration
	FailoverBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type subscription struct {
	ref transport.DatabaseRef

	// revision is the last revision known for ref: the lowest one a
	// subscriber started from, raised by every dispatched report.
	revision  int64
	callbacks map[uint64]func(transport.DatabaseRef, int64)
}

// Watcher fans revision reports out to subscribers. It runs at most one
// engine, created for the first subscriber and torn down after the last
// one leaves.
//
// Thread-safety: All methods are safe for concurrent use.
type Watcher struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]*subscription
	nextID   uint64
	engine   Engine
	failover *time.Timer
	closed   bool
}

// New creates a watcher. No engine runs until the first Subscribe.
func New(opts Options) *Watcher {
	if opts.FailoverBackoff <= 0 {
		opts.FailoverBackoff = DefaultFailoverBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		opts:   opts,
		logger: opts.Logger.With("component", "watcher"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers fn for revision reports about ref. revision is the
// subscriber's local revision; fn fires only for revisions that differ from
// the last one known. The returned func unsubscribes; calling it more than
// once is harmless.
func (w *Watcher) Subscribe(ref transport.DatabaseRef, revision int64, fn func(ref transport.DatabaseRef, revision int64)) (unsubscribe func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return func() {}
	}

	w.nextID++
	id := w.nextID
	key := ref.Key()
	sub, ok := w.subs[key]
	if !ok {
		sub = &subscription{ref: ref, revision: revision, callbacks: make(map[uint64]func(transport.DatabaseRef, int64))}
		w.subs[key] = sub
	}
	sub.callbacks[id] = fn

	switch {
	case !ok:
		w.logger.Debug("watching database", "database", key, "revision", revision)
		if eng := w.ensureEngine(); eng != nil {
			eng.AddDatabase(ref, revision)
		}
	case revision < sub.revision:
		// A subscriber behind the others lowers the baseline so the
		// current revision is reported again.
		sub.revision = revision
		if w.engine != nil {
			w.engine.AddDatabase(ref, revision)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { w.unsubscribe(key, id) })
	}
}

func (w *Watcher) unsubscribe(key string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[key]
	if !ok {
		return
	}
	delete(sub.callbacks, id)
	if len(sub.callbacks) > 0 {
		return
	}

	delete(w.subs, key)
	w.logger.Debug("stopped watching database", "database", key)
	if w.engine != nil {
		w.engine.RemoveDatabase(sub.ref)
	}
	if len(w.subs) == 0 {
		w.teardown()
	}
}

// ensureEngine returns the running engine, creating one if none runs and
// no failover is pending. Caller holds w.mu.
func (w *Watcher) ensureEngine() Engine {
	if w.engine != nil || w.failover != nil {
		return w.engine
	}

	var eng Engine
	opts := EngineOptions{
		Transport: w.opts.Transport,
		OnUpdate:  w.dispatch,
		OnFail:    func(err error) { w.handleFailure(eng, err) },
		Logger:    w.opts.Logger,
	}
	if w.opts.Dialer != nil {
		eng = NewPushEngine(opts, w.opts.Dialer)
	} else {
		eng = NewPollEngine(opts, w.opts.PollInterval)
	}
	w.engine = eng
	return eng
}

// handleFailure drops the dead engine and schedules a replacement.
func (w *Watcher) handleFailure(eng Engine, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.engine != eng {
		return
	}
	w.engine = nil
	w.opts.Metrics.Failover(engineKind(eng))
	w.logger.Warn("engine failed, replacing after backoff",
		"error", err,
		"backoff", w.opts.FailoverBackoff)
	w.failover = time.AfterFunc(w.opts.FailoverBackoff, w.recreate)
}

// recreate starts a fresh engine over the current set.
func (w *Watcher) recreate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failover = nil
	if w.closed || w.engine != nil || len(w.subs) == 0 {
		return
	}
	eng := w.ensureEngine()
	for _, key := range w.keys() {
		sub := w.subs[key]
		eng.AddDatabase(sub.ref, sub.revision)
	}
}

// teardown stops the engine and any pending failover. Caller holds w.mu.
func (w *Watcher) teardown() {
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
	}
	if w.failover != nil {
		w.failover.Stop()
		w.failover = nil
	}
}

// dispatch delivers a report to every callback of the database. A
// panicking callback is logged and does not affect the others.
func (w *Watcher) dispatch(ref transport.DatabaseRef, revision int64) {
	w.mu.Lock()
	sub, ok := w.subs[ref.Key()]
	var fns []func(transport.DatabaseRef, int64)
	if ok {
		if revision > sub.revision {
			sub.revision = revision
		}
		ids := make([]uint64, 0, len(sub.callbacks))
		for id := range sub.callbacks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fns = append(fns, sub.callbacks[id])
		}
	}
	w.mu.Unlock()

	for _, fn := range fns {
		w.call(fn, ref, revision)
	}
}

func (w *Watcher) call(fn func(transport.DatabaseRef, int64), ref transport.DatabaseRef, revision int64) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch callback panicked", "database", ref.Key(), "panic", r)
		}
	}()
	fn(ref, revision)
}

// keys returns the watched keys in sorted order. Caller holds w.mu.
func (w *Watcher) keys() []string {
	keys := make([]string, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Watched returns the refs with at least one subscriber.
func (w *Watcher) Watched() []transport.DatabaseRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := w.keys()
	refs := make([]transport.DatabaseRef, len(keys))
	for i, k := range keys {
		refs[i] = w.subs[k].ref
	}
	return refs
}

// Running reports whether an engine is currently running.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.engine != nil
}

// Close stops the engine and drops every subscription.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.teardown()
	clear(w.subs)
}

func engineKind(eng Engine) string {
	switch eng.(type) {
	case *PushEngine:
		return "push"
	default:
		return "poll"
	}
}
