// Package watcher notices remote revision changes in the background.
//
// An Engine watches a set of databases and reports each revision that
// differs from the last one it saw. PushEngine listens on a push channel;
// PollEngine asks the server on a fixed interval. Both share engineCore,
// which owns the watched set and the restart generation: every restart
// cancels the previous generation's calls, and results that arrive for a
// superseded generation are dropped.
//
// Watcher is the registry on top: it fans reports out to subscribers and
// replaces a failed engine after a backoff.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/recsync/internal/transport"
)

// ErrEngineClosed is the cancellation cause of a superseded or closed
// generation (see context.Cause).
var ErrEngineClosed = errors.New("engine closed")

// Engine is the capability set shared by the push and poll engines.
type Engine interface {
	// AddDatabase starts watching ref from its last-known revision and
	// restarts the engine. Only revisions that differ from it are reported.
	AddDatabase(ref transport.DatabaseRef, revision int64)

	// RemoveDatabase stops watching ref and restarts the engine.
	RemoveDatabase(ref transport.DatabaseRef)

	// Restart cancels the running generation and starts a new one over
	// the current set. A dead engine ignores it.
	Restart()

	// Fail tears the engine down and reports err to the failure callback.
	Fail(err error)

	// UpdateRevisions asks the server for every watched revision and
	// reports those that changed.
	UpdateRevisions(ctx context.Context) error

	// Len returns the number of watched databases.
	Len() int

	// Close stops the engine without reporting a failure.
	Close()
}

// EngineOptions configures an engine.
type EngineOptions struct {
	Transport transport.Transport

	// OnUpdate receives each changed revision.
	OnUpdate func(ref transport.DatabaseRef, revision int64)

	// OnFail receives the error that killed the engine. Called at most
	// once.
	OnFail func(err error)

	Logger *slog.Logger
}

type watched struct {
	revision int64
}

// engineCore holds the state and lifecycle shared by all engines. The
// concrete engine supplies run, which is started once per generation.
type engineCore struct {
	kind     string
	tr       transport.Transport
	onUpdate func(transport.DatabaseRef, int64)
	onFail   func(error)
	logger   *slog.Logger
	run      func(ctx context.Context, gen uint64)

	mu         sync.Mutex
	known      map[transport.DatabaseRef]*watched
	generation uint64
	cancel     context.CancelFunc
	dead       bool
}

func newEngineCore(kind string, opts EngineOptions) *engineCore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnUpdate == nil {
		opts.OnUpdate = func(transport.DatabaseRef, int64) {}
	}
	if opts.OnFail == nil {
		opts.OnFail = func(error) {}
	}
	return &engineCore{
		kind:     kind,
		tr:       opts.Transport,
		onUpdate: opts.OnUpdate,
		onFail:   opts.OnFail,
		logger:   opts.Logger.With("engine", kind),
		known:    make(map[transport.DatabaseRef]*watched),
	}
}

func (e *engineCore) AddDatabase(ref transport.DatabaseRef, revision int64) {
	e.mu.Lock()
	e.known[ref] = &watched{revision: revision}
	e.mu.Unlock()
	e.Restart()
}

func (e *engineCore) RemoveDatabase(ref transport.DatabaseRef) {
	e.mu.Lock()
	delete(e.known, ref)
	e.mu.Unlock()
	e.Restart()
}

func (e *engineCore) Restart() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return
	}
	e.generation++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if len(e.known) == 0 {
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	e.cancel = func() { cancel(ErrEngineClosed) }
	go e.run(ctx, e.generation)
}

func (e *engineCore) Fail(err error) {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	e.fail(gen, err)
}

// fail kills the engine if gen is still current.
func (e *engineCore) fail(gen uint64, err error) {
	e.mu.Lock()
	if e.dead || gen != e.generation {
		e.mu.Unlock()
		return
	}
	e.dead = true
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	clear(e.known)
	e.mu.Unlock()

	e.logger.Warn("engine failed", "error", err)
	e.onFail(err)
}

func (e *engineCore) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = true
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	clear(e.known)
}

func (e *engineCore) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.known)
}

func (e *engineCore) UpdateRevisions(ctx context.Context) error {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	return e.updateRevisions(ctx, gen)
}

// updateRevisions polls every database watched by generation gen.
func (e *engineCore) updateRevisions(ctx context.Context, gen uint64) error {
	for _, ref := range e.refs(gen) {
		info, err := e.tr.GetDatabase(ctx, ref)
		if err != nil {
			return err
		}
		e.report(gen, ref, info.Revision)
	}
	return nil
}

// refs returns the watched set, or nothing if gen is stale.
func (e *engineCore) refs(gen uint64) []transport.DatabaseRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || gen != e.generation {
		return nil
	}
	refs := make([]transport.DatabaseRef, 0, len(e.known))
	for ref := range e.known {
		refs = append(refs, ref)
	}
	return refs
}

// report records a revision and forwards it when it differs from the last
// one seen. Reports from stale generations are dropped.
func (e *engineCore) report(gen uint64, ref transport.DatabaseRef, revision int64) {
	e.mu.Lock()
	if e.dead || gen != e.generation {
		e.mu.Unlock()
		return
	}
	w, ok := e.known[ref]
	if !ok || w.revision == revision {
		e.mu.Unlock()
		return
	}
	w.revision = revision
	e.mu.Unlock()

	e.onUpdate(ref, revision)
}
