// Package controller reconciles a local dataset with a remote database.
//
// A Controller bootstraps its dataset from the snapshot cache or from the
// server, then fast-forwards it by paging through the server's delta log.
// Once the server reports the database gone (HTTP 410) the controller stops
// talking to it for good.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/dataset"
	"github.com/roach88/recsync/internal/metrics"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/transport"
)

// DefaultPageSize is the delta page size used when Options.PageSize is zero.
const DefaultPageSize = 100

// ErrNotOpen is returned by Update before Open succeeded.
var ErrNotOpen = errors.New("controller not open")

// Options configures a Controller.
type Options struct {
	Ref       transport.DatabaseRef
	Transport transport.Transport

	// Cache persists snapshots between sessions. Nil disables persistence.
	Cache cache.Cache

	PageSize int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Source tells where a bootstrap took its records from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// UpdateResult describes one fast-forward.
type UpdateResult struct {
	// Revision is the dataset revision after the update.
	Revision int64

	// PreviousRevision is the revision the update started from.
	PreviousRevision int64

	// DeltaIDs lists the ids of the applied deltas, in order.
	DeltaIDs []string
}

// Changed reports whether the update moved the revision.
func (r UpdateResult) Changed() bool {
	return r.Revision != r.PreviousRevision
}

// Saw reports whether a delta with the given id was applied.
func (r UpdateResult) Saw(deltaID string) bool {
	return deltaID != "" && slices.Contains(r.DeltaIDs, deltaID)
}

// Controller owns one database's dataset and its server lineage.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent Update
// calls share one in-flight fetch.
type Controller struct {
	ref      transport.DatabaseRef
	tr       transport.Transport
	cache    cache.Cache
	pageSize int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	flight singleflight.Group

	mu     sync.RWMutex
	ds     *dataset.Dataset
	handle string
	source Source
	gone   bool
}

// New creates a controller. Call Open before using it.
func New(opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		ref:      opts.Ref,
		tr:       opts.Transport,
		cache:    opts.Cache,
		pageSize: opts.PageSize,
		logger:   opts.Logger.With("database", opts.Ref.Key()),
		metrics:  opts.Metrics,
	}
}

// Ref returns the database this controller syncs.
func (c *Controller) Ref() transport.DatabaseRef {
	return c.ref
}

// Open creates or opens the remote database and bootstraps the dataset.
//
// A cached snapshot is used when it is present and no newer than the remote
// revision; the dataset is then fast-forwarded before Open returns. A cache
// read failure or a cached revision ahead of the server clears the cache and
// falls back to a remote snapshot.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.checkGone(); err != nil {
		return err
	}

	info, err := c.tr.PutDatabase(ctx, c.ref)
	if err != nil {
		return c.fail("open database", err)
	}

	if ds, ok := c.loadCached(ctx, info); ok {
		c.install(ds, info.Handle, SourceCache)
		c.logger.Debug("bootstrapped from cache",
			"handle", info.Handle,
			"cached_revision", ds.Revision(),
			"remote_revision", info.Revision)
		if _, err := c.Update(ctx); err != nil {
			return err
		}
		return nil
	}

	snap, err := c.tr.GetSnapshot(ctx, c.ref)
	if err != nil {
		return c.fail("get snapshot", err)
	}
	ds := dataset.New(snap.Revision, snap.Records.Items)
	c.install(ds, info.Handle, SourceRemote)
	c.logger.Debug("bootstrapped from snapshot",
		"handle", info.Handle,
		"revision", snap.Revision,
		"records", ds.Len())
	c.persist(ctx)
	return nil
}

// loadCached returns the cached dataset for the handle when it is usable.
func (c *Controller) loadCached(ctx context.Context, info *transport.DatabaseInfo) (*dataset.Dataset, bool) {
	if c.cache == nil {
		return nil, false
	}

	snap, err := c.cache.GetDataset(ctx, c.ref.Context, info.Handle)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return nil, false
	case err != nil:
		c.logger.Warn("cache read failed, clearing cache", "error", err)
	case snap.Revision > info.Revision:
		c.logger.Warn("cached snapshot ahead of server, clearing cache",
			"cached_revision", snap.Revision,
			"remote_revision", info.Revision)
	default:
		return dataset.FromSnapshot(snap), true
	}

	if err := c.cache.Clear(ctx); err != nil {
		c.logger.Warn("cache clear failed", "error", err)
	}
	return nil, false
}

func (c *Controller) install(ds *dataset.Dataset, handle string, source Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ds = ds
	c.handle = handle
	c.source = source
}

// Update fast-forwards the dataset to the server's current revision.
//
// Deltas are fetched page by page until the last applied delta reaches the
// revision the server reported. Concurrent callers share one fetch; every
// caller receives the same result. Use UpdateResult.Saw to check whether a
// delta whose outcome was unknown has been committed.
func (c *Controller) Update(ctx context.Context) (UpdateResult, error) {
	v, err, _ := c.flight.Do("update", func() (any, error) {
		return c.update(ctx)
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return v.(UpdateResult), nil
}

func (c *Controller) update(ctx context.Context) (UpdateResult, error) {
	if err := c.checkGone(); err != nil {
		return UpdateResult{}, err
	}
	ds := c.Dataset()
	if ds == nil {
		return UpdateResult{}, ErrNotOpen
	}

	result := UpdateResult{PreviousRevision: ds.Revision()}
	base := result.PreviousRevision
	for {
		page, err := c.tr.GetDeltas(ctx, c.ref, base, c.pageSize)
		if err != nil {
			c.metrics.Update(c.ref.Key(), metrics.ResultError)
			return UpdateResult{}, c.fail("get deltas", err)
		}
		if len(page.Items) == 0 {
			break
		}
		if err := ds.ApplyDeltas(page.Items); err != nil {
			c.metrics.Update(c.ref.Key(), metrics.ResultError)
			return UpdateResult{}, fmt.Errorf("update %s: %w", c.ref.Key(), err)
		}
		c.metrics.DeltasApplied(len(page.Items))
		for _, d := range page.Items {
			if d.DeltaID != "" {
				result.DeltaIDs = append(result.DeltaIDs, d.DeltaID)
			}
		}
		base = page.Items[len(page.Items)-1].Revision
		if base >= page.Revision {
			break
		}
	}
	result.Revision = ds.Revision()

	c.metrics.Update(c.ref.Key(), metrics.ResultOK)
	if result.Changed() {
		c.logger.Debug("fast-forwarded",
			"from", result.PreviousRevision,
			"to", result.Revision,
			"deltas", len(result.DeltaIDs))
	}
	c.persist(ctx)
	return result, nil
}

// Commit applies a delta the server accepted from this client and persists
// the new state.
func (c *Controller) Commit(ctx context.Context, delta record.Delta) error {
	ds := c.Dataset()
	if ds == nil {
		return ErrNotOpen
	}
	if err := ds.ApplyDeltas([]record.Delta{delta}); err != nil {
		return fmt.Errorf("commit %s: %w", c.ref.Key(), err)
	}
	c.metrics.DeltasApplied(1)
	c.persist(ctx)
	return nil
}

// persist saves a snapshot. Failures are logged and otherwise ignored.
func (c *Controller) persist(ctx context.Context) {
	if c.cache == nil {
		return
	}
	c.mu.RLock()
	ds, handle := c.ds, c.handle
	c.mu.RUnlock()
	if ds == nil {
		return
	}
	if err := c.cache.SaveDataset(ctx, c.ref.Context, handle, ds.Snapshot()); err != nil {
		c.logger.Warn("snapshot persistence failed", "error", err)
	}
}

// fail wraps a transport error and marks the controller gone on 410.
func (c *Controller) fail(op string, err error) error {
	if errors.Is(err, transport.ErrGone) {
		c.mu.Lock()
		c.gone = true
		c.mu.Unlock()
		c.logger.Warn("database gone", "op", op)
		c.metrics.Update(c.ref.Key(), metrics.ResultGone)
	}
	return fmt.Errorf("%s %s: %w", op, c.ref.Key(), err)
}

func (c *Controller) checkGone() error {
	if c.Gone() {
		return fmt.Errorf("%s: %w", c.ref.Key(), transport.ErrGone)
	}
	return nil
}

// Dataset returns the live dataset, or nil before Open.
func (c *Controller) Dataset() *dataset.Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ds
}

// Handle returns the server handle of the current lineage.
func (c *Controller) Handle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// Source returns where the dataset was bootstrapped from.
func (c *Controller) Source() Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// Revision returns the dataset revision, or 0 before Open.
func (c *Controller) Revision() int64 {
	ds := c.Dataset()
	if ds == nil {
		return 0
	}
	return ds.Revision()
}

// Gone reports whether the server invalidated this database.
func (c *Controller) Gone() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gone
}
