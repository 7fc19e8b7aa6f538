// Package client is the entry point for applications: it owns the token,
// the transport, the snapshot cache and the shared watcher, and opens
// databases wired to all of them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/database"
	"github.com/roach88/recsync/internal/metrics"
	"github.com/roach88/recsync/internal/transport"
	"github.com/roach88/recsync/internal/watcher"
)

// ErrNotInitialized is returned by Token when no token is available and
// no authenticator is configured.
var ErrNotInitialized = errors.New("client not initialized")

// Authenticator obtains an OAuth token, for example through an interactive
// flow. It is called at most once per successful initialization.
type Authenticator func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	// BaseURL of the sync API. Used when Transport is nil.
	BaseURL string

	// Token is a pre-issued OAuth token. When empty, Authenticator is
	// invoked lazily on first use.
	Token         string
	Authenticator Authenticator

	// Transport overrides the HTTP transport.
	Transport transport.Transport

	// Dialer enables push notifications. When nil and Push is set, a
	// websocket dialer is used.
	Dialer transport.PushDialer
	Push   bool

	// Cache persists snapshots. Nil disables persistence.
	Cache cache.Cache

	// Watch subscribes opened databases to background revision updates.
	Watch bool

	HTTPTimeout     time.Duration
	PollInterval    time.Duration
	FailoverBackoff time.Duration
	MaxRetries      int
	PageSize        int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client opens synchronized databases.
//
// Thread-safety: All methods are safe for concurrent use.
type Client struct {
	opts    Options
	logger  *slog.Logger
	tr      transport.Transport
	watcher *watcher.Watcher

	mu    sync.Mutex
	token string
	dbs   map[string]*database.Database
}

// New creates a client. No network calls happen until a database is opened.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil && opts.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL or transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:   opts,
		logger: opts.Logger,
		token:  opts.Token,
		dbs:    make(map[string]*database.Database),
	}

	c.tr = opts.Transport
	if c.tr == nil {
		httpClient := &http.Client{Timeout: opts.HTTPTimeout}
		c.tr = transport.NewHTTPClient(opts.BaseURL, c,
			transport.WithHTTPClient(httpClient),
			transport.WithLogger(opts.Logger))
	}

	if opts.Watch {
		dialer := opts.Dialer
		if dialer == nil && opts.Push {
			dialer = transport.NewWebsocketDialer()
		}
		c.watcher = watcher.New(watcher.Options{
			Transport:       c.tr,
			Dialer:          dialer,
			PollInterval:    opts.PollInterval,
			FailoverBackoff: opts.FailoverBackoff,
			Logger:          opts.Logger,
			Metrics:         opts.Metrics,
		})
	}
	return c, nil
}

// Initialize obtains a token if the client has none yet and returns it.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}
	if c.opts.Authenticator == nil {
		return "", ErrNotInitialized
	}
	token, err := c.opts.Authenticator(ctx)
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("initialize: authenticator returned an empty token")
	}
	c.token = token
	c.logger.Debug("client initialized")
	return token, nil
}

// IsInitialized reports whether a token is available.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Token implements transport.TokenSource, initializing lazily.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.Initialize(ctx)
}

// Transport returns the transport used for all databases.
func (c *Client) Transport() transport.Transport {
	return c.tr
}

// OpenDatabase opens (creating if needed) a database. Opening the same
// database twice returns the same instance unless it has become gone.
func (c *Client) OpenDatabase(ctx context.Context, dbContext, databaseID string) (*database.Database, error) {
	ref := transport.DatabaseRef{Context: dbContext, DatabaseID: databaseID}

	c.mu.Lock()
	if db, ok := c.dbs[ref.Key()]; ok && !db.Gone() {
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	opts := database.Options{
		Ref:        ref,
		Transport:  c.tr,
		Cache:      c.opts.Cache,
		MaxRetries: c.opts.MaxRetries,
		PageSize:   c.opts.PageSize,
		Logger:     c.logger,
		Metrics:    c.opts.Metrics,
	}
	if c.watcher != nil {
		opts.Watcher = c.watcher
	}
	db, err := database.Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.dbs[ref.Key()]; ok && !existing.Gone() {
		db.Close()
		return existing, nil
	}
	c.dbs[ref.Key()] = db
	return db, nil
}

// ListDatabases returns every database in a context, following pages.
func (c *Client) ListDatabases(ctx context.Context, dbContext string) ([]transport.DatabaseInfo, error) {
	const pageSize = 100
	var out []transport.DatabaseInfo
	for offset := 0; ; {
		page, err := c.tr.ListDatabases(ctx, dbContext, pageSize, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			return out, nil
		}
	}
}

// DeleteDatabase deletes a database and closes it if open.
func (c *Client) DeleteDatabase(ctx context.Context, dbContext, databaseID string) error {
	ref := transport.DatabaseRef{Context: dbContext, DatabaseID: databaseID}
	if err := c.tr.DeleteDatabase(ctx, ref); err != nil {
		return err
	}
	c.mu.Lock()
	db, ok := c.dbs[ref.Key()]
	delete(c.dbs, ref.Key())
	c.mu.Unlock()
	if ok {
		db.Close()
	}
	return nil
}

// Close closes every open database and stops the watcher.
func (c *Client) Close() error {
	c.mu.Lock()
	dbs := c.dbs
	c.dbs = make(map[string]*database.Database)
	c.mu.Unlock()

	for _, db := range dbs {
		db.Close()
	}
	if c.watcher != nil {
		c.watcher.Close()
	}
	return nil
}
