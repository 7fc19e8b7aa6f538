package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/client"
	"github.com/roach88/recsync/internal/config"
	"github.com/roach88/recsync/internal/database"
	"github.com/roach88/recsync/internal/metrics"
)

// session bundles what a command needs to talk to the server.
type session struct {
	cfg     config.Config
	client  *client.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	out     *OutputFormatter
	closers []func() error
}

// openSession loads the config and builds a client. watch enables
// background revision updates for opened databases.
func openSession(cmd *cobra.Command, opts *RootOptions, watch bool) (*session, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Context != "" {
		cfg.Context = opts.Context
	}

	level := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	}))

	s := &session{
		cfg:     cfg,
		metrics: metrics.New(nil),
		logger:  logger,
		out:     out,
	}

	var snapshots cache.Cache
	if cfg.Cache.Enabled {
		sq, err := cache.OpenSQLite(cfg.Cache.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
		}
		s.closers = append(s.closers, sq.Close)
		snapshots = sq
		logger.Debug("cache ready", "path", cfg.Cache.Path)
	}

	s.client, err = client.New(client.Options{
		BaseURL:         cfg.BaseURL,
		Token:           cfg.Token,
		Transport:       opts.Transport,
		Dialer:          opts.Dialer,
		Push:            cfg.Push,
		Cache:           snapshots,
		Watch:           watch,
		HTTPTimeout:     cfg.HTTPTimeout.Std(),
		PollInterval:    cfg.PollInterval.Std(),
		FailoverBackoff: cfg.FailoverBackoff.Std(),
		MaxRetries:      cfg.MaxRetries,
		PageSize:        cfg.PageSize,
		Logger:          logger,
		Metrics:         s.metrics,
	})
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create client", err)
	}
	return s, nil
}

// Close releases the client and the cache.
func (s *session) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Error("error closing client", "error", err)
		}
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Error("error closing cache", "error", err)
		}
	}
}

// fail reports err in the configured format and wraps it with an exit
// code. Invalid input is a command error; everything else is a failure.
func (s *session) fail(message string, err error) error {
	_ = s.out.Error(ErrorCode(err), err.Error(), conflictDetails(err))

	code := ExitFailure
	if database.IsValidation(err) {
		code = ExitCommandError
	}
	return WrapExitError(code, message, err)
}

// conflictDetails lists the conflicts of a *database.ConflictError.
func conflictDetails(err error) any {
	var ce *database.ConflictError
	if !errors.As(err, &ce) || len(ce.Conflicts) == 0 {
		return nil
	}
	details := make([]string, len(ce.Conflicts))
	for i, c := range ce.Conflicts {
		details[i] = c.String()
	}
	return details
}
