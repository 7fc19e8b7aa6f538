package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/database"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <database-id>...",
		Short: "Follow revision changes of databases",
		Long: `Open databases and print every revision change until interrupted.

Changes arrive over push notifications when enabled in the config, and by
polling otherwise. With --metrics-addr, sync counters are served at
/metrics in the Prometheus text format.

Example:
  recsync watch notes settings
  recsync watch notes --metrics-addr :9090 --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	return cmd
}

// watchEvent is the printed form of a database.UpdateEvent.
type watchEvent struct {
	DatabaseID       string   `json:"database_id"`
	PreviousRevision int64    `json:"previous_revision"`
	Revision         int64    `json:"revision"`
	DeltaIDs         []string `json:"delta_ids,omitempty"`
	Local            bool     `json:"local"`
}

func runWatch(opts *WatchOptions, ids []string, cmd *cobra.Command) error {
	s, err := openSession(cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer s.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = s.cfg.Metrics.Listen
	}
	if addr != "" {
		stop, err := serveMetrics(s, addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer stop()
	}

	var mu sync.Mutex
	for _, id := range ids {
		db, err := s.client.OpenDatabase(ctx, s.cfg.Context, id)
		if err != nil {
			return s.fail("failed to open database", err)
		}
		db.On(func(ev database.UpdateEvent) {
			out := watchEvent{
				DatabaseID:       ev.Ref.DatabaseID,
				PreviousRevision: ev.PreviousRevision,
				Revision:         ev.Revision,
				DeltaIDs:         ev.DeltaIDs,
				Local:            ev.Local,
			}
			mu.Lock()
			defer mu.Unlock()
			_ = s.out.Render(out, out.Revision, func(w io.Writer) {
				fmt.Fprintf(w, "%s: revision %d -> %d (%d deltas)\n",
					out.DatabaseID, out.PreviousRevision, out.Revision, len(out.DeltaIDs))
			})
		})
		s.logger.Info("watching database", "database", id, "revision", db.Revision())
	}

	s.out.VerboseLog("Watching %d databases. Press Ctrl-C to stop.", len(ids))
	<-ctx.Done()
	s.logger.Info("watch stopped")
	return nil
}

// serveMetrics starts the /metrics endpoint and returns a func that stops it.
func serveMetrics(s *session, addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
