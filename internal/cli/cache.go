package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/config"
)

// CacheOptions holds flags for the cache commands.
type CacheOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local snapshot cache",
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove snapshots not saved recently",
		Long: `Remove cached snapshots saved longer ago than --older-than. Databases
whose snapshot is removed are fetched in full on next open.

Example:
  recsync cache prune --older-than 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCachePrune(opts, cmd)
		},
	}
	prune.Flags().DurationVar(&opts.OlderThan, "older-than", 30*24*time.Hour, "age of snapshots to remove")

	clearCmd := &cobra.Command{
		Use:           "clear",
		Short:         "Remove every cached snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(opts, cmd)
		},
	}

	cmd.AddCommand(prune, clearCmd)
	return cmd
}

// openCache opens the SQLite cache named by the config, even when the
// cache is disabled for sync.
func openCache(opts *RootOptions, cmd *cobra.Command) (*cache.SQLite, *OutputFormatter, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	sq, err := cache.OpenSQLite(cfg.Cache.Path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}
	out.VerboseLog("cache: %s", cfg.Cache.Path)
	return sq, out, nil
}

func runCachePrune(opts *CacheOptions, cmd *cobra.Command) error {
	if opts.OlderThan < 0 {
		return NewExitError(ExitCommandError, "--older-than must not be negative")
	}
	sq, out, err := openCache(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sq.Close()

	n, err := sq.Evict(cmd.Context(), time.Now().Add(-opts.OlderThan))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to prune cache", err)
	}
	return out.Render(map[string]int64{"removed": n}, 0, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %d snapshots\n", n)
	})
}

func runCacheClear(opts *CacheOptions, cmd *cobra.Command) error {
	sq, out, err := openCache(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sq.Close()

	if err := sq.Clear(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "failed to clear cache", err)
	}
	return out.Success("Cache cleared")
}
