// tasksync keeps a Notion database and Google Tasks converged:
// bidirectional reconciliation of tasks, lists, and deletions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/auth"
	"github.com/harrisonrobin/tasksync/pkg/categories"
	"github.com/harrisonrobin/tasksync/pkg/config"
	"github.com/harrisonrobin/tasksync/pkg/engine"
	"github.com/harrisonrobin/tasksync/pkg/gtasks"
	"github.com/harrisonrobin/tasksync/pkg/kv"
	"github.com/harrisonrobin/tasksync/pkg/logging"
	"github.com/harrisonrobin/tasksync/pkg/notion"
	"github.com/harrisonrobin/tasksync/pkg/report"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "Bidirectional sync between Google Tasks and a Notion database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newSyncCommand(&configFlag))
	rootCmd.AddCommand(newAuthCommand(&configFlag))
	rootCmd.AddCommand(newListsCommand(&configFlag))
	return rootCmd
}

// signalContext cancels on SIGINT/SIGTERM so a pass stops between writes.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSyncCommand(configFlag *string) *cobra.Command {
	var dryRun bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			log, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: os.Stderr,
			})
			if err != nil {
				return err
			}

			// One pass at a time. Overlapping passes would race on the
			// snapshots and double-create tasks.
			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return errors.New("another sync is already running")
			}
			defer lock.Unlock()

			cache, err := kv.OpenSQLite(cfg.MappingDBPath())
			if err != nil {
				return err
			}
			defer cache.Close()

			settings := auth.Settings{
				CredentialsFile: cfg.Google.CredentialsFile,
				TokenFile:       cfg.Google.TokenFile,
			}
			httpClient, err := settings.Client(ctx)
			if err != nil {
				return err
			}
			google, err := gtasks.New(ctx, httpClient, cfg.Google.DefaultList, log)
			if err != nil {
				return err
			}
			pages := notion.New(nil, cfg.Notion, log)
			mapper := categories.New(google, cache, log)

			orch := engine.NewOrchestrator(google, pages, mapper, engine.Options{
				PastWeeks:     cfg.Sync.PastWeeks,
				FutureWeeks:   cfg.Sync.FutureWeeks,
				SyncDeletions: cfg.Sync.SyncDeletions,
				DryRun:        dryRun,
				StampSkew:     cfg.StampSkew(),
			}, log)

			session, err := orch.Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut || !isTerminal() {
				if err := report.RenderJSON(out, session); err != nil {
					return err
				}
			} else if err := report.RenderTable(out, session); err != nil {
				return err
			}

			if session.Failed() {
				return fmt.Errorf("%d task(s) failed to sync", len(session.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and report without writing to either store")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the session report as JSON")
	return cmd
}

func newAuthCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to Google Tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			settings := auth.Settings{
				CredentialsFile: cfg.Google.CredentialsFile,
				TokenFile:       cfg.Google.TokenFile,
			}
			if err := settings.Authenticate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Authorization complete.")
			return nil
		},
	}
}

func newListsCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Show Google Tasks lists and their cached category mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
			if err != nil {
				return err
			}

			settings := auth.Settings{
				CredentialsFile: cfg.Google.CredentialsFile,
				TokenFile:       cfg.Google.TokenFile,
			}
			httpClient, err := settings.Client(ctx)
			if err != nil {
				return err
			}
			google, err := gtasks.New(ctx, httpClient, cfg.Google.DefaultList, log)
			if err != nil {
				return err
			}

			cache, err := kv.OpenSQLite(cfg.MappingDBPath())
			if err != nil {
				return err
			}
			defer cache.Close()

			mapper := categories.New(google, cache, log)
			if err := mapper.Refresh(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for label, id := range mapper.Mappings() {
				fmt.Fprintf(out, "%s\t%s\n", id, label)
			}
			return nil
		},
	}
}

func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
