package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fairway/internal/models"
	syncpkg "github.com/kimhsiao/fairway/internal/sync"
	"github.com/kimhsiao/fairway/internal/sync/scheduler"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				status, err := app.Sync.GetStatus(ctx)
				if err != nil {
					return fail(f, ExitFailure, "failed to read status", err)
				}
				return f.Success(status, func(w io.Writer) { printStatus(w, status) })
			})
		},
	}
}

func printStatus(w io.Writer, s scheduler.SchedulerStatus) {
	fmt.Fprintf(w, "sync:      %s (online: %t)\n", s.SyncStatus, s.IsOnline)
	if s.LastSyncTime != nil {
		fmt.Fprintf(w, "last sync: %s\n", s.LastSyncTime.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(w, "last sync: never")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "error:     %s\n", s.LastError)
	}
	fmt.Fprintf(w, "queue:     %d pending (%d due), %d completed, %d failed, %d abandoned\n",
		s.Queue.Pending, s.Queue.Due, s.Queue.Completed, s.Queue.Failed, s.Queue.Abandoned)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and wait for it",
		Long: `Push queued changes to the remote, then pull every domain collection and
reconcile. Runs regardless of sync.start_online, so it doubles as a
connectivity check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.Sync.SyncNow(ctx)
				if err != nil {
					if result != nil && f.Format == "text" {
						printSyncResult(f.Writer, result)
					}
					return fail(f, ExitFailure, "sync failed", err)
				}
				return f.Success(result, func(w io.Writer) { printSyncResult(w, result) })
			})
		},
	}
}

func printSyncResult(w io.Writer, r *syncpkg.SyncResult) {
	fmt.Fprintf(w, "status:    %s (%s)\n", r.Status, r.Duration)
	fmt.Fprintf(w, "pushed:    %d (%d failed, %d deferred, %d invalid)\n", r.Pushed, r.PushFailed, r.Deferred, r.Invalid)
	fmt.Fprintf(w, "pulled:    %d (%d collections failed)\n", r.Pulled, r.PullFailed)
	fmt.Fprintf(w, "conflicts: %d resolved, %d unresolved, %d cleared\n", r.Resolved, r.Unresolved, r.Cleared)

	types := make([]string, 0, len(r.Conflicts))
	for t := range r.Conflicts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-17s %d\n", t, r.Conflicts[models.ConflictType(t)])
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error:     %s\n", r.Error)
	}
}
