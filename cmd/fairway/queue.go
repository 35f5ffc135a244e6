package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the mutation queue",
	}
	cmd.AddCommand(newQueueStatsCommand(opts))
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueuePruneCommand(opts))
	cmd.AddCommand(newQueueRequeueCommand(opts))
	return cmd
}

func newQueueStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				stats, err := app.Queue.Stats(ctx)
				if err != nil {
					return fail(f, ExitFailure, "failed to read queue", err)
				}
				return f.Success(stats, func(w io.Writer) { printQueueStats(w, stats) })
			})
		},
	}
}

func printQueueStats(w io.Writer, s queue.Stats) {
	fmt.Fprintf(w, "total:     %d\n", s.Total)
	fmt.Fprintf(w, "pending:   %d (%d due)\n", s.Pending, s.Due)
	fmt.Fprintf(w, "completed: %d\n", s.Completed)
	fmt.Fprintf(w, "failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "abandoned: %d\n", s.Abandoned)
	if s.OldestPending > 0 {
		fmt.Fprintf(w, "oldest:    %s\n", time.UnixMilli(s.OldestPending).Format("2006-01-02 15:04:05"))
	}
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if !validQueueStatus(status) {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", status))
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				items, err := app.Queue.List(ctx, models.QueueStatus(status))
				if err != nil {
					return fail(f, ExitFailure, "failed to list queue", err)
				}
				if items == nil {
					items = []*queue.Item{}
				}
				return f.Success(items, func(w io.Writer) { printQueueItems(w, items) })
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "pending|completed|failed|abandoned (default all)")
	return cmd
}

func validQueueStatus(s string) bool {
	switch models.QueueStatus(s) {
	case "", models.QueueStatusPending, models.QueueStatusCompleted, models.QueueStatusFailed, models.QueueStatusAbandoned:
		return true
	}
	return false
}

func printQueueItems(w io.Writer, items []*queue.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOLLECTION\tOP\tSTATUS\tRETRIES\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			item.ID, item.Collection, item.Operation, item.Status, item.RetryCount, item.MaxRetries, item.LastError)
	}
	tw.Flush()
}

func newQueuePruneCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal items past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				removed, err := app.Sync.Prune(ctx)
				if err != nil {
					return fail(f, ExitFailure, "failed to prune queue", err)
				}
				return f.Success(map[string]int{"removed": removed}, textf("removed %d items\n", removed))
			})
		},
	}
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id]",
		Short: "Give an item, or every abandoned item, a fresh retry budget",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if len(args) == 0 {
					n, err := app.Queue.RequeueAbandoned(ctx)
					if err != nil {
						return fail(f, ExitFailure, "failed to requeue", err)
					}
					return f.Success(map[string]int{"requeued": n}, textf("requeued %d abandoned items\n", n))
				}

				id := args[0]
				item, err := app.Queue.Get(ctx, id)
				if err != nil {
					return fail(f, ExitFailure, "failed to requeue", err)
				}
				if item == nil {
					return fail(f, ExitFailure, "failed to requeue", errors.Newf(errors.ErrNotFound, "queue item %s not found", id))
				}
				if err := app.Queue.Requeue(ctx, id); err != nil {
					return fail(f, ExitFailure, "failed to requeue", err)
				}
				return f.Success(map[string]int{"requeued": 1}, textf("requeued %s\n", id))
			})
		},
	}
}
