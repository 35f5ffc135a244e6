package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve recorded sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outstanding conflict records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				records, err := app.Data.PendingConflicts(ctx, collection)
				if err != nil {
					return fail(f, ExitFailure, "failed to list conflicts", err)
				}
				if records == nil {
					records = []*models.ConflictRecord{}
				}
				return f.Success(records, func(w io.Writer) { printConflicts(w, records) })
			})
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "only this collection")
	return cmd
}

func printConflicts(w io.Writer, records []*models.ConflictRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no outstanding conflicts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tDETECTED")
	for _, r := range records {
		detected := time.UnixMilli(r.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.ConflictType, detected)
	}
	tw.Flush()
}

// ResolveOptions holds flags for conflicts resolve.
type ResolveOptions struct {
	*RootOptions
	Strategy string
	Fallback string
	Rules    map[string]string
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict record",
		Long: `Apply a resolution to an outstanding conflict record. The resolved entity
is queued for the next sync pass.

Strategies: use_local, use_remote, merge, manual.
Merge rules per field: use_local, use_remote, combine, latest.

Example:
  fairway conflicts resolve rounds:round-1 --strategy use_remote
  fairway conflicts resolve rounds:round-1 --strategy merge --rule notes=combine --fallback latest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.resolution()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid resolution", err)
			}
			return runResolve(cmd, opts, args[0], res)
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "use_local|use_remote|merge|manual (required)")
	cmd.Flags().StringVar(&opts.Fallback, "fallback", string(conflict.RuleLatest), "merge rule for fields without --rule")
	cmd.Flags().StringToStringVar(&opts.Rules, "rule", nil, "merge rule for a field, field=rule (repeatable)")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func (o *ResolveOptions) resolution() (conflict.Resolution, error) {
	strategy, err := conflict.ParseStrategy(o.Strategy)
	if err != nil {
		return conflict.Resolution{}, err
	}
	res := conflict.Resolution{Strategy: strategy}
	if strategy != conflict.StrategyMerge {
		return res, nil
	}

	res.Fallback = conflict.Rule(o.Fallback)
	if !res.Fallback.Valid() {
		return res, errors.Newf(errors.ErrInvalid, "unknown merge rule %q", o.Fallback)
	}
	if len(o.Rules) > 0 {
		res.Rules = make(conflict.Rules, len(o.Rules))
		for field, rule := range o.Rules {
			r := conflict.Rule(rule)
			if !r.Valid() {
				return res, errors.Newf(errors.ErrInvalid, "unknown merge rule %q for %s", rule, field)
			}
			res.Rules[field] = r
		}
	}
	return res, nil
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions, id string, res conflict.Resolution) error {
	f := opts.formatter(cmd)
	return opts.withApp(cmd, func(ctx context.Context, app *App) error {
		result, err := app.Data.ResolveConflict(ctx, id, res)
		if err != nil {
			return fail(f, ExitFailure, "failed to resolve "+id, err)
		}

		out := map[string]interface{}{
			"id":       id,
			"strategy": result.Strategy,
			"entity":   result.Entity,
			"queued":   result.Queued != nil,
		}
		return f.Success(out, func(w io.Writer) {
			switch {
			case result.Strategy == conflict.StrategyManual:
				fmt.Fprintf(w, "%s left for manual resolution\n", id)
			case result.Queued != nil:
				fmt.Fprintf(w, "%s resolved with %s; queued %s\n", id, result.Strategy, result.Queued.ID)
			default:
				fmt.Fprintf(w, "%s resolved with %s\n", id, result.Strategy)
			}
		})
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
