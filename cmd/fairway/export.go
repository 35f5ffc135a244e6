package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fairway/internal/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Compress    bool
	Collections []string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export [path|-]",
		Short: "Write a backup archive of the local store",
		Long: `Write every collection, or the ones named with --collection, to a tar
archive with a checksummed manifest. Without a path, or with "-", the archive
goes to stdout. A path ending in .gz is compressed.

Example:
  fairway export backup.tar.gz
  fairway export - --compress > backup.tar.gz`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runExport(cmd, opts, path)
		},
	}

	cmd.Flags().BoolVar(&opts.Compress, "compress", false, "gzip the archive (implied by a .gz path)")
	cmd.Flags().StringSliceVar(&opts.Collections, "collection", nil, "collection to export (repeatable; default all)")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions, path string) error {
	f := opts.formatter(cmd)
	exportOpts := export.ExportOptions{
		Collections: opts.Collections,
		Compress:    opts.Compress || strings.HasSuffix(path, ".gz"),
	}

	return opts.withApp(cmd, func(ctx context.Context, app *App) error {
		if path == "-" {
			result, err := app.Export.Export(ctx, cmd.OutOrStdout(), exportOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			f.VerboseLog("exported %d items (%d bytes)", result.ItemCount, result.SizeBytes)
			return nil
		}

		result, err := app.Export.ExportFile(ctx, path, exportOpts)
		if err != nil {
			return fail(f, ExitFailure, "export failed", err)
		}
		return f.Success(result, textf("exported %d items to %s (%d bytes, sha256 %s)\n",
			result.ItemCount, result.FilePath, result.SizeBytes, result.Manifest.Checksum))
	})
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Clear bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <path|->",
		Short: "Restore a backup archive into the local store",
		Long: `Verify an archive written by export and write its entities into the
local store in one transaction. Entities are merged over existing ones by id;
--clear empties each archived collection first. Nothing is queued for sync.

Example:
  fairway import backup.tar.gz --clear`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "empty archived collections before restoring")
	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions, path string) error {
	f := opts.formatter(cmd)
	importOpts := export.ImportOptions{Clear: opts.Clear}

	return opts.withApp(cmd, func(ctx context.Context, app *App) error {
		var (
			result *export.ImportResult
			err    error
		)
		if path == "-" {
			result, err = app.Export.Import(ctx, cmd.InOrStdin(), importOpts)
		} else {
			result, err = app.Export.ImportFile(ctx, path, importOpts)
		}
		if err != nil {
			return fail(f, ExitFailure, "import failed", err)
		}
		return f.Success(result, func(w io.Writer) {
			fmt.Fprintf(w, "imported %d items (archive from %s)\n",
				result.ImportedCount, result.Manifest.ExportedAt.Format("2006-01-02 15:04:05"))
			for _, name := range sortedKeys(result.Counts) {
				fmt.Fprintf(w, "  %-12s %d\n", name, result.Counts[name])
			}
		})
	})
}
