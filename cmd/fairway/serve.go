package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fairway/cmd/fairway/handlers"
	"github.com/kimhsiao/fairway/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API server and background sync",
		Long: `Serve the REST and WebSocket API for the UI on localhost, run periodic
sync passes and queue retention, scheduled backups and, when enabled, the
capture inbox. Stops cleanly on SIGINT or SIGTERM.

Example:
  fairway serve --addr 127.0.0.1:8090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return opts.withApp(cmd, func(ctx context.Context, app *App) error {
		addr := app.Config.Server.Addr
		if opts.Addr != "" {
			addr = opts.Addr
		}

		hub := handlers.NewWSHub()
		defer hub.Stop()
		app.Engine.SetEventHandler(hub)
		app.Data.SetChangeListener(hub.OnChange)

		app.Sync.Start(ctx)
		if err := app.Backups.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start backups", err)
		}
		if app.Inbox != nil {
			app.Inbox.SetHandler(hub.OnCapture)
			if err := app.Inbox.Start(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to start capture inbox", err)
			}
		}
		// Replay anything queued while the process was down.
		app.Sync.TriggerSync(ctx)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen on "+addr, err)
		}

		srv := &http.Server{
			Handler: handlers.NewRouter(handlers.Deps{
				Data:     app.Data,
				Queue:    app.Queue,
				Sync:     app.Sync,
				Export:   app.Export,
				Backups:  app.Backups,
				Hub:      hub,
				Gatherer: app.Registry,
				Version:  version,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve(listener)
		}()
		logging.Info("Fairway server started", map[string]interface{}{
			"addr":    listener.Addr().String(),
			"version": version,
		})

		select {
		case err := <-errCh:
			if !stderrors.Is(err, http.ErrServerClosed) {
				return WrapExitError(ExitFailure, "server stopped", err)
			}
			return nil
		case <-ctx.Done():
		}

		logging.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "graceful shutdown failed", err)
		}
		return nil
	})
}
