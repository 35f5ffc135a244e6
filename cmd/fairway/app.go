package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kimhsiao/fairway/internal/config"
	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/export"
	exportsched "github.com/kimhsiao/fairway/internal/export/scheduler"
	"github.com/kimhsiao/fairway/internal/ingest"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/services"
	syncpkg "github.com/kimhsiao/fairway/internal/sync"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
	"github.com/kimhsiao/fairway/internal/sync/queue"
	"github.com/kimhsiao/fairway/internal/sync/remote"
	"github.com/kimhsiao/fairway/internal/sync/scheduler"
)

// App holds the wired components for one process.
type App struct {
	Config   *config.Config
	Store    *db.Store
	Queue    *queue.Queue
	Resolver *conflict.Resolver
	Remote   remote.Endpoint
	Engine   *syncpkg.SyncEngine
	Data     *services.DataService
	Export   *export.ExportService
	Sync     *scheduler.Scheduler
	Backups  *exportsched.Scheduler
	Inbox    *ingest.Inbox // nil unless ingest.enabled
	Registry *prometheus.Registry
}

// NewApp opens the store and wires every component from cfg. Nothing is
// started; serve starts the background loops.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	policy, err := cfg.SyncPolicy()
	if err != nil {
		return nil, err
	}

	store, err := db.OpenDefault(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	endpoint, err := remote.New(ctx, cfg.Remote)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create %s remote: %w", cfg.Remote.Driver, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	q := queue.New(store, queue.WithRetryPolicy(cfg.RetryPolicy()))
	resolver := conflict.NewResolver(store, q, nil)
	engine := syncpkg.NewSyncEngine(store, q, resolver, endpoint,
		syncpkg.WithPolicy(policy),
		syncpkg.WithPullConcurrency(cfg.Sync.PullConcurrency),
		syncpkg.WithOnline(cfg.Sync.StartOnline),
		syncpkg.WithMetrics(syncpkg.NewMetrics(reg)),
	)
	data := services.NewDataService(store, engine, resolver, nil)
	exports := export.NewExportService(store, nil)

	app := &App{
		Config:   cfg,
		Store:    store,
		Queue:    q,
		Resolver: resolver,
		Remote:   endpoint,
		Engine:   engine,
		Data:     data,
		Export:   exports,
		Registry: reg,
		Sync: scheduler.NewScheduler(engine, q, &scheduler.SchedulerConfig{
			SyncInterval:      cfg.Sync.Interval,
			RetentionInterval: cfg.Sync.RetentionInterval,
			Retention:         cfg.RetentionPolicy(),
		}),
		Backups: exportsched.NewScheduler(exports, &exportsched.SchedulerConfig{
			Interval:       exportsched.ExportInterval(cfg.Backup.Interval),
			RetentionCount: cfg.Backup.Retention,
			ExportDir:      cfg.ResolvePath(cfg.Backup.Dir),
			Compress:       cfg.Backup.Compress,
		}),
	}

	if cfg.Ingest.Enabled {
		inbox, err := ingest.NewInbox(cfg.ResolvePath(cfg.Ingest.Dir), data)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Inbox = inbox
	}

	logging.Debug("Application wired", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"remote":   string(cfg.Remote.Driver),
		"online":   cfg.Sync.StartOnline,
		"ingest":   cfg.Ingest.Enabled,
	})
	return app, nil
}

// Close stops background work and releases the store and remote.
func (a *App) Close() error {
	if a.Inbox != nil {
		if err := a.Inbox.Stop(); err != nil {
			logging.Warn("Failed to stop capture inbox", map[string]interface{}{"error": err.Error()})
		}
	}
	a.Backups.Stop()
	a.Sync.Stop()
	a.Engine.Wait()

	if closer, ok := a.Remote.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logging.Warn("Failed to close remote", map[string]interface{}{"error": err.Error()})
		}
	}
	return a.Store.Close()
}

// setupLogging initializes the global logger from cfg. The returned closer
// is non-nil when logging to a rotating file.
func setupLogging(cfg *config.Config, verbose bool) (io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = logging.LevelDebug
	}

	if cfg.Log.File == "" {
		logging.Init(os.Stderr, level)
		return nil, nil
	}

	w := logging.NewRotatingWriter(logging.RotationConfig{
		Path:       cfg.ResolvePath(cfg.Log.File),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	logging.Init(w, level)
	return w, nil
}
