package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/fairway/internal/export"
	exportsched "github.com/kimhsiao/fairway/internal/export/scheduler"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/services"
	"github.com/kimhsiao/fairway/internal/sync/queue"
	"github.com/kimhsiao/fairway/internal/sync/scheduler"
)

// Deps are the components the API is served from.
type Deps struct {
	Data     *services.DataService
	Queue    *queue.Queue
	Sync     *scheduler.Scheduler
	Export   export.ExportServiceInterface
	Backups  *exportsched.Scheduler
	Hub      *WSHub
	Gatherer prometheus.Gatherer // nil disables /metrics
	Version  string
}

// NewRouter registers every route on a new ServeMux.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": d.Version,
		})
	})

	data := NewDataHandler(d.Data)
	mux.HandleFunc("GET /api/collections/{collection}", data.List)
	mux.HandleFunc("POST /api/collections/{collection}", data.Create)
	mux.HandleFunc("GET /api/collections/{collection}/{id}", data.Get)
	mux.HandleFunc("PUT /api/collections/{collection}/{id}", data.Put)
	mux.HandleFunc("DELETE /api/collections/{collection}/{id}", data.Delete)

	conflicts := NewConflictHandler(d.Data)
	mux.HandleFunc("GET /api/conflicts", conflicts.List)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", conflicts.Resolve)

	syncHandler := NewSyncHandler(d.Sync, d.Queue)
	mux.HandleFunc("GET /api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /api/sync", syncHandler.SyncNow)
	mux.HandleFunc("PUT /api/sync/online", syncHandler.SetOnline)
	mux.HandleFunc("GET /api/queue/stats", syncHandler.QueueStats)

	if d.Export != nil {
		exports := NewExportHandler(d.Export, d.Backups)
		mux.HandleFunc("GET /api/export", exports.Export)
		mux.HandleFunc("POST /api/import", exports.Import)
		if d.Backups != nil {
			mux.HandleFunc("GET /api/backups", exports.ListBackups)
			mux.HandleFunc("POST /api/backups", exports.CreateBackup)
		}
	}

	if d.Hub != nil {
		mux.HandleFunc("GET /ws", HandleWebSocket(d.Hub))
	}
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return withRequestLog(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker for /ws.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
