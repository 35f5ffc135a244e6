package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/export"
	"github.com/kimhsiao/fairway/internal/export/scheduler"
	"github.com/kimhsiao/fairway/internal/logging"
)

// maxArchiveBytes bounds uploaded archives.
const maxArchiveBytes = 512 << 20

// ExportHandler handles archive download, restore and backups.
type ExportHandler struct {
	export  export.ExportServiceInterface
	backups *scheduler.Scheduler
}

// NewExportHandler creates a new ExportHandler.
func NewExportHandler(svc export.ExportServiceInterface, backups *scheduler.Scheduler) *ExportHandler {
	return &ExportHandler{export: svc, backups: backups}
}

// Export handles GET /api/export
// Query: compress=true, collection=<name> (repeatable). The archive is
// built before the first byte is sent so failures still get a status code.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := export.ExportOptions{Collections: query["collection"]}
	if v := query.Get("compress"); v != "" {
		compress, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errors.Wrap(errors.ErrInvalid, "compress", err))
			return
		}
		opts.Compress = compress
	}

	var buf bytes.Buffer
	result, err := h.export.Export(r.Context(), &buf, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	name := "fairway_" + result.Manifest.ExportedAt.UTC().Format("20060102_150405") + ".tar"
	contentType := "application/x-tar"
	if opts.Compress {
		name += ".gz"
		contentType = "application/gzip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Fairway-Checksum", result.Manifest.Checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logging.Warn("Archive download interrupted", map[string]interface{}{"error": err.Error()})
	}
}

// Import handles POST /api/import
// The body is the archive. Query: clear=true empties archived collections
// first.
func (h *ExportHandler) Import(w http.ResponseWriter, r *http.Request) {
	var opts export.ImportOptions
	if v := r.URL.Query().Get("clear"); v != "" {
		clear, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errors.Wrap(errors.ErrInvalid, "clear", err))
			return
		}
		opts.Clear = clear
	}

	result, err := h.export.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxArchiveBytes), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListBackups handles GET /api/backups
func (h *ExportHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	archives, err := scheduler.ListArchives(h.backups.GetConfig().ExportDir)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInternal, "list backups", err))
		return
	}
	if archives == nil {
		archives = []*scheduler.ArchiveInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": archives,
		"total":   len(archives),
	})
}

// CreateBackup handles POST /api/backups
func (h *ExportHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	result, err := h.backups.RunNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
