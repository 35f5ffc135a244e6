package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/sync/queue"
	"github.com/kimhsiao/fairway/internal/sync/scheduler"
)

// SyncHandler exposes sync status, manual passes and connectivity.
type SyncHandler struct {
	scheduler *scheduler.Scheduler
	queue     *queue.Queue
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(s *scheduler.Scheduler, q *queue.Queue) *SyncHandler {
	return &SyncHandler{scheduler: s, queue: q}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SyncNow handles POST /api/sync
// Runs a pass and waits for it. A pass already running answers 409; a pass
// that ran and failed answers 503 with its result attached.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		if result == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  errorBody{Code: string(errors.CodeOf(err)), Message: err.Error()},
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetOnline handles PUT /api/sync/online
// Body: {"online": true}. Going online starts a background pass.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}

	// The pass started by going online must outlive the request.
	h.scheduler.SetOnlineStatus(context.WithoutCancel(r.Context()), *request.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *request.Online})
}

// QueueStats handles GET /api/queue/stats
func (h *SyncHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
