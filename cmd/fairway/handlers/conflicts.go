package handlers

import (
	"net/http"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/services"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
)

// ConflictHandler lists and resolves outstanding conflict records.
type ConflictHandler struct {
	svc *services.DataService
}

// NewConflictHandler creates a new ConflictHandler.
func NewConflictHandler(svc *services.DataService) *ConflictHandler {
	return &ConflictHandler{svc: svc}
}

// List handles GET /api/conflicts[?collection=<name>]
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.PendingConflicts(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": records,
		"total":     len(records),
	})
}

// Resolve handles POST /api/conflicts/{id}/resolve
// Body: {"strategy": "use_local|use_remote|merge|manual", "rules": {...}, "fallback": "latest"}
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var res conflict.Resolution
	if err := decodeBody(w, r, &res); err != nil {
		writeError(w, err)
		return
	}
	if _, err := conflict.ParseStrategy(string(res.Strategy)); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.ResolveConflict(r.Context(), r.PathValue("id"), res)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"strategy": result.Strategy,
		"entity":   result.Entity,
		"queued":   result.Queued != nil,
	}
	if result.Record != nil {
		response["record"] = result.Record
	}
	writeJSON(w, http.StatusOK, response)
}
