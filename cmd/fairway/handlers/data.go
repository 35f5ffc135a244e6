package handlers

import (
	"net/http"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/services"
)

// DataHandler exposes collection CRUD over the data service.
type DataHandler struct {
	svc *services.DataService
}

// NewDataHandler creates a new DataHandler.
func NewDataHandler(svc *services.DataService) *DataHandler {
	return &DataHandler{svc: svc}
}

// List handles GET /api/collections/{collection}
// With ?index=<name>&value=<v> it filters on a registered index.
func (h *DataHandler) List(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	query := r.URL.Query()

	var (
		entities []models.Entity
		err      error
	)
	if index := query.Get("index"); index != "" {
		entities, err = h.svc.ListByIndex(r.Context(), collection, index, query.Get("value"))
	} else {
		entities, err = h.svc.List(r.Context(), collection)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": entities,
		"total": len(entities),
	})
}

// Get handles GET /api/collections/{collection}/{id}
func (h *DataHandler) Get(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")
	e, err := h.svc.Get(r.Context(), collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		writeError(w, errors.Newf(errors.ErrNotFound, "%s/%s not found", collection, id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Create handles POST /api/collections/{collection}
// The entity must not exist yet; a missing id is generated.
func (h *DataHandler) Create(w http.ResponseWriter, r *http.Request) {
	var e models.Entity
	if err := decodeBody(w, r, &e); err != nil {
		writeError(w, err)
		return
	}
	saved, err := h.svc.Add(r.Context(), r.PathValue("collection"), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// Put handles PUT /api/collections/{collection}/{id}
func (h *DataHandler) Put(w http.ResponseWriter, r *http.Request) {
	var e models.Entity
	if err := decodeBody(w, r, &e); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if bodyID := e.ID(); bodyID != "" && bodyID != id {
		writeError(w, errors.Newf(errors.ErrInvalid, "body id %q does not match path id %q", bodyID, id))
		return
	}
	if e == nil {
		e = models.Entity{}
	}
	e[models.FieldID] = id

	saved, err := h.svc.Save(r.Context(), r.PathValue("collection"), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Delete handles DELETE /api/collections/{collection}/{id}
func (h *DataHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("collection"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
