// Package handlers provides the REST API used by the UI.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrDuplicateKey, errors.ErrSyncInProgress:
		status = http.StatusConflict
	case errors.ErrStoreUnavailable, errors.ErrSyncFailed:
		status = http.StatusServiceUnavailable
	case errors.ErrCorruptedArchive, errors.ErrImportFailed:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
