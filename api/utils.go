package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError logs the full error and returns a JSON error body to the client.
func writeError(w http.ResponseWriter, status int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err, "status_code", status)
		} else {
			logger.Errorw(message, "status_code", status)
		}
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps common storage and domain errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, message string, err error, logger *zap.SugaredLogger) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err, logger)
	case errors.Is(err, storage.ErrDuplicateExecution):
		writeError(w, http.StatusConflict, message, err, logger)
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, message, err, logger)
	case errors.Is(err, core.ErrAlertTerminal):
		writeError(w, http.StatusConflict, message, err, logger)
	default:
		writeError(w, http.StatusInternalServerError, message, err, logger)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
