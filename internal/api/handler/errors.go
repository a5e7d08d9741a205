package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
	"github.com/kiranshivaraju/errwatch/internal/grouping"
	"github.com/kiranshivaraju/errwatch/internal/ingest"
	"github.com/kiranshivaraju/errwatch/internal/report"
	"github.com/kiranshivaraju/errwatch/internal/store"
)

const maxBodyBytes = 1 << 20

// writeError maps service errors to the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		response.Error(w, http.StatusBadRequest, response.CodeMalformedEvent, ve.Error(),
			map[string]string{"field": ve.Field, "reason": ve.Reason})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, grouping.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, response.CodeInvalidTransition, err.Error(), nil)
	case errors.Is(err, grouping.ErrSignatureTaken):
		response.Error(w, http.StatusConflict, response.CodeSignatureTaken, err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, response.CodeDuplicate, "Resource already exists", nil)
	case errors.Is(err, grouping.ErrEmptyNote), errors.Is(err, report.ErrInvalidState):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, store.ErrLockTimeout), errors.Is(err, grouping.ErrMatchRaceConflict):
		w.Header().Set("Retry-After", "1")
		response.Error(w, http.StatusServiceUnavailable, response.CodeBusy, "Try again shortly", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
	}
}

// uuidParam parses a chi URL parameter, writing a 400 on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON decodes a bounded request body, writing a 400 on failure.
// An empty body is accepted when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
	return false
}

func intQuery(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
