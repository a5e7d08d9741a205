package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
	"github.com/kiranshivaraju/errwatch/internal/ingest"
)

// Ingester defines the interface the ingestion handler depends on.
type Ingester interface {
	Ingest(ctx context.Context, p ingest.Payload) (*ingest.Result, error)
}

type ingestResponse struct {
	ID       uuid.UUID   `json:"id"`
	GroupIDs []uuid.UUID `json:"group_ids"`
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/events.
func NewIngestHandler(svc Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p ingest.Payload
		if !decodeJSON(w, r, &p, false) {
			return
		}

		res, err := svc.Ingest(r.Context(), p)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ids := make([]uuid.UUID, 0, len(res.Groups))
		for _, g := range res.Groups {
			ids = append(ids, g.ID)
		}
		response.Created(w, ingestResponse{ID: res.Event.ID, GroupIDs: ids})
	}
}
