package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// WatcherStore defines the persistence the watcher handlers depend on.
type WatcherStore interface {
	CreateWatcher(ctx context.Context, watcher *models.Watcher) error
	AddGroupWatcher(ctx context.Context, groupID, watcherID uuid.UUID) error
}

// NewCreateWatcherHandler returns an http.HandlerFunc for POST /api/v1/watchers.
// Global watchers receive alerts for every group.
func NewCreateWatcherHandler(s WatcherStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string `json:"name"`
			Email  string `json:"email"`
			Global bool   `json:"global"`
		}
		if !decodeJSON(w, r, &req, false) {
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if email == "" || !strings.Contains(email, "@") {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "email must be a valid address", nil)
			return
		}

		watcher := &models.Watcher{
			ID:        uuid.New(),
			Name:      strings.TrimSpace(req.Name),
			Email:     email,
			Global:    req.Global,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateWatcher(r.Context(), watcher); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, watcher)
	}
}

// NewWatchGroupHandler returns an http.HandlerFunc for POST /api/v1/groups/{groupID}/watchers.
func NewWatchGroupHandler(s WatcherStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		var req struct {
			WatcherID string `json:"watcher_id"`
		}
		if !decodeJSON(w, r, &req, false) {
			return
		}
		watcherID, err := uuid.Parse(req.WatcherID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "watcher_id must be a valid UUID", nil)
			return
		}
		if err := s.AddGroupWatcher(r.Context(), groupID, watcherID); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]uuid.UUID{"group_id": groupID, "watcher_id": watcherID})
	}
}
