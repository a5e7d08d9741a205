package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/errwatch/internal/api/middleware"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// GroupReader defines the read side the group handlers depend on.
type GroupReader interface {
	ListGroups(ctx context.Context, filter store.GroupFilter) ([]*models.Group, int, error)
	Detail(ctx context.Context, groupID uuid.UUID, filter store.EventFilter) (*models.GroupDetail, error)
	Stats(ctx context.Context, filter store.EventFilter) (*models.Stats, error)
}

// Lifecycle defines the collaborator commands the group handlers depend on.
type Lifecycle interface {
	Activate(ctx context.Context, groupID uuid.UUID, actor string) (*models.Group, error)
	Resolve(ctx context.Context, groupID uuid.UUID, actor string) (*models.Group, error)
	Acknowledge(ctx context.Context, groupID uuid.UUID, actor, note string) (*models.Group, error)
	AddNote(ctx context.Context, groupID uuid.UUID, author, body string) (*models.Note, error)
}

// MembershipResolver removes one event from a group's score.
type MembershipResolver interface {
	ResolveMembership(ctx context.Context, groupID, eventID uuid.UUID) (*models.Group, error)
}

func eventFilter(r *http.Request) store.EventFilter {
	q := r.URL.Query()
	return store.EventFilter{
		AppName:  q.Get("app_name"),
		AppEnv:   q.Get("app_env"),
		Language: q.Get("language"),
	}
}

// NewListGroupsHandler returns an http.HandlerFunc for GET /api/v1/groups.
func NewListGroupsHandler(reader GroupReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, ok := intQuery(r, "page", 1)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "page must be a positive integer", nil)
			return
		}
		limit, ok := intQuery(r, "limit", 20)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a positive integer", nil)
			return
		}
		order := q.Get("order")
		if order != "" && order != "asc" && order != "desc" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "order must be asc or desc", nil)
			return
		}
		if page < 1 {
			page = 1
		}
		if limit < 1 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		ef := eventFilter(r)
		groups, total, err := reader.ListGroups(r.Context(), store.GroupFilter{
			State:     models.GroupState(q.Get("state")),
			AppName:   ef.AppName,
			AppEnv:    ef.AppEnv,
			Language:  ef.Language,
			Ascending: order == "asc",
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if groups == nil {
			groups = []*models.Group{}
		}

		response.Collection(w, groups, response.Page(page, limit, total))
	}
}

// NewGetGroupHandler returns an http.HandlerFunc for GET /api/v1/groups/{groupID}.
func NewGetGroupHandler(reader GroupReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		detail, err := reader.Detail(r.Context(), id, eventFilter(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewActivateHandler returns an http.HandlerFunc for POST /api/v1/groups/{groupID}/activate.
func NewActivateHandler(lc Lifecycle) http.HandlerFunc {
	return transitionHandler(lc.Activate)
}

// NewResolveHandler returns an http.HandlerFunc for POST /api/v1/groups/{groupID}/resolve.
func NewResolveHandler(lc Lifecycle) http.HandlerFunc {
	return transitionHandler(lc.Resolve)
}

func transitionHandler(apply func(ctx context.Context, id uuid.UUID, actor string) (*models.Group, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		g, err := apply(r.Context(), id, mw.GetActor(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewAcknowledgeHandler returns an http.HandlerFunc for
// POST /api/v1/groups/{groupID}/acknowledge. The body is optional.
func NewAcknowledgeHandler(lc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		var req struct {
			Note string `json:"note"`
		}
		if !decodeJSON(w, r, &req, true) {
			return
		}
		g, err := lc.Acknowledge(r.Context(), id, mw.GetActor(r), req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewAddNoteHandler returns an http.HandlerFunc for POST /api/v1/groups/{groupID}/notes.
func NewAddNoteHandler(lc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		var req struct {
			Body string `json:"body"`
		}
		if !decodeJSON(w, r, &req, false) {
			return
		}
		note, err := lc.AddNote(r.Context(), id, mw.GetActor(r), req.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, note)
	}
}

// NewResolveMembershipHandler returns an http.HandlerFunc for
// POST /api/v1/groups/{groupID}/events/{eventID}/resolve.
func NewResolveMembershipHandler(resolver MembershipResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		eventID, ok := uuidParam(w, r, "eventID")
		if !ok {
			return
		}
		g, err := resolver.ResolveMembership(r.Context(), groupID, eventID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
func NewStatsHandler(reader GroupReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := reader.Stats(r.Context(), eventFilter(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}
