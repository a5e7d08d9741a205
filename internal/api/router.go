package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/errwatch/internal/api/middleware"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	IngestHandler     http.HandlerFunc
	ListGroups        http.HandlerFunc
	GetGroup          http.HandlerFunc
	ActivateGroup     http.HandlerFunc
	ResolveGroup      http.HandlerFunc
	AcknowledgeGroup  http.HandlerFunc
	AddNote           http.HandlerFunc
	WatchGroup        http.HandlerFunc
	ResolveMembership http.HandlerFunc
	CreateWatcher     http.HandlerFunc
	Stats             http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Identify)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/events", orNotImplemented(deps.IngestHandler))

		r.Get("/api/v1/groups", orNotImplemented(deps.ListGroups))
		r.Route("/api/v1/groups/{groupID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetGroup))
			r.Post("/activate", orNotImplemented(deps.ActivateGroup))
			r.Post("/resolve", orNotImplemented(deps.ResolveGroup))
			r.Post("/acknowledge", orNotImplemented(deps.AcknowledgeGroup))
			r.Post("/notes", orNotImplemented(deps.AddNote))
			r.Post("/watchers", orNotImplemented(deps.WatchGroup))
			r.Post("/events/{eventID}/resolve", orNotImplemented(deps.ResolveMembership))
		})

		r.Post("/api/v1/watchers", orNotImplemented(deps.CreateWatcher))
		r.Get("/api/v1/stats", orNotImplemented(deps.Stats))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
