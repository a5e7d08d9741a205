package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
)

// Recovery turns a handler panic into a 500 error envelope. The log line
// carries the actor and client set by Identify, so Identify must run first.
// http.ErrAbortHandler is re-raised for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			client, _ := getClient(r)
			slog.Error("handler panic",
				"panic", rec,
				"actor", GetActor(r),
				"client", client,
				"method", r.Method,
				"route", routePattern(r),
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				response.CodeInternal, "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern prefers the matched chi pattern so group IDs stay out of logs.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
