package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	actorKey  contextKey = "actor"
	clientKey contextKey = "client"
)

// DefaultActor is recorded when a request does not name its actor.
const DefaultActor = "system"

const (
	actorHeader   = "X-Actor"
	appNameHeader = "X-App-Name"
)

func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the collaborator acting on this request.
func GetActor(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return DefaultActor
}

func setClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func getClient(r *http.Request) (string, bool) {
	client, ok := r.Context().Value(clientKey).(string)
	return client, ok
}

// Identify records the actor from X-Actor and the rate-limit client from
// X-App-Name, falling back to the remote host.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
			ctx = SetActor(ctx, actor)
		}
		ctx = setClient(ctx, clientIdentity(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIdentity(r *http.Request) string {
	if app := strings.TrimSpace(r.Header.Get(appNameHeader)); app != "" {
		return app
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
