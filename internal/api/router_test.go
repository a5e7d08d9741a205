package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/errwatch/internal/api"
	mw "github.com/kiranshivaraju/errwatch/internal/api/middleware"
	"github.com/kiranshivaraju/errwatch/internal/cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub cache ---

type stubCache struct {
	count int64
}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *stubCache) Ping(_ context.Context) error                                      { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return c.count, nil
}

// --- router tests ---

func newTestRouter(c cache.Cache) http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(c, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		MetricsHandler: promhttp.Handler(),
	})
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router := newTestRouter(&stubCache{count: 1})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(&stubCache{count: 1})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_UnwiredEndpoints_NotImplemented(t *testing.T) {
	router := newTestRouter(&stubCache{count: 1})

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/events"},
		{"GET", "/api/v1/groups"},
		{"GET", "/api/v1/groups/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"},
		{"POST", "/api/v1/groups/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa/resolve"},
		{"POST", "/api/v1/groups/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa/events/bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb/resolve"},
		{"POST", "/api/v1/watchers"},
		{"GET", "/api/v1/stats"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNotImplemented, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "NOT_IMPLEMENTED", errObj["code"])
		})
	}
}

func TestRouter_RateLimitedOutsideHealth(t *testing.T) {
	router := newTestRouter(&stubCache{count: 61})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/groups", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&stubCache{count: 1})

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

var _ cache.Cache = (*stubCache)(nil)
