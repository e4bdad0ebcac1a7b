package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/baseline-engine/internal/observability"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "development"}, Metrics: observability.NewMetrics()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `baseline_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &Config{},
		Readiness: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"unavailable","dependency":"postgres"}`, rr.Body.String())
}

func TestActorMiddleware(t *testing.T) {
	var seen string
	handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " alice ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, shared.SystemActor, seen)
}
