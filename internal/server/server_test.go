package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/cli"
	"github.com/devrev/streakd/internal/config"
	"github.com/devrev/streakd/internal/handler"
	"github.com/devrev/streakd/internal/health"
	"github.com/devrev/streakd/internal/middleware"
	"github.com/devrev/streakd/internal/server"
)

func newTestApp(t *testing.T) *cli.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()

	app, err := cli.NewApp(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func newTestServer(t *testing.T, app *cli.App) (*server.Server, *health.HealthChecker) {
	t.Helper()
	logger := zap.NewNop()
	hc := health.NewHealthChecker(&health.HealthCheckConfig{DataDir: app.Config.Storage.DataDir}, logger)
	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(&handler.Config{}, app.Engine, app.Store, app.Flows, app.Scheduler, errorHandler, logger)
	return server.NewServer(app.Config, handlers, errorHandler, hc, app.Metrics, logger), hc
}

func TestServer_Routes(t *testing.T) {
	app := newTestApp(t)
	srv, _ := newTestServer(t, app)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		// unmatched requests skip the router middleware
		matched bool
	}{
		{"liveness", http.MethodGet, "/health/live", http.StatusOK, true},
		{"readiness", http.MethodGet, "/health/ready", http.StatusOK, true},
		{"init guild", http.MethodPost, "/v1/guilds/1234", http.StatusCreated, true},
		{"unknown guild", http.MethodGet, "/v1/guilds/9999/config", http.StatusNotFound, true},
		{"unknown endpoint", http.MethodGet, "/v2/anything", http.StatusNotFound, false},
		{"wrong method", http.MethodPut, "/v1/guilds/1234/config", http.StatusMethodNotAllowed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.matched {
				assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
			}
		})
	}
}

func TestServer_ErrorBodyCarriesRequestID(t *testing.T) {
	app := newTestApp(t)
	srv, _ := newTestServer(t, app)

	req := httptest.NewRequest(http.MethodGet, "/v1/guilds/9999/users/1", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var body handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, handler.ErrorCodeGuildNotFound, body.ErrorCode)
	assert.Equal(t, "req-42", body.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
}

func TestServer_NotReadyDuringShutdown(t *testing.T) {
	app := newTestApp(t)
	srv, hc := newTestServer(t, app)
	hc.SetReadiness(false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RateLimited(t *testing.T) {
	app := newTestApp(t)
	app.Config.RateLimiter.Enabled = true
	app.Config.RateLimiter.RequestsPerSecond = 1
	app.Config.RateLimiter.BurstSize = 1
	srv, _ := newTestServer(t, app)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}

func TestMetricsServer_Endpoints(t *testing.T) {
	app := newTestApp(t)
	hc := health.NewHealthChecker(&health.HealthCheckConfig{DataDir: app.Config.Storage.DataDir}, zap.NewNop())
	ms := server.NewMetricsServer(&server.MetricsServerConfig{
		Port:         0,
		MaxDiskUsage: 1,
		Disk:         app.Disk,
		Health:       hc,
		Guilds:       app.Store,
	}, app.Metrics, zap.NewNop())

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ready"`))

	hc.SetReadiness(false)
	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "health_checks_failing")

	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
