package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manumohan/farm-automation/internal/liveness"
	"github.com/manumohan/farm-automation/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLivenessTestRouter(t *testing.T) *Router {
	t.Helper()
	store := liveness.NewStore(liveness.Options{}, zap.NewNop())
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Update(context.Background(), "dev-1", "farm-1", models.DeviceStatusOnline, seen))

	router := NewRouter(zap.NewNop())
	router.RegisterLivenessRoutes(NewLivenessHandler(store, zap.NewNop()))
	router.RegisterOpsRoutes(promhttp.Handler())
	return router
}

func TestLivenessHandler_Get(t *testing.T) {
	rec, out := doRequest(t, newLivenessTestRouter(t), http.MethodGet, "/api/v1/devices/dev-1/liveness", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	result := out["result"].(map[string]any)
	assert.Equal(t, "dev-1", result["device_id"])
	assert.Equal(t, "online", result["status"])
	assert.Equal(t, "2025-01-01T00:00:00Z", result["last_seen"])
}

func TestLivenessHandler_UnknownDevice(t *testing.T) {
	rec, out := doRequest(t, newLivenessTestRouter(t), http.MethodGet, "/api/v1/devices/nope/liveness", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(ResultError), out["code"])
}

func TestLivenessHandler_List(t *testing.T) {
	rec, out := doRequest(t, newLivenessTestRouter(t), http.MethodGet, "/api/v1/devices/liveness", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["result"].([]any), 1)
}

func TestOpsRoutes(t *testing.T) {
	router := newLivenessTestRouter(t)

	rec, _ := doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	router.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "go_goroutines")
}

func TestOpsRoutes_HealthCheckFailure(t *testing.T) {
	connected := false
	router := NewRouter(zap.NewNop())
	router.RegisterOpsRoutes(promhttp.Handler(), func() error {
		if !connected {
			return errors.New("mqtt broker not connected")
		}
		return nil
	})

	rec, out := doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "mqtt broker not connected", out["message"])

	connected = true
	rec, _ = doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
