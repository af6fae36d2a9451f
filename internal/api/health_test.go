package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/api"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthLiveAlwaysOK(t *testing.T) {
	srv := &api.Server{}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthReadyNoDependencies(t *testing.T) {
	srv := &api.Server{}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body api.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	srv := &api.Server{
		DBHealth: healthFunc(func(context.Context) error { return nil }),
		S3Health: healthFunc(func(context.Context) error { return errors.New("bucket missing") }),
	}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body api.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"].Status)
	assert.Equal(t, "error", body.Checks["archive"].Status)
	assert.Contains(t, body.Checks["archive"].Error, "bucket missing")
}

func TestMetricsExposesGauges(t *testing.T) {
	srv := &api.Server{Pool: staticPool{workers: 12, depth: 3}}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loond_goroutines")
	assert.Contains(t, rec.Body.String(), "loond_workers 12")
	assert.Contains(t, rec.Body.String(), "loond_queue_depth 3")
}
