package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-worker/internal/breaker"
	"crypto-stats-worker/internal/ingest"
	"crypto-stats-worker/internal/scheduler"
)

type staticStatus struct {
	status scheduler.Status
}

func (s staticStatus) Status() scheduler.Status { return s.status }

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthReflectsSchedulerState(t *testing.T) {
	running := New(":0", "statsworker", staticStatus{scheduler.Status{Running: true, Circuit: breaker.Snapshot{State: breaker.HalfOpen}}}, nil, zerolog.Nop())
	rec := serve(t, running, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "HALF_OPEN", body.Circuit)

	stopped := New(":0", "statsworker", staticStatus{}, nil, zerolog.Nop())
	rec = serve(t, stopped, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusIncludesHistory(t *testing.T) {
	last := ingest.RunOutcome{RunID: "r2", Succeeded: []string{"bitcoin"}, Failed: map[string]ingest.Failure{
		"ethereum": {Reason: ingest.ReasonFetchFailed, Attempts: 3},
	}}
	st := scheduler.Status{
		Running: true,
		LastRun: &last,
		History: []ingest.RunOutcome{{RunID: "r1"}, last},
	}
	srv := New(":0", "statsworker", staticStatus{st}, nil, zerolog.Nop())

	rec := serve(t, srv, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scheduler struct {
			Running bool `json:"running"`
			LastRun struct {
				RunID        string                    `json:"runId"`
				FailedAssets map[string]ingest.Failure `json:"failedAssets"`
			} `json:"lastRun"`
			History []json.RawMessage `json:"history"`
			Circuit struct {
				State string `json:"state"`
			} `json:"circuit"`
		} `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Scheduler.Running)
	assert.Equal(t, "r2", body.Scheduler.LastRun.RunID)
	assert.Equal(t, ingest.ReasonFetchFailed, body.Scheduler.LastRun.FailedAssets["ethereum"].Reason)
	assert.Len(t, body.Scheduler.History, 2)
	assert.Equal(t, "CLOSED", body.Scheduler.Circuit.State)
}

func TestMetricsRouteOptional(t *testing.T) {
	srv := New(":0", "statsworker", staticStatus{}, nil, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, serve(t, srv, "/metrics").Code)

	withMetrics := New(":0", "statsworker", staticStatus{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), zerolog.Nop())
	assert.Equal(t, http.StatusTeapot, serve(t, withMetrics, "/metrics").Code)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthReportsFailingCheck(t *testing.T) {
	var dbErr error
	srv := New(":0", "statsworker", staticStatus{scheduler.Status{Running: true}}, nil, zerolog.Nop())
	srv.AddCheck("database", pingerFunc(func(ctx context.Context) error { return dbErr }))

	rec := serve(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Checks["database"])

	dbErr = errors.New("connection refused")
	rec = serve(t, srv, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = HealthResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["database"])
}
