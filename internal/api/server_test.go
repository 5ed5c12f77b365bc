package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payroll-batch-processor/internal/availability"
	"payroll-batch-processor/internal/gateway"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/stats"
	"payroll-batch-processor/internal/store"
)

type denyTenant string

func (d denyTenant) Allow(_ context.Context, tenant string) bool { return tenant != string(d) }

func newTestServer(t *testing.T, limiter Limiter, checks ...HealthCheck) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	v := 50000.0
	mem.AddEmployee("acme", "a", "EMP-A", &v, true)
	mem.AddEmployee("acme", "d", "EMP-D", nil, true)

	reg, err := registry.New(100)
	require.NoError(t, err)
	ctrl := availability.New(nil)
	gw := gateway.New(nil, ctrl, reg, payroll.NewWorker(mem, mem, mem))
	reporter := stats.NewReporter(ctrl, nil, reg, 0, nil)
	return New(gw, reporter, limiter, nil, checks...).Router()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestSubmitAndPollSyncRun(t *testing.T) {
	h := newTestServer(t, nil)

	rw := do(h, http.MethodPost, "/payroll/runs", `{"tenant_id":"acme","month":"March","year":2026}`)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	var res gateway.SubmitResult
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &res))
	assert.Equal(t, models.ModeSync, res.Mode)
	require.NotNil(t, res.Result)
	assert.Equal(t, 1, res.Result.Processed)
	require.Len(t, res.Result.ErrorList, 1)
	assert.True(t, strings.HasPrefix(res.Result.ErrorList[0], "EMP-D: "))

	rw = do(h, http.MethodGet, "/payroll/jobs/"+res.JobID, "")
	require.Equal(t, http.StatusOK, rw.Code)
	var rec models.JobStatusRecord
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, *res.Result, *rec.Result)
}

func TestSubmitInvalidRequest(t *testing.T) {
	h := newTestServer(t, nil)

	rw := do(h, http.MethodPost, "/payroll/runs", `{"month":"March","year":2026}`)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Contains(t, rw.Body.String(), "tenant_id is required")

	rw = do(h, http.MethodPost, "/payroll/runs", `not json`)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	h := newTestServer(t, denyTenant("acme"))
	rw := do(h, http.MethodPost, "/payroll/runs", `{"tenant_id":"acme","month":"March","year":2026}`)
	assert.Equal(t, http.StatusTooManyRequests, rw.Code)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	h := newTestServer(t, nil)
	rw := do(h, http.MethodGet, "/payroll/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Contains(t, rw.Body.String(), `"status":"not_found"`)
}

func TestQueueStatsWhileBrokerDown(t *testing.T) {
	h := newTestServer(t, nil)
	rw := do(h, http.MethodGet, "/payroll/queue/stats", "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.JSONEq(t, `{"available":false,"mode":"synchronous"}`, rw.Body.String())
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, nil)
	rw := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rw.Body.String())
}

func TestHealthzReportsDependencyChecks(t *testing.T) {
	ok := HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	h := newTestServer(t, nil, ok)
	rw := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok"}}`, rw.Body.String())

	down := HealthCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("dial tcp: connection refused") }}
	h = newTestServer(t, nil, down)
	rw = do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.JSONEq(t, `{"status":"unavailable","checks":{"postgres":"dial tcp: connection refused"}}`, rw.Body.String())
}
