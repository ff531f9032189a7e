package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/pilemarket/checkout/internal/domain"
	"github.com/pilemarket/checkout/internal/repositories"
)

type stubReadiness struct {
	report domain.ReadinessReport
	err    error
}

func (s *stubReadiness) Collect(context.Context) (domain.ReadinessReport, error) {
	return s.report, s.err
}

var _ repositories.HealthRepository = (*stubReadiness)(nil)

func TestHealthz(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.2.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(90 * time.Second) }),
	)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, domain.HealthStatusOK, body.Status)
	assert.Equal(t, "1.2.0", body.Version)
	assert.Equal(t, "abc123", body.CommitSHA)
	assert.Equal(t, "1m30s", body.Uptime)
}

func TestReadyzSuccess(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthReadiness(&stubReadiness{report: domain.ReadinessReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.DependencyHealth{
				"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: now},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, domain.HealthStatusOK, body.Status)
	assert.Empty(t, body.Details)
	assert.Equal(t, int64(12), body.Checks["firestore"].LatencyMS)
}

func TestReadyzFailure(t *testing.T) {
	handlers := NewHealthHandlers(WithHealthReadiness(&stubReadiness{report: domain.ReadinessReport{
		Status: domain.HealthStatusDegraded,
		Checks: map[string]domain.DependencyHealth{
			"pricing_oracle": {Status: domain.HealthStatusDegraded, Error: "status 503"},
			"firestore":      {Status: domain.HealthStatusOK},
		},
	}}))

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, domain.HealthStatusDegraded, body.Status)
	assert.Equal(t, []string{"pricing_oracle: status 503"}, body.Details)
}

func TestRouterFallbacks(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
