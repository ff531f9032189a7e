package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/pilemarket/checkout/internal/domain"
	"github.com/pilemarket/checkout/internal/platform/httpx"
	"github.com/pilemarket/checkout/internal/repositories"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	readiness repositories.HealthRepository
	build     BuildInfo
	clock     func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers builds health handlers. Without a readiness repository /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// WithHealthBuildInfo sets the version metadata reported by both probes.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthReadiness sets the dependency probe collector used by /readyz.
func WithHealthReadiness(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) { h.readiness = repo }
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readinessResponse struct {
	healthResponse
	Checks  map[string]readinessCheck `json:"checks"`
	Details []string                  `json:"details,omitempty"`
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.base(domain.HealthStatusOK))
}

// Readyz runs the dependency probes and answers 503 unless every probe passed.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.readiness == nil {
		httpx.WriteJSON(w, http.StatusOK, readinessResponse{
			healthResponse: h.base(domain.HealthStatusOK),
			Checks:         map[string]readinessCheck{},
		})
		return
	}

	report, err := h.readiness.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("readiness_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}

	resp := readinessResponse{
		healthResponse: h.base(report.Status),
		Checks:         make(map[string]readinessCheck, len(report.Checks)),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		out := readinessCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			out.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339Nano)
		}
		resp.Checks[name] = out
		if check.Status != domain.HealthStatusOK {
			reason := check.Error
			if reason == "" {
				reason = check.Detail
			}
			resp.Details = append(resp.Details, fmt.Sprintf("%s: %s", name, reason))
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}

func (h *HealthHandlers) base(status string) healthResponse {
	now := h.clock()
	return healthResponse{
		Status:      status,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}
