package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency misbehaves but checkout can still serve requests.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency checkout relies on is unreachable.
	HealthStatusError = "error"
)

// DependencyHealth is the outcome of a single readiness probe.
type DependencyHealth struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates dependency probes for the readiness endpoint.
type ReadinessReport struct {
	Status      string
	Checks      map[string]DependencyHealth
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
