package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/pilemarket/checkout/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyProbe checks one downstream dependency during readiness.
type DependencyProbe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ReadinessOption customises the probe-backed health repository.
type ReadinessOption func(*readinessRepository)

// WithProbeTimeout overrides the timeout for probes that omit one.
func WithProbeTimeout(timeout time.Duration) ReadinessOption {
	return func(r *readinessRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithProbeClock injects a clock for tests.
func WithProbeClock(clock func() time.Time) ReadinessOption {
	return func(r *readinessRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

type readinessRepository struct {
	probes  []DependencyProbe
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*readinessRepository)(nil)

// NewReadinessRepository validates the probe set and returns a HealthRepository running them in parallel.
func NewReadinessRepository(probes []DependencyProbe, opts ...ReadinessOption) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("readiness: at least one probe is required")
	}
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" {
			return nil, errors.New("readiness: probe missing name")
		}
		if probe.Check == nil {
			return nil, fmt.Errorf("readiness: probe %s missing check function", probe.Name)
		}
	}
	r := &readinessRepository{
		probes:  append([]DependencyProbe(nil), probes...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *readinessRepository) Collect(ctx context.Context) (domain.ReadinessReport, error) {
	if ctx == nil {
		return domain.ReadinessReport{}, errors.New("readiness: context is required")
	}

	results := make(map[string]domain.DependencyHealth, len(r.probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range r.probes {
		wg.Add(1)
		go func(probe DependencyProbe) {
			defer wg.Done()
			health := r.run(ctx, probe)
			mu.Lock()
			results[probe.Name] = health
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}

	return domain.ReadinessReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *readinessRepository) run(ctx context.Context, probe DependencyProbe) domain.DependencyHealth {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := probe.Check(probeCtx)
	end := r.now()
	health := domain.DependencyHealth{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		health.Status = domain.HealthStatusError
		health.Detail = "timeout"
		health.Error = err.Error()
	case errors.Is(err, context.Canceled):
		health.Status = domain.HealthStatusError
		health.Detail = "cancelled"
		health.Error = err.Error()
	default:
		health.Status = domain.HealthStatusDegraded
		health.Detail = err.Error()
		health.Error = err.Error()
	}
	return health
}
