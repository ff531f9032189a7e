package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/pilemarket/checkout/internal/platform/secrets"

// SecretManagerClient is the subset of the Secret Manager API the fetcher calls.
type SecretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret://name[?version=N&project=P] references against Secret Manager, caching
// values and falling back to a local KEY=VALUE file when the remote is unreachable.
type Fetcher struct {
	client     SecretManagerClient
	ownsClient bool
	projectID  string
	fallback   string
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string

	fallbackOnce sync.Once
	fallbackVals map[string]string

	latency metric.Float64Histogram
}

// Option customises NewFetcher.
type Option func(*Fetcher)

// WithClient injects a Secret Manager client; the fetcher will not close it.
func WithClient(client SecretManagerClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithProject sets the project used when a reference omits ?project=.
func WithProject(projectID string) Option {
	return func(f *Fetcher) { f.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile points at a local secrets file used when Secret Manager is unavailable.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallback = strings.TrimSpace(path) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher builds a Fetcher. Without an injected client it dials Secret Manager with clientOpts;
// a dial failure leaves the fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, clientOpts []option.ClientOption, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		fallback: ".secrets.local",
		logger:   zap.NewNop(),
		cache:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	latency, err := otel.GetMeterProvider().Meter(meterName).Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	f.latency = latency

	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close closes the Secret Manager client if the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve returns the secret value for ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.name + "#" + parsed.version

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.record(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.projectID
	}
	if f.client != nil && project != "" {
		value, err := f.fetchRemote(ctx, project, parsed)
		switch {
		case err == nil:
			f.store(key, value)
			f.record(ctx, start, "remote")
			return value, nil
		case !fallbackEligible(err):
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secret manager fetch failed; trying fallback", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok = f.lookupFallback(parsed.name)
	if !ok {
		f.record(ctx, start, "error")
		return "", fmt.Errorf("secrets: %s not found in fallback", parsed.name)
	}
	f.store(key, value)
	f.record(ctx, start, "fallback")
	return value, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

// lookupFallback reads lines of "secret://name=value" or "name=value".
func (f *Fetcher) lookupFallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals = map[string]string{}
		if f.fallback == "" {
			return
		}
		file, err := os.Open(f.fallback)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets fallback unreadable", zap.String("path", f.fallback), zap.Error(err))
			}
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(k)
			if parsed, err := parseReference(k); err == nil {
				k = parsed.name
			}
			f.fallbackVals[k] = strings.TrimSpace(v)
		}
	})
	value, ok := f.fallbackVals[name]
	return value, ok
}

type reference struct {
	name    string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		name:    name,
		version: version,
		project: strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
