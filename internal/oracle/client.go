package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 8 * time.Second
	apiKeyHeader   = "X-Api-Key"
	maxErrorBody   = 256
	tracerName     = "github.com/pilemarket/checkout/internal/oracle"
)

// ErrNotConfigured is returned when an oracle endpoint was not configured.
var ErrNotConfigured = errors.New("oracle: endpoint not configured")

// StatusError reports a non-2xx oracle response.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("oracle: %s status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("oracle: %s status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Config configures the oracle client.
type Config struct {
	PricingURL string
	RewardURL  string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the pricing (processOrder) and reward (playTrivia) cloud functions.
type Client struct {
	pricingURL string
	rewardURL  string
	apiKey     string
	http       *http.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewClient validates endpoint URLs. Either endpoint may be empty; calls against it then fail with
// ErrNotConfigured.
func NewClient(cfg Config) (*Client, error) {
	pricingURL, err := normaliseEndpoint(cfg.PricingURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: pricing url: %w", err)
	}
	rewardURL, err := normaliseEndpoint(cfg.RewardURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: reward url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		pricingURL: pricingURL,
		rewardURL:  rewardURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		http:       httpClient,
		tracer:     otel.Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}, nil
}

// PricingConfigured reports whether a pricing endpoint is set.
func (c *Client) PricingConfigured() bool { return c != nil && c.pricingURL != "" }

// RewardConfigured reports whether a reward endpoint is set.
func (c *Client) RewardConfigured() bool { return c != nil && c.rewardURL != "" }

// Ping checks that the pricing endpoint answers. Any status below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	if !c.PricingConfigured() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.pricingURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		return &StatusError{Endpoint: "processOrder", Status: resp.StatusCode}
	}
	return nil
}

// post sends body as JSON and decodes a 2xx response into out. When acceptStatus returns true for a
// 4xx status, the body is decoded into out as well and no error is returned.
func (c *Client) post(ctx context.Context, endpoint, name string, body, out any, acceptStatus func(int) bool, attrs ...attribute.KeyValue) error {
	if endpoint == "" {
		return ErrNotConfigured
	}

	ctx, span := c.tracer.Start(ctx, "oracle."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := c.do(ctx, span, endpoint, name, body, out, acceptStatus)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, span trace.Span, endpoint, name string, body, out any, acceptStatus func(int) bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("oracle: encode %s: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oracle: %s: %w", name, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 && (acceptStatus == nil || !acceptStatus(resp.StatusCode)) {
		return &StatusError{Endpoint: name, Status: resp.StatusCode, Body: drainError(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oracle: decode %s: %w", name, err)
	}
	return nil
}

func normaliseEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("missing host")
	}
	return parsed.String(), nil
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
