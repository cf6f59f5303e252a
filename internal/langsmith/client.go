// Package langsmith delivers runs to a LangSmith-compatible ingestion
// backend.
package langsmith

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ongoingai/tracebridge/internal/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	apiKeyHeader   = "x-api-key"

	sessionsCheckRetries = 2
	maxErrorBodyBytes    = 512
)

// Config configures a Client.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	// MaxRequestsPerSecond limits SendRun calls. Zero means unlimited.
	MaxRequestsPerSecond float64
	UserAgent            string
	// WrapTransport decorates the pooled transport, typically with tracing.
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

// Client posts runs one at a time. It never retries a POST itself; a failed
// send is returned to the delivery pipeline, which owns requeueing.
type Client struct {
	endpoint string
	apiKey   string
	resty    *resty.Client
	sessions *retryablehttp.Client
	limiter  *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("langsmith api key is required")
	}
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "tracebridge"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = sessionsCheckRetries
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	transport := retryClient.HTTPClient.Transport
	if cfg.WrapTransport != nil {
		transport = cfg.WrapTransport(transport)
	}
	retryClient.HTTPClient.Transport = transport
	retryClient.HTTPClient.Timeout = timeout

	restyClient := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetTransport(transport).
		SetHeader(apiKeyHeader, apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		resty:    restyClient,
		sessions: retryClient,
		limiter:  newLimiter(cfg.MaxRequestsPerSecond),
	}, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Endpoint returns the normalized base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SendRun posts one run. A 409 means the backend already holds the run,
// which happens when a batch is retried after a partial send, and counts as
// delivered.
func (c *Client) SendRun(ctx context.Context, run *trace.Run) error {
	if run == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for langsmith rate limit: %w", err)
	}

	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(run).
		Post("/runs")
	if err != nil {
		return fmt.Errorf("post run %s: %w", run.ID, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return nil
	default:
		return newAPIError("post run", status, resp.Body())
	}
}

// CheckSessions verifies the endpoint is reachable and accepts the api key by
// listing at most one session. Transient failures are retried briefly.
func (c *Client) CheckSessions(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/sessions?limit=1", nil)
	if err != nil {
		return fmt.Errorf("build sessions request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.sessions.Do(req)
	if err != nil {
		return fmt.Errorf("reach langsmith at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return newAPIError("list sessions", resp.StatusCode, body)
}

func normalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("langsmith endpoint is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse langsmith endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("langsmith endpoint must use http or https (got %q)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("langsmith endpoint must include a host")
	}
	return strings.TrimRight(raw, "/"), nil
}
