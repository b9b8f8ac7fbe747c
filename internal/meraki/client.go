package meraki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.meraki.com/api/v1"
	apiKeyHeader   = "X-Cisco-Meraki-API-Key"
	maxErrorBody   = 512

	MaxRequestsPerSecond = config.MaxRequestsPerSecond
)

// Client talks to the Meraki Dashboard API. Requests for one organization are
// paced by a shared limiter; a caller must not issue concurrent requests for
// the same organization.
type Client struct {
	baseURL     string
	credentials CredentialProvider
	httpClient  *http.Client
	perPage     int
	rps         float64
	backoff     Backoff
	metrics     *metrics.Collector
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewClient(cfg config.MerakiConfig, creds CredentialProvider, collector *metrics.Collector, logger *zap.Logger, opts ...Option) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 5000 {
		perPage = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = MaxRequestsPerSecond
	}
	if rps > MaxRequestsPerSecond {
		logger.Warn("Requested rate exceeds the per-organization limit, capping",
			zap.Float64("requested", rps),
			zap.Float64("limit", MaxRequestsPerSecond))
		rps = MaxRequestsPerSecond
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	c := &Client{
		baseURL:     baseURL,
		credentials: creds,
		httpClient:  &http.Client{Timeout: timeout},
		perPage:     perPage,
		rps:         rps,
		backoff:     Backoff{Base: base, Max: cfg.MaxDelay, MaxRetries: cfg.MaxRetries},
		metrics:     collector,
		logger:      logger.With(zap.String("component", "meraki")),
		sleep:       sleepContext,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// limiter returns the organization's request budget: rps requests per second
// with no burst, so at most rps requests start in any one-second window.
func (c *Client) limiter(orgID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[orgID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), 1)
		c.limiters[orgID] = l
	}
	return l
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// get issues a GET against rawURL and decodes the JSON body into out.
// endpoint is the route template used for logs and metrics.
func (c *Client) get(ctx context.Context, orgID, endpoint, rawURL string, out any) (http.Header, error) {
	key, err := c.credentials.APIKey(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrAuthorization) {
			err = fmt.Errorf("%w: %w", core.ErrAuthorization, err)
		}
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}

	var (
		lastStatus int
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 0; attempt <= c.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			if retryAfter > delay {
				delay = retryAfter
				if c.backoff.Max > 0 && delay > c.backoff.Max {
					delay = c.backoff.Max
				}
			}
			reason := "server_error"
			switch {
			case lastStatus == http.StatusTooManyRequests:
				reason = "rate_limited"
			case lastStatus == 0:
				reason = "transport"
			}
			c.metrics.RecordAPIRetry(orgID, reason)
			c.logger.Warn("Retrying Meraki request",
				zap.String("organization_id", orgID),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Int("status", lastStatus),
				zap.Duration("delay", delay),
				zap.NamedError("last_error", lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.limiter(orgID).Wait(ctx); err != nil {
			return nil, err
		}

		started := time.Now()
		status, header, body, err := c.send(ctx, rawURL, key)
		c.metrics.RecordAPIRequest(orgID, endpoint, status, time.Since(started))
		retryAfter = 0

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus, lastErr = 0, err
		case status >= 200 && status < 300:
			if out != nil && len(body) > 0 {
				if err := json.Unmarshal(body, out); err != nil {
					return nil, fmt.Errorf("GET %s: decode response: %w", endpoint, err)
				}
			}
			return header, nil
		case status == http.StatusTooManyRequests:
			lastStatus, lastErr = status, fmt.Errorf("status %d", status)
			retryAfter = parseRetryAfter(header.Get("Retry-After"))
		case status >= 500:
			lastStatus, lastErr = status, fmt.Errorf("status %d: %s", status, snippet(body))
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, fmt.Errorf("GET %s: status %d: %w", endpoint, status, core.ErrAuthorization)
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("GET %s: %w", endpoint, core.ErrNotFound)
		default:
			return nil, fmt.Errorf("GET %s: unexpected status %d: %s", endpoint, status, snippet(body))
		}
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, fmt.Errorf("GET %s: gave up after %d retries: %w", endpoint, c.backoff.MaxRetries, core.ErrRateLimitExceeded)
	}
	return nil, fmt.Errorf("GET %s: gave up after %d retries: %w: %w", endpoint, c.backoff.MaxRetries, lastErr, core.ErrUpstreamUnavailable)
}

func (c *Client) send(ctx context.Context, rawURL, key string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set(apiKeyHeader, key)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	c.logger.Debug("Meraki request",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.StatusCode, resp.Header, body, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

// IsRetryable reports whether err came from a retried-and-exhausted request.
func IsRetryable(err error) bool {
	return errors.Is(err, core.ErrRateLimitExceeded) || errors.Is(err, core.ErrUpstreamUnavailable)
}
