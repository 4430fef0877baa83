// Package fetch provides a polite HTTP client for throttled upstreams.
//
// Every request waits on a token bucket that enforces a minimum gap between
// requests. A 429 triggers exponential backoff (doubling per consecutive
// rate-limit response, capped, plus jitter) and a bounded number of retries.
// A 404 is a permanent absence and comes back as a nil body with a nil error.
// Any other failure is returned immediately as a TransientError.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/cedh-data/internal/apperr"
)

const (
	DefaultRequestsPerSecond = 0.2
	DefaultMaxRetries        = 5
	DefaultBaseDelay         = 5 * time.Second
	DefaultMaxBackoff        = 120 * time.Second
	DefaultJitterRange       = time.Second
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	RequestsPerSecond float64 // <0 disables the throttle
	MaxRetries        int
	BaseDelay         time.Duration
	MaxBackoff        time.Duration
	JitterRange       time.Duration
	UserAgent         string
	Timeout           time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Sleep and Jitter are injectable so backoff can be observed in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(limit time.Duration) time.Duration
}

// Client is safe for concurrent use. The consecutive-error counter is shared
// across callers so concurrent workers back off together.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxBackoff time.Duration
	jitterMax  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(limit time.Duration) time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	consecutive int
}

// New creates a throttled client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.JitterRange == 0 {
		opts.JitterRange = DefaultJitterRange
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Every(MinInterval(opts.RequestsPerSecond))
	}

	return &Client{
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, 1),
		userAgent:  opts.UserAgent,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxBackoff: opts.MaxBackoff,
		jitterMax:  opts.JitterRange,
		sleep:      opts.Sleep,
		jitter:     opts.Jitter,
		logger:     opts.Logger,
	}
}

// MinInterval returns the enforced gap between requests, ceil(1000/rps) ms.
func MinInterval(requestsPerSecond float64) time.Duration {
	if requestsPerSecond <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(1000/requestsPerSecond)) * time.Millisecond
}

// Get fetches url. It returns (nil, nil) when the resource does not exist.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		status, body, err := c.do(ctx, url)
		if err != nil {
			return nil, &apperr.TransientError{Op: "GET " + url, Err: err}
		}

		switch {
		case status == http.StatusTooManyRequests:
			n := c.recordRateLimit()
			if attempt >= c.maxRetries {
				return nil, &apperr.RateLimitError{URL: url, Attempts: attempt + 1}
			}
			delay := c.Backoff(n)
			c.logger.Warn("Rate limited, backing off",
				"url", url, "consecutive", n, "delay", delay, "attempt", attempt+1)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case status == http.StatusNotFound:
			c.resetErrors()
			return nil, nil

		case status >= 200 && status < 300:
			c.resetErrors()
			return body, nil

		default:
			return nil, &apperr.TransientError{
				Op:  "GET " + url,
				Err: fmt.Errorf("returned %d: %s", status, truncate(body, 200)),
			}
		}
	}
}

// Backoff returns the delay for the n-th consecutive rate-limit response:
// min(base·2^(n-1), max) plus jitter in [0, jitterRange).
func (c *Client) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.maxBackoff
	if n-1 < 32 {
		if exp := c.baseDelay << (n - 1); exp > 0 && exp < c.maxBackoff {
			d = exp
		}
	}
	return d + c.jitter(c.jitterMax)
}

// ConsecutiveErrors returns the current consecutive rate-limit count.
func (c *Client) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}

func (c *Client) recordRateLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	return c.consecutive
}

func (c *Client) resetErrors() {
	c.mu.Lock()
	c.consecutive = 0
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
