// Package scrollrack checks decklists for commander-format legality.
package scrollrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/provider"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// Result is the validator's verdict.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Client posts decklists to the validator with bounded, linearly backed-off
// retries. 4xx responses are returned immediately.
type Client struct {
	httpClient *http.Client
	url        string
	attempts   int
	delay      time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithRetry overrides the attempt count and the base delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a validator client for the given endpoint.
func NewClient(url string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
		attempts:   DefaultAttempts,
		delay:      DefaultDelay,
		sleep:      sleepCtx,
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate prepares the decklist text and submits it. The n-th retry waits
// delay·n.
func (c *Client) Validate(ctx context.Context, decklist string) (*Result, error) {
	list := provider.PrepareDecklist(decklist)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, status, err := c.post(ctx, list)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if status >= 400 && status < 500 {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < c.attempts {
			if err := c.sleep(ctx, c.delay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	c.logger.Debug("Decklist validation gave up", "attempts", c.attempts, "error", lastErr)
	return nil, lastErr
}

type request struct {
	Game   string `json:"game"`
	Format string `json:"format"`
	List   string `json:"list"`
}

func (c *Client) post(ctx context.Context, list string) (*Result, int, error) {
	body, err := json.Marshal(request{Game: "mtg", Format: "commander", List: list})
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &apperr.TransientError{Op: "scrollrack validate", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &apperr.TransientError{Op: "scrollrack validate", Err: err}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, resp.StatusCode, &apperr.ValidationError{
			Msg: fmt.Sprintf("scrollrack returned %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &apperr.TransientError{
			Op:  "scrollrack validate",
			Err: fmt.Errorf("returned %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return &res, resp.StatusCode, nil
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

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
