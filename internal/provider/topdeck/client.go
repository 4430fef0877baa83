// Package topdeck is the tournament data provider client.
//
// TopDeck authenticates with a raw API key in the Authorization header and
// returns full tournaments (standings and rounds) from a single POST. The list
// endpoint can be slow for busy days, so the client timeout is generous.
// Requests go through a token bucket limiter.
package topdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/cedh-data/internal/apperr"
)

const (
	DefaultRequestsPerMinute = 30
	requestTimeout           = 5 * time.Minute
)

// Client is the HTTP client for the TopDeck v2 API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a TopDeck client with rate limiting.
func NewClient(baseURL, apiKey string, requestsPerMinute int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	rps := float64(requestsPerMinute) / 60.0
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// ListTournaments returns every EDH tournament that started within
// [start, end], with standings, decklists and rounds.
func (c *Client) ListTournaments(ctx context.Context, start, end time.Time) ([]Tournament, error) {
	var out []Tournament
	if err := c.post(ctx, "/tournaments", newTournamentsRequest(start, end), &out); err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched tournaments",
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly), "count", len(out))
	return out, nil
}

// post performs a rate-limited, authenticated JSON POST.
func (c *Client) post(ctx context.Context, path string, payload, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.TransientError{Op: "topdeck " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &apperr.RateLimitError{URL: u, Attempts: 1}
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apperr.TransientError{
			Op:  "topdeck " + path,
			Err: fmt.Errorf("returned %d: %s", resp.StatusCode, truncate(msg, 200)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
