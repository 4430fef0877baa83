// Package listener provides a Postgres LISTEN/NOTIFY consumer that wakes the
// worker when a job is enqueued. It holds a dedicated pgx connection (not
// from the pool) listening on the `job_enqueued` channel, which the jobs
// insert trigger notifies.
//
// The listener only shortens the worker's idle wait. A missed notification
// costs at most one poll interval.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	Channel          = "job_enqueued"
	reconnectBackoff = time.Second
	maxReconnect     = 30 * time.Second
)

// Event is the JSON payload from pg_notify('job_enqueued', ...).
type Event struct {
	ID      int64  `json:"id"`
	JobType string `json:"job_type"`
}

// Start opens a dedicated connection and calls onEvent for every enqueue
// notification. It reconnects with doubling backoff on connection loss.
// Blocks until ctx is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, onEvent func(Event), logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		connected, err := listenLoop(ctx, dbURL, onEvent, logger)
		if ctx.Err() != nil {
			logger.Info("Job listener stopped (context cancelled)")
			return
		}
		if connected {
			backoff = reconnectBackoff
		}

		logger.Error("Job listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled. connected reports whether LISTEN succeeded.
func listenLoop(ctx context.Context, dbURL string, onEvent func(Event), logger *slog.Logger) (connected bool, err error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return false, fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	logger.Info("Job listener connected", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}

		event, err := ParseEvent(notification.Payload)
		if err != nil {
			logger.Warn("Failed to parse job event",
				"payload", notification.Payload, "error", err)
			continue
		}

		logger.Debug("Job enqueued", "job_id", event.ID, "job_type", event.JobType)
		onEvent(event)
	}
}

// ParseEvent decodes a notification payload.
func ParseEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, err
	}
	if e.ID == 0 {
		return e, fmt.Errorf("payload has no job id")
	}
	return e, nil
}
