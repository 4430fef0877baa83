package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	var fe *apperr.FatalConfigError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FatalConfigError, got %v", err)
	}
	if fe.Key != "DATABASE_URL" {
		t.Errorf("expected key DATABASE_URL, got %q", fe.Key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/cedh")
	t.Setenv("WORKER_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("expected 60s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.DeckRequestsPerSecond != 0.2 {
		t.Errorf("expected 0.2 req/s, got %v", cfg.DeckRequestsPerSecond)
	}
	if cfg.SyncConcurrency != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.SyncConcurrency)
	}
	if !strings.HasPrefix(cfg.WorkerID, "worker-") || len(cfg.WorkerID) != len("worker-")+8 {
		t.Errorf("unexpected generated worker id %q", cfg.WorkerID)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/cedh")
	t.Setenv("WORKER_ID", "worker-fixed")
	t.Setenv("WORKER_POLL_INTERVAL", "5s")
	t.Setenv("JOB_STUCK_TIMEOUT", "120")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAINTENANCE_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkerID != "worker-fixed" {
		t.Errorf("expected worker-fixed, got %q", cfg.WorkerID)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.PollInterval)
	}
	if cfg.StuckTimeout != 120*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.StuckTimeout)
	}
	if len(cfg.CORSAllowOrigins) != 2 || cfg.CORSAllowOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.CORSAllowOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}
	if cfg.MaintenanceEnabled {
		t.Error("expected maintenance disabled")
	}
}

func TestRequireTopdeck(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireTopdeck(); err == nil {
		t.Error("expected error without TOPDECK_API_KEY")
	}
	cfg.TopdeckAPIKey = "key"
	if err := cfg.RequireTopdeck(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
