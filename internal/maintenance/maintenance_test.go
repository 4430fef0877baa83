package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/lock"
)

type fakeStore struct {
	active    bool
	activeErr error
	enqueued  []job.EnqueueParams
	resets    []job.StuckPolicy
	purges    []time.Duration
}

func (f *fakeStore) ResetStuck(_ context.Context, p job.StuckPolicy, fail bool) (int64, error) {
	if fail {
		return 0, errors.New("sweep must not fail jobs")
	}
	f.resets = append(f.resets, p)
	return 2, nil
}

func (f *fakeStore) PurgeFinished(_ context.Context, olderThan time.Duration) (int64, error) {
	f.purges = append(f.purges, olderThan)
	return 10, nil
}

func (f *fakeStore) HasActive(context.Context, job.Type) (bool, error) { return f.active, f.activeErr }

func (f *fakeStore) Enqueue(_ context.Context, p job.EnqueueParams) (int64, error) {
	f.enqueued = append(f.enqueued, p)
	return 77, nil
}

type fakeLocker struct{ held bool }

func (l *fakeLocker) TryLock(context.Context, string) (lock.Release, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error { return nil }, true, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnqueueDailyUpdate(t *testing.T) {
	tests := []struct {
		name      string
		active    bool
		activeErr error
		held      bool
		want      bool
	}{
		{"nothing queued", false, nil, false, true},
		{"already queued", true, nil, false, false},
		{"store error", false, errors.New("timeout"), false, false},
		{"another worker scheduling", false, nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{active: tt.active, activeErr: tt.activeErr}
			id, ok := EnqueueDailyUpdate(context.Background(), store, &fakeLocker{held: tt.held}, quietLogger())
			if ok != tt.want {
				t.Fatalf("expected enqueued=%v, got %v", tt.want, ok)
			}
			if !tt.want {
				if len(store.enqueued) != 0 {
					t.Errorf("expected nothing enqueued, got %+v", store.enqueued)
				}
				return
			}
			if id != 77 || len(store.enqueued) != 1 || store.enqueued[0].Type != job.TypeDailyUpdate {
				t.Errorf("unexpected enqueue %d %+v", id, store.enqueued)
			}
		})
	}
}

func TestSweepAndCleanup(t *testing.T) {
	store := &fakeStore{}
	SweepStuck(context.Background(), store, job.NewStuckPolicy(4*time.Hour), quietLogger())
	Cleanup(context.Background(), store, 30*24*time.Hour, quietLogger())

	if len(store.resets) != 1 || store.resets[0].Timeout != 4*time.Hour {
		t.Fatalf("expected one 4h sweep, got %v", store.resets)
	}
	if p := store.resets[0]; p.Grace != job.DefaultStuckGrace || p.Budgets[job.TypeFullSeed] != 8*time.Hour {
		t.Errorf("expected the sweep to carry per-type budgets, got %+v", p)
	}
	if len(store.purges) != 1 || store.purges[0] != 30*24*time.Hour {
		t.Errorf("expected one 30d purge, got %v", store.purges)
	}
}

func TestStart_RejectsBadCron(t *testing.T) {
	err := Start(context.Background(), &fakeStore{}, &fakeLocker{}, Config{DailyUpdateCron: "every day"}, quietLogger())
	if err == nil {
		t.Fatal("expected cron parse error")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{SweepInterval: time.Hour, Stuck: job.NewStuckPolicy(time.Hour), DailyUpdateCron: "0 6 * * *"}
	if err := Start(ctx, &fakeStore{}, &fakeLocker{}, cfg, quietLogger()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestValidateCron(t *testing.T) {
	for _, spec := range []string{"", "0 6 * * *", "@daily", "*/15 * * * *"} {
		if err := ValidateCron(spec); err != nil {
			t.Errorf("expected %q valid, got %v", spec, err)
		}
	}
	if err := ValidateCron("61 * * * *"); err == nil {
		t.Error("expected invalid minute to fail")
	}
}
