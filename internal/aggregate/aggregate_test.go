package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/lock"
)

type fakeStore struct {
	entries  []EntryRow
	items    []ItemRow
	seats    []SeatRow
	replaced []*Tables
	failAt   string
}

func (f *fakeStore) StreamEntries(_ context.Context, _ time.Time, fn func(EntryRow) error) error {
	if f.failAt == "entries" {
		return errors.New("connection reset")
	}
	for _, e := range f.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) StreamDecklistItems(_ context.Context, _ time.Time, fn func(ItemRow) error) error {
	for _, it := range f.items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) StreamSeats(_ context.Context, _ time.Time, fn func(SeatRow) error) error {
	for _, s := range f.seats {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) Replace(_ context.Context, t *Tables) error {
	f.replaced = append(f.replaced, t)
	return nil
}

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) TryLock(context.Context, string) (lock.Release, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, true, nil
}

type cancelledCheckpoint struct{}

func (cancelledCheckpoint) Check(context.Context) error { return apperr.ErrCancelled }
func (cancelledCheckpoint) Expired() bool               { return false }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixtureStore() *fakeStore {
	entries, items, seats := fixture()
	return &fakeStore{entries: entries, items: items, seats: seats}
}

func TestAggregator_RebuildIsIdempotent(t *testing.T) {
	store := newFixtureStore()
	locker := &fakeLocker{}
	a := NewAggregator(store, locker, quietLogger())

	first, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := a.Run(context.Background(), nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(store.replaced) != 2 {
		t.Fatalf("expected two rebuilds, got %d", len(store.replaced))
	}
	if !reflect.DeepEqual(store.replaced[0], store.replaced[1]) {
		t.Error("expected identical tables from identical sources")
	}
	if first.CommanderWeeklyStats != 3 || first.CardCommanderWeeklyStats != 3 || first.SeatPositionWeeklyStats != 3 {
		t.Errorf("unexpected stats %s", first.Summary())
	}
	if first.EntriesScanned != len(store.entries) {
		t.Errorf("expected %d entries scanned, got %d", len(store.entries), first.EntriesScanned)
	}
	if locker.released != 2 || locker.held {
		t.Errorf("expected lock released after each run, released=%d held=%v", locker.released, locker.held)
	}
}

func TestAggregator_SkipsWhenLockHeld(t *testing.T) {
	store := newFixtureStore()
	locker := &fakeLocker{held: true}
	a := NewAggregator(store, locker, quietLogger())

	stats, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !stats.Skipped {
		t.Error("expected skipped run")
	}
	if len(store.replaced) != 0 {
		t.Error("expected no writes while another run holds the lock")
	}
}

func TestAggregator_CancelledWritesNothing(t *testing.T) {
	store := newFixtureStore()
	locker := &fakeLocker{}
	a := NewAggregator(store, locker, quietLogger())

	_, err := a.Run(context.Background(), cancelledCheckpoint{})
	if !errors.Is(err, apperr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(store.replaced) != 0 {
		t.Error("expected no writes after cancellation")
	}
	if locker.released != 1 {
		t.Error("expected lock released")
	}
}

func TestAggregator_SourceErrorReleasesLock(t *testing.T) {
	store := newFixtureStore()
	store.failAt = "entries"
	locker := &fakeLocker{}
	a := NewAggregator(store, locker, quietLogger())

	if _, err := a.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if locker.held {
		t.Error("expected lock released after failure")
	}
}
