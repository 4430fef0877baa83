// Package aggregate rebuilds the weekly statistics tables from normalized
// tournament data.
//
// Every run is a full rebuild. Late corrections such as a decklist
// revalidated after sync would make incremental counters drift, so the
// three tables are recomputed from entries, decklist items and game seats and
// swapped in one transaction. Runs are single-flight through a named lock; a
// run that finds the lock held is skipped.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/lock"
)

// LockName is the single-flight lock every aggregation run takes.
const LockName = "aggregate"

// statsSince is the earliest tournament date the weekly stats cover.
var statsSince, _ = time.Parse(time.DateOnly, config.MinStatsDate)

// Stats is the run's result.
type Stats struct {
	EntriesScanned           int  `json:"entries_scanned"`
	ItemsScanned             int  `json:"items_scanned"`
	SeatsScanned             int  `json:"seats_scanned"`
	CommanderWeeklyStats     int  `json:"commander_weekly_stats"`
	CardCommanderWeeklyStats int  `json:"card_commander_weekly_stats"`
	SeatPositionWeeklyStats  int  `json:"seat_position_weekly_stats"`
	Skipped                  bool `json:"skipped,omitempty"`
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	if s.Skipped {
		return "skipped: another aggregation holds the lock"
	}
	return fmt.Sprintf("commander_weeks=%d card_commander_weeks=%d seat_weeks=%d (entries=%d items=%d seats=%d)",
		s.CommanderWeeklyStats, s.CardCommanderWeeklyStats, s.SeatPositionWeeklyStats,
		s.EntriesScanned, s.ItemsScanned, s.SeatsScanned)
}

// Aggregator runs the aggregation stage.
type Aggregator struct {
	store  Store
	locker lock.Locker
	since  time.Time
	logger *slog.Logger
}

func NewAggregator(store Store, locker lock.Locker, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, locker: locker, since: statsSince, logger: logger}
}

// Run rebuilds all three weekly tables. Cancellation is observed between
// source scans; nothing is written unless every scan finished.
func (a *Aggregator) Run(ctx context.Context, cp job.Checkpoint) (*Stats, error) {
	if cp == nil {
		cp = job.Noop{}
	}

	release, ok, err := a.locker.TryLock(ctx, LockName)
	if err != nil {
		return nil, fmt.Errorf("acquire aggregation lock: %w", err)
	}
	if !ok {
		a.logger.Warn("Aggregation already running elsewhere, skipping")
		return &Stats{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to release aggregation lock", "error", err)
		}
	}()

	stats := &Stats{}
	b := NewBuilder(a.since)
	a.logger.Info("Starting stats aggregation", "since", a.since.Format(time.DateOnly))

	if err := a.store.StreamEntries(ctx, a.since, func(e EntryRow) error {
		stats.EntriesScanned++
		b.AddEntry(e)
		return nil
	}); err != nil {
		return stats, err
	}
	if err := cp.Check(ctx); err != nil {
		return stats, err
	}

	if err := a.store.StreamDecklistItems(ctx, a.since, func(it ItemRow) error {
		stats.ItemsScanned++
		b.AddItem(it)
		return nil
	}); err != nil {
		return stats, err
	}
	if err := cp.Check(ctx); err != nil {
		return stats, err
	}

	if err := a.store.StreamSeats(ctx, a.since, func(r SeatRow) error {
		stats.SeatsScanned++
		b.AddSeat(r)
		return nil
	}); err != nil {
		return stats, err
	}
	if err := cp.Check(ctx); err != nil {
		return stats, err
	}

	tables := b.Tables()
	if err := a.store.Replace(ctx, tables); err != nil {
		return stats, err
	}
	stats.CommanderWeeklyStats = len(tables.Commanders)
	stats.CardCommanderWeeklyStats = len(tables.CardCommanders)
	stats.SeatPositionWeeklyStats = len(tables.Seats)

	a.logger.Info("Aggregation complete", "summary", stats.Summary())
	return stats, nil
}
