// Package ingest is the sync stage: it pulls tournaments for a date window,
// resolves each standing's deck, and upserts the normalized rows. Runs are
// resumable through a Cursor.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/provider"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

// TournamentSource lists tournaments that started within [start, end].
type TournamentSource interface {
	ListTournaments(ctx context.Context, start, end time.Time) ([]topdeck.Tournament, error)
}

// DeckSource resolves a hosted deck. (nil, nil) means permanently absent.
type DeckSource interface {
	GetDeck(ctx context.Context, deckID string) (*provider.Deck, error)
}

// Options selects the window and the budget for one run.
type Options struct {
	// Cursor, when set, wins over every other start.
	Cursor string
	// Start is the first day. Zero means the day of the newest processed
	// tournament, or LookbackDays before End when nothing was processed.
	Start        time.Time
	End          time.Time // zero means today
	LookbackDays int
	// BatchSize caps the standings persisted by one run. 0 is unlimited.
	BatchSize int
}

// SyncStats is the run's result. When Complete is false, Cursor is where the
// next run must resume.
type SyncStats struct {
	StartDate            string   `json:"start_date"`
	EndDate              string   `json:"end_date"`
	DaysProcessed        int      `json:"days_processed"`
	TournamentsFetched   int      `json:"tournaments_fetched"`
	TournamentsProcessed int      `json:"tournaments_processed"`
	TournamentsSkipped   int      `json:"tournaments_skipped"`
	StandingsPersisted   int      `json:"standings_persisted"`
	EntriesCreated       int      `json:"entries_created"`
	EntriesUpdated       int      `json:"entries_updated"`
	DecksFetched         int      `json:"decks_fetched"`
	DecksNotFound        int      `json:"decks_not_found"`
	StandingsFailed      int      `json:"standings_failed"`
	StandingsDegraded    int      `json:"standings_degraded"`
	GamesUpserted        int      `json:"games_upserted"`
	RateLimited          bool     `json:"rate_limited"`
	Complete             bool     `json:"complete"`
	StopReason           string   `json:"stop_reason,omitempty"`
	Cursor               string   `json:"cursor,omitempty"`
	Errors               []string `json:"errors,omitempty"`
}

// AddErrorf records a formatted error message.
func (s *SyncStats) AddErrorf(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Summary returns a human-readable summary of the run.
func (s *SyncStats) Summary() string {
	return fmt.Sprintf(
		"tournaments=%d skipped=%d standings=%d entries_new=%d failed=%d degraded=%d games=%d complete=%v errors=%d",
		s.TournamentsProcessed, s.TournamentsSkipped, s.StandingsPersisted, s.EntriesCreated,
		s.StandingsFailed, s.StandingsDegraded, s.GamesUpserted, s.Complete, len(s.Errors),
	)
}

const (
	stopRateLimit = "rate_limited"
	stopBatchSize = "batch_size"
	stopRuntime   = "max_runtime"
)

// Syncer runs the sync stage.
type Syncer struct {
	tournaments TournamentSource
	decks       DeckSource
	store       Store
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewSyncer(tournaments TournamentSource, decks DeckSource, store Store, concurrency int, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = config.DefaultConcurrency
	}
	return &Syncer{
		tournaments: tournaments,
		decks:       decks,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// stop ends the run early; cursor is where the next run resumes.
type stop struct {
	reason string
	cursor Cursor
}

// Run syncs the window day by day, in increasing date order. It returns
// early with Complete=false and a Cursor when an upstream rate limit
// persists, BatchSize is reached, or the checkpoint's runtime budget is
// spent. Cancellation surfaces as apperr.ErrCancelled.
func (s *Syncer) Run(ctx context.Context, opts Options, cp job.Checkpoint) (*SyncStats, error) {
	if cp == nil {
		cp = job.Noop{}
	}
	stats := &SyncStats{}

	start, resume, err := s.resolveStart(ctx, opts)
	if err != nil {
		return stats, err
	}
	end := truncateDay(opts.End)
	if opts.End.IsZero() {
		end = truncateDay(s.now())
	}
	stats.StartDate = start.Format(time.DateOnly)
	stats.EndDate = end.Format(time.DateOnly)

	s.logger.Info("Sync starting", "start", stats.StartDate, "end", stats.EndDate, "cursor", opts.Cursor)

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := cp.Check(ctx); err != nil {
			stats.Cursor = Cursor{Date: day}.String()
			return stats, err
		}

		var dayResume *Cursor
		if resume != nil && resume.Date.Equal(day) && resume.TournamentID != "" {
			dayResume = resume
		}

		st, err := s.syncDay(ctx, day, dayResume, opts, cp, stats)
		if st != nil {
			stats.StopReason = st.reason
			stats.RateLimited = st.reason == stopRateLimit
			stats.Cursor = st.cursor.String()
			s.logger.Warn("Sync stopped early", "reason", st.reason, "cursor", stats.Cursor, "summary", stats.Summary())
			return stats, nil
		}
		if err != nil {
			stats.Cursor = Cursor{Date: day}.String()
			return stats, err
		}
		stats.DaysProcessed++
	}

	stats.Complete = true
	s.logger.Info("Sync complete", "summary", stats.Summary())
	return stats, nil
}

func (s *Syncer) resolveStart(ctx context.Context, opts Options) (time.Time, *Cursor, error) {
	if opts.Cursor != "" {
		c, err := ParseCursor(opts.Cursor)
		if err != nil {
			return time.Time{}, nil, err
		}
		return c.Date, &c, nil
	}
	if !opts.Start.IsZero() {
		return truncateDay(opts.Start), nil, nil
	}
	last, ok, err := s.store.LastProcessedDate(ctx)
	if err != nil {
		return time.Time{}, nil, err
	}
	if ok {
		return truncateDay(last), nil, nil
	}
	days := opts.LookbackDays
	if days <= 0 {
		days = config.DefaultLookbackDays
	}
	return truncateDay(s.now()).AddDate(0, 0, -days), nil, nil
}

func (s *Syncer) syncDay(ctx context.Context, day time.Time, resume *Cursor, opts Options, cp job.Checkpoint, stats *SyncStats) (*stop, error) {
	tournaments, err := s.tournaments.ListTournaments(ctx, day, day.Add(24*time.Hour-time.Second))
	if err != nil {
		if apperr.IsRateLimit(err) {
			return &stop{reason: stopRateLimit, cursor: Cursor{Date: day}}, nil
		}
		return nil, fmt.Errorf("list tournaments for %s: %w", day.Format(time.DateOnly), err)
	}
	stats.TournamentsFetched += len(tournaments)

	// A stable order keeps cursors meaningful across restarts.
	slices.SortFunc(tournaments, func(a, b topdeck.Tournament) int {
		return cmp.Or(cmp.Compare(a.StartDate, b.StartDate), cmp.Compare(a.TID, b.TID))
	})

	for i := range tournaments {
		t := &tournaments[i]

		done, err := s.store.IsProcessed(ctx, t.TID)
		if err != nil {
			return nil, err
		}
		if done {
			stats.TournamentsSkipped++
			continue
		}

		from := 0
		if resume != nil && resume.TournamentID == t.TID {
			from = resume.Index
		}
		if st := s.budgetStop(opts, cp, stats, Cursor{Date: day, TournamentID: t.TID, Index: from}); st != nil {
			return st, nil
		}

		st, err := s.syncTournament(ctx, day, t, from, opts, cp, stats)
		if st != nil || err != nil {
			return st, err
		}
	}
	return nil, nil
}

func (s *Syncer) budgetStop(opts Options, cp job.Checkpoint, stats *SyncStats, at Cursor) *stop {
	if opts.BatchSize > 0 && stats.StandingsPersisted >= opts.BatchSize {
		return &stop{reason: stopBatchSize, cursor: at}
	}
	if cp.Expired() {
		return &stop{reason: stopRuntime, cursor: at}
	}
	return nil
}

// resolved is one standing's fetch result.
type resolved struct {
	deck    *provider.Deck
	fetched bool
	err     error
}

func (s *Syncer) syncTournament(ctx context.Context, day time.Time, t *topdeck.Tournament, from int, opts Options, cp job.Checkpoint, stats *SyncStats) (*stop, error) {
	tournamentID, err := s.store.UpsertTournament(ctx, t)
	if err != nil {
		return nil, err
	}

	var eligible []int
	for i := from; i < len(t.Standings); i++ {
		st := &t.Standings[i]
		if st.InlineDeck() != nil {
			eligible = append(eligible, i)
			continue
		}
		if _, ok := provider.MoxfieldDeckID(st.Decklist); ok {
			eligible = append(eligible, i)
		}
	}

	s.logger.Info("Processing tournament",
		"tid", t.TID, "name", t.TournamentName, "standings", len(t.Standings), "eligible", len(eligible), "from", from)

	records := 0
	for batchStart := 0; batchStart < len(eligible); batchStart += s.concurrency {
		batch := eligible[batchStart:min(batchStart+s.concurrency, len(eligible))]
		at := Cursor{Date: day, TournamentID: t.TID, Index: batch[0]}

		if err := cp.Check(ctx); err != nil {
			return nil, err
		}
		if batchStart > 0 {
			if st := s.budgetStop(opts, cp, stats, at); st != nil {
				return st, nil
			}
		}

		results := s.resolveBatch(ctx, t, batch)

		// Persist in list order; a rate limit stops the batch at that standing.
		for k, idx := range batch {
			r := results[k]
			if r.err != nil && apperr.IsRateLimit(r.err) {
				return &stop{reason: stopRateLimit, cursor: Cursor{Date: day, TournamentID: t.TID, Index: idx}}, nil
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if r.err != nil {
				stats.StandingsFailed++
				stats.AddErrorf("%s standing %d: %v", t.TID, idx+1, r.err)
				s.logger.Warn("Skipping standing", "tid", t.TID, "standing", idx+1, "error", r.err)
				continue
			}
			if r.fetched {
				stats.DecksFetched++
			}
			if r.deck == nil {
				stats.DecksNotFound++
			}

			out := s.store.SaveStanding(ctx, tournamentID, NewStandingRecord(idx, &t.Standings[idx], r.deck))
			switch out.Kind {
			case OutcomeErr:
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				stats.StandingsFailed++
				stats.AddErrorf("%s standing %d: %v", t.TID, idx+1, out.Err)
				s.logger.Warn("Standing write failed", "tid", t.TID, "standing", idx+1, "error", out.Err)
				continue
			case OutcomeDegraded:
				stats.StandingsDegraded++
				s.logger.Warn("Standing written without batch atomicity",
					"tid", t.TID, "standing", idx+1, "cause", out.Cause)
			}
			stats.StandingsPersisted++
			records++
			if out.Inserted {
				stats.EntriesCreated++
			} else {
				stats.EntriesUpdated++
			}
		}
	}

	games, err := s.store.SaveGames(ctx, tournamentID, t)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stats.AddErrorf("%s games: %v", t.TID, err)
		s.logger.Warn("Saving games failed", "tid", t.TID, "error", err)
	}
	stats.GamesUpserted += games

	if err := s.store.MarkProcessed(ctx, t, records); err != nil {
		return nil, err
	}
	stats.TournamentsProcessed++
	s.logger.Info("Tournament processed", "tid", t.TID, "records", records, "games", games)
	return nil, nil
}

// resolveBatch resolves every standing of the batch concurrently. Results
// come back in batch order.
func (s *Syncer) resolveBatch(ctx context.Context, t *topdeck.Tournament, batch []int) []resolved {
	results := make([]resolved, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for k, idx := range batch {
		g.Go(func() error {
			results[k] = s.resolveDeck(gctx, &t.Standings[idx])
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Syncer) resolveDeck(ctx context.Context, st *topdeck.Standing) resolved {
	if d := st.InlineDeck(); d != nil {
		return resolved{deck: d}
	}
	id, ok := provider.MoxfieldDeckID(st.Decklist)
	if !ok {
		return resolved{err: errors.New("no deck reference")}
	}
	d, err := s.decks.GetDeck(ctx, id)
	if err != nil {
		return resolved{err: fmt.Errorf("fetch deck %s: %w", id, err)}
	}
	if !d.HasCommanders() {
		d = nil
	}
	return resolved{deck: d, fetched: true}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
