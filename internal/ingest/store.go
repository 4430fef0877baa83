package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/albapepper/cedh-data/internal/provider"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

// Store is the persistence the sync stage needs. PgStore is the production
// implementation.
type Store interface {
	// LastProcessedDate returns the newest tournament date in the ledger.
	LastProcessedDate(ctx context.Context) (time.Time, bool, error)
	IsProcessed(ctx context.Context, tid string) (bool, error)
	UpsertTournament(ctx context.Context, t *topdeck.Tournament) (int64, error)
	SaveStanding(ctx context.Context, tournamentID int64, rec StandingRecord) Outcome
	SaveGames(ctx context.Context, tournamentID int64, t *topdeck.Tournament) (int, error)
	MarkProcessed(ctx context.Context, t *topdeck.Tournament, records int) error
}

// StandingRecord is one standing ready to persist.
type StandingRecord struct {
	Index     int // position in the tournament's standings, 0-based
	PlayerKey string
	TopdeckID string
	Name      string
	Deck      *provider.Deck // nil when the deck could not be resolved
	Decklist  string

	WinsSwiss     int
	WinsBracket   int
	LossesSwiss   int
	LossesBracket int
	Draws         int
	Byes          int
}

// Standing is the 1-based final placing.
func (r StandingRecord) Standing() int { return r.Index + 1 }

// Wins and Losses are the swiss + bracket totals.
func (r StandingRecord) Wins() int   { return r.WinsSwiss + r.WinsBracket }
func (r StandingRecord) Losses() int { return r.LossesSwiss + r.LossesBracket }

// NewStandingRecord builds a record from a provider standing. Providers that
// only report totals have them attributed to swiss.
func NewStandingRecord(idx int, s *topdeck.Standing, deck *provider.Deck) StandingRecord {
	rec := StandingRecord{
		Index:         idx,
		PlayerKey:     PlayerKey(s.ID, s.Name),
		TopdeckID:     s.ID,
		Name:          provider.NormalizeText(s.Name),
		Deck:          deck,
		Decklist:      s.Decklist,
		WinsSwiss:     s.WinsSwiss,
		WinsBracket:   s.WinsBracket,
		LossesSwiss:   s.LossesSwiss,
		LossesBracket: s.LossesBracket,
		Draws:         s.Draws,
		Byes:          s.Byes,
	}
	if rec.Wins() == 0 && s.Wins > 0 {
		rec.WinsSwiss = s.Wins
	}
	if rec.Losses() == 0 && s.Losses > 0 {
		rec.LossesSwiss = s.Losses
	}
	return rec
}

// PlayerKey is the player's natural key: the provider id when present,
// otherwise the lowercased name.
func PlayerKey(topdeckID, name string) string {
	if topdeckID != "" {
		return topdeckID
	}
	return "name:" + strings.ToLower(provider.NormalizeText(name))
}

// --------------------------------------------------------------------------
// Outcome
// --------------------------------------------------------------------------

// OutcomeKind tags how a standing was persisted.
type OutcomeKind int

const (
	// OutcomeOk: the atomic batch committed.
	OutcomeOk OutcomeKind = iota
	// OutcomeDegraded: the atomic batch failed and the sequential fallback
	// succeeded. Cause holds the batch error.
	OutcomeDegraded
	// OutcomeErr: nothing usable was written. Err holds the reason.
	OutcomeErr
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeDegraded:
		return "degraded"
	default:
		return "err"
	}
}

// Outcome is the tagged result of SaveStanding.
type Outcome struct {
	Kind     OutcomeKind
	EntryID  int64
	Inserted bool // false when the entry already existed
	Cause    error
	Err      error
}
