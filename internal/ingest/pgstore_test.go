package ingest

import (
	"context"
	"testing"

	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/db/dbtest"
	"github.com/albapepper/cedh-data/internal/provider"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

func setupTestPgStore(t *testing.T) (*PgStore, *db.Pool) {
	t.Helper()
	pool := dbtest.New(t)
	return NewPgStore(pool, nil), pool
}

func kinnanRecord() StandingRecord {
	return StandingRecord{
		PlayerKey:   "p1",
		TopdeckID:   "p1",
		Name:        "Player 1",
		WinsSwiss:   3,
		LossesSwiss: 1,
		Draws:       1,
		Deck: &provider.Deck{
			Commanders: []provider.DeckCard{{ID: "kinnan", Name: "Kinnan, Bonder Prodigy", Quantity: 1}},
			Mainboard:  []provider.DeckCard{{ID: "sol-ring", Name: "Sol Ring", Quantity: 1}},
		},
	}
}

type counters struct {
	entries, wins, cardEntries int
}

func readCounters(t *testing.T, pool *db.Pool) counters {
	t.Helper()
	ctx := context.Background()
	var c counters
	if err := pool.QueryRow(ctx,
		`SELECT entries, wins FROM commanders WHERE id = 'kinnan'`).Scan(&c.entries, &c.wins); err != nil {
		t.Fatalf("read commander: %v", err)
	}
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(entries), 0) FROM card_statistics WHERE commander_id = 'kinnan' AND card_id = 'sol-ring'`,
	).Scan(&c.cardEntries)
	if err != nil {
		t.Fatalf("read card statistics: %v", err)
	}
	return c
}

func TestPgStore_SaveStandingCountsOnce(t *testing.T) {
	s, pool := setupTestPgStore(t)
	ctx := context.Background()

	tid, err := s.UpsertTournament(ctx, &topdeck.Tournament{TID: "T1", TournamentName: "Test", StartDate: testDay.Unix()})
	if err != nil {
		t.Fatalf("UpsertTournament failed: %v", err)
	}

	first := s.SaveStanding(ctx, tid, kinnanRecord())
	if first.Kind != OutcomeOk || !first.Inserted {
		t.Fatalf("expected inserted ok outcome, got %+v", first)
	}
	again := s.SaveStanding(ctx, tid, kinnanRecord())
	if again.Kind != OutcomeOk || again.Inserted {
		t.Fatalf("expected updated ok outcome, got %+v", again)
	}
	if got := readCounters(t, pool); got != (counters{entries: 1, wins: 3, cardEntries: 1}) {
		t.Errorf("expected one counted standing, got %+v", got)
	}
}

func TestPgStore_ReplayAfterPartialFallbackCounts(t *testing.T) {
	s, pool := setupTestPgStore(t)
	ctx := context.Background()

	tid, err := s.UpsertTournament(ctx, &topdeck.Tournament{TID: "T1", TournamentName: "Test", StartDate: testDay.Unix()})
	if err != nil {
		t.Fatalf("UpsertTournament failed: %v", err)
	}

	// Decklist items fail in both the transaction and the sequential
	// fallback, after the fallback has already committed the entry.
	for _, sql := range []string{
		`CREATE FUNCTION reject_decklist_items() RETURNS trigger LANGUAGE plpgsql AS
			$$ BEGIN RAISE EXCEPTION 'decklist items unavailable'; END $$`,
		`CREATE TRIGGER reject_decklist_items BEFORE INSERT ON decklist_items
			FOR EACH ROW EXECUTE FUNCTION reject_decklist_items()`,
	} {
		if _, err := pool.Exec(ctx, sql); err != nil {
			t.Fatalf("install trigger: %v", err)
		}
	}

	out := s.SaveStanding(ctx, tid, kinnanRecord())
	if out.Kind != OutcomeErr || out.Cause == nil {
		t.Fatalf("expected failed outcome with a cause, got %+v", out)
	}
	var counted bool
	if err := pool.QueryRow(ctx, `SELECT counted FROM entries WHERE tournament_id = $1`, tid).Scan(&counted); err != nil {
		t.Fatalf("expected the fallback to leave the entry row: %v", err)
	}
	if counted {
		t.Error("expected entry not counted after the failed write")
	}
	if got := readCounters(t, pool); got.entries != 0 || got.cardEntries != 0 {
		t.Fatalf("expected no counters yet, got %+v", got)
	}

	if _, err := pool.Exec(ctx, `DROP TRIGGER reject_decklist_items ON decklist_items`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}

	replay := s.SaveStanding(ctx, tid, kinnanRecord())
	if replay.Kind != OutcomeOk || replay.Inserted {
		t.Fatalf("expected ok replay of an existing entry, got %+v", replay)
	}
	if got := readCounters(t, pool); got != (counters{entries: 1, wins: 3, cardEntries: 1}) {
		t.Errorf("expected the replay to count the standing, got %+v", got)
	}

	s.SaveStanding(ctx, tid, kinnanRecord())
	if got := readCounters(t, pool); got.entries != 1 || got.cardEntries != 1 {
		t.Errorf("expected a second replay not to count again, got %+v", got)
	}
}
