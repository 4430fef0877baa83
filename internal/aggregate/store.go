package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/cedh-data/internal/confidence"
	"github.com/albapepper/cedh-data/internal/db"
)

// Store streams the aggregation's source rows and swaps in the rebuilt
// tables.
type Store interface {
	StreamEntries(ctx context.Context, since time.Time, fn func(EntryRow) error) error
	StreamDecklistItems(ctx context.Context, since time.Time, fn func(ItemRow) error) error
	StreamSeats(ctx context.Context, since time.Time, fn func(SeatRow) error) error
	Replace(ctx context.Context, t *Tables) error
}

// PgStore is the Postgres implementation.
type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// stream runs sql with since as $1 and hands each scanned row to fn.
func stream[T any](ctx context.Context, pool *db.Pool, what, sql string, since time.Time,
	scan func(pgx.Row, *T) error, fn func(T) error) error {
	rows, err := pool.Query(ctx, sql, since)
	if err != nil {
		return fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v T
		if err := scan(rows, &v); err != nil {
			return fmt.Errorf("scan %s: %w", what, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", what, err)
	}
	return nil
}

func (s *PgStore) StreamEntries(ctx context.Context, since time.Time, fn func(EntryRow) error) error {
	return stream(ctx, s.pool, "entries", `
		SELECT e.id, e.commander_id, t.tournament_date, t.top_cut, t.size, e.standing,
		       e.wins_swiss + e.wins_bracket, e.losses_swiss + e.losses_bracket, e.draws,
		       EXISTS (SELECT 1 FROM decklist_items di WHERE di.entry_id = e.id),
		       COALESCE(e.decklist_valid, FALSE)
		FROM entries e
		JOIN tournaments t ON t.id = e.tournament_id
		WHERE e.commander_id IS NOT NULL AND t.tournament_date >= $1
		ORDER BY e.id`, since,
		func(row pgx.Row, e *EntryRow) error {
			return row.Scan(&e.ID, &e.CommanderID, &e.TournamentDate, &e.TopCut, &e.Size, &e.Standing,
				&e.Wins, &e.Losses, &e.Draws, &e.HasDecklist, &e.DecklistValid)
		}, fn)
}

func (s *PgStore) StreamDecklistItems(ctx context.Context, since time.Time, fn func(ItemRow) error) error {
	return stream(ctx, s.pool, "decklist items", `
		SELECT di.entry_id, di.card_id
		FROM decklist_items di
		JOIN entries e ON e.id = di.entry_id
		JOIN tournaments t ON t.id = e.tournament_id
		WHERE e.decklist_valid AND e.commander_id IS NOT NULL AND t.tournament_date >= $1
		ORDER BY di.entry_id, di.card_id`, since,
		func(row pgx.Row, it *ItemRow) error {
			return row.Scan(&it.EntryID, &it.CardID)
		}, fn)
}

func (s *PgStore) StreamSeats(ctx context.Context, since time.Time, fn func(SeatRow) error) error {
	return stream(ctx, s.pool, "game seats", `
		SELECT e.commander_id, t.tournament_date, gp.seat_position,
		       COALESCE(NOT g.is_draw AND g.winner_player_id = gp.player_id, FALSE)
		FROM game_players gp
		JOIN games g ON g.id = gp.game_id
		JOIN entries e ON e.id = gp.entry_id
		JOIN tournaments t ON t.id = g.tournament_id
		WHERE e.commander_id IS NOT NULL AND t.tournament_date >= $1
		ORDER BY gp.game_id, gp.seat_position`, since,
		func(row pgx.Row, r *SeatRow) error {
			return row.Scan(&r.CommanderID, &r.TournamentDate, &r.Seat, &r.Won)
		}, fn)
}

// Replace deletes every weekly row and copies the rebuilt tables in, in one
// transaction. Readers see either the old tables or the new ones.
func (s *PgStore) Replace(ctx context.Context, t *Tables) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"commander_weekly_stats", "card_commander_weekly_stats", "seat_position_weekly_stats"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"commander_weekly_stats"},
			[]string{"commander_id", "week_start", "entries", "entries_with_decklist", "top_cuts",
				"expected_top_cuts", "wins", "draws", "losses"},
			pgx.CopyFromSlice(len(t.Commanders), func(i int) ([]any, error) {
				r := t.Commanders[i]
				return []any{r.CommanderID, r.WeekStart, r.Entries, r.EntriesWithDecklist, r.TopCuts,
					r.ExpectedTopCuts, r.Wins, r.Draws, r.Losses}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy commander weekly stats: %w", err)
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"card_commander_weekly_stats"},
			[]string{"card_id", "commander_id", "week_start", "entries", "top_cuts",
				"expected_top_cuts", "wins", "draws", "losses"},
			pgx.CopyFromSlice(len(t.CardCommanders), func(i int) ([]any, error) {
				r := t.CardCommanders[i]
				return []any{r.CardID, r.CommanderID, r.WeekStart, r.Entries, r.TopCuts,
					r.ExpectedTopCuts, r.Wins, r.Draws, r.Losses}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy card-commander weekly stats: %w", err)
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"seat_position_weekly_stats"},
			[]string{"commander_id", "seat_position", "week_start", "games", "wins"},
			pgx.CopyFromSlice(len(t.Seats), func(i int) ([]any, error) {
				r := t.Seats[i]
				return []any{r.CommanderID, r.Seat, r.WeekStart, r.Games, r.Wins}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy seat position weekly stats: %w", err)
		}
		return nil
	})
}

// Records sums a card's weekly record within a commander and the commander's
// overall record. Both are zero when nothing matches.
func (s *PgStore) Records(ctx context.Context, commanderID, cardID string) (card, baseline confidence.Record, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(wins) FROM card_commander_weekly_stats WHERE commander_id = $1 AND card_id = $2), 0),
			COALESCE((SELECT SUM(losses) FROM card_commander_weekly_stats WHERE commander_id = $1 AND card_id = $2), 0),
			COALESCE((SELECT SUM(draws) FROM card_commander_weekly_stats WHERE commander_id = $1 AND card_id = $2), 0),
			COALESCE((SELECT SUM(wins) FROM commander_weekly_stats WHERE commander_id = $1), 0),
			COALESCE((SELECT SUM(losses) FROM commander_weekly_stats WHERE commander_id = $1), 0),
			COALESCE((SELECT SUM(draws) FROM commander_weekly_stats WHERE commander_id = $1), 0)`,
		commanderID, cardID).Scan(
		&card.Wins, &card.Losses, &card.Draws,
		&baseline.Wins, &baseline.Losses, &baseline.Draws)
	if err != nil {
		return card, baseline, fmt.Errorf("load records for card %s in %s: %w", cardID, commanderID, err)
	}
	return card, baseline, nil
}
