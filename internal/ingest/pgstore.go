package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/provider"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

// querier is satisfied by both the pool and a transaction, so the same upsert
// code serves the atomic path and the sequential fallback.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PgStore persists sync output to Postgres.
type PgStore struct {
	pool   *db.Pool
	logger *slog.Logger
}

func NewPgStore(pool *db.Pool, logger *slog.Logger) *PgStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgStore{pool: pool, logger: logger}
}

func (s *PgStore) LastProcessedDate(ctx context.Context) (time.Time, bool, error) {
	var d *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(tournament_date) FROM processed_tournaments`).Scan(&d); err != nil {
		return time.Time{}, false, fmt.Errorf("last processed date: %w", err)
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return d.UTC(), true, nil
}

func (s *PgStore) IsProcessed(ctx context.Context, tid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_tournaments WHERE tournament_id = $1)`, tid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", tid, err)
	}
	return exists, nil
}

// UpsertTournament writes the tournament row. size counts every standing,
// including those without a resolvable deck.
func (s *PgStore) UpsertTournament(ctx context.Context, t *topdeck.Tournament) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tournaments (tid, name, tournament_date, size, swiss_rounds, top_cut)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tid) DO UPDATE SET
			name = EXCLUDED.name,
			tournament_date = EXCLUDED.tournament_date,
			size = EXCLUDED.size,
			swiss_rounds = EXCLUDED.swiss_rounds,
			top_cut = EXCLUDED.top_cut
		RETURNING id`,
		t.TID, provider.NormalizeText(t.TournamentName), t.Date(), len(t.Standings), t.SwissNum, t.TopCut,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert tournament %s: %w", t.TID, err)
	}
	return id, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, t *topdeck.Tournament, records int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_tournaments (tournament_id, tournament_date, name, record_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tournament_id) DO NOTHING`,
		t.TID, t.Date(), provider.NormalizeText(t.TournamentName), records)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", t.TID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Standings
// --------------------------------------------------------------------------

// SaveStanding writes player, cards, commander, entry, decklist items and
// counters in one transaction. If that fails for a reason other than the
// context, the rows are retried statement by statement and the outcome is
// reported as degraded. The counters always move in their own transaction
// together with the entry's counted flag.
func (s *PgStore) SaveStanding(ctx context.Context, tournamentID int64, rec StandingRecord) Outcome {
	var res standingWrite
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if res, err = saveStanding(ctx, tx, tournamentID, rec); err != nil {
			return err
		}
		return countStanding(ctx, tx, res.entryID, rec)
	})
	if err == nil {
		return Outcome{Kind: OutcomeOk, EntryID: res.entryID, Inserted: res.inserted}
	}
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeErr, Err: err}
	}

	s.logger.Warn("Atomic standing write failed, falling back to sequential upserts",
		"tournament_id", tournamentID, "standing", rec.Standing(), "error", err)
	res, seqErr := saveStanding(ctx, s.pool, tournamentID, rec)
	if seqErr == nil {
		seqErr = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return countStanding(ctx, tx, res.entryID, rec)
		})
	}
	if seqErr != nil {
		return Outcome{Kind: OutcomeErr, Cause: err, Err: seqErr}
	}
	return Outcome{Kind: OutcomeDegraded, EntryID: res.entryID, Inserted: res.inserted, Cause: err}
}

type standingWrite struct {
	entryID  int64
	inserted bool
}

func saveStanding(ctx context.Context, q querier, tournamentID int64, rec StandingRecord) (standingWrite, error) {
	var out standingWrite

	playerID, err := upsertPlayer(ctx, q, rec.PlayerKey, rec.TopdeckID, rec.Name)
	if err != nil {
		return out, err
	}

	var (
		commanderID *string
		cards       []provider.DeckCard
	)
	if rec.Deck.HasCommanders() {
		cards = rec.Deck.Cards()
		if err := upsertCards(ctx, q, cards); err != nil {
			return out, err
		}
		key := rec.Deck.CommanderKey()
		if _, err := q.Exec(ctx, `
			INSERT INTO commanders (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`, key, rec.Deck.CommanderName()); err != nil {
			return out, fmt.Errorf("upsert commander %s: %w", key, err)
		}
		commanderID = &key
	}

	err = q.QueryRow(ctx, `
		INSERT INTO entries (
			tournament_id, player_id, commander_id, standing,
			wins_swiss, wins_bracket, losses_swiss, losses_bracket,
			draws, byes, decklist
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tournament_id, player_id) DO UPDATE SET
			commander_id = EXCLUDED.commander_id,
			standing = EXCLUDED.standing,
			wins_swiss = EXCLUDED.wins_swiss,
			wins_bracket = EXCLUDED.wins_bracket,
			losses_swiss = EXCLUDED.losses_swiss,
			losses_bracket = EXCLUDED.losses_bracket,
			draws = EXCLUDED.draws,
			byes = EXCLUDED.byes,
			decklist = EXCLUDED.decklist
		RETURNING id, (xmax = 0)`,
		tournamentID, playerID, commanderID, rec.Standing(),
		rec.WinsSwiss, rec.WinsBracket, rec.LossesSwiss, rec.LossesBracket,
		rec.Draws, rec.Byes, nilEmpty(rec.Decklist),
	).Scan(&out.entryID, &out.inserted)
	if err != nil {
		return out, fmt.Errorf("upsert entry for %s: %w", rec.PlayerKey, err)
	}

	if len(cards) > 0 {
		batch := &pgx.Batch{}
		for _, c := range cards {
			batch.Queue(`
				INSERT INTO decklist_items (entry_id, card_id, quantity) VALUES ($1, $2, $3)
				ON CONFLICT (entry_id, card_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
				out.entryID, c.ID, c.Quantity)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return out, fmt.Errorf("upsert decklist items for entry %d: %w", out.entryID, err)
		}
	}

	return out, nil
}

// countStanding moves the running counters for an entry that has a
// commander and has not been counted yet. q must be a transaction.
func countStanding(ctx context.Context, q querier, entryID int64, rec StandingRecord) error {
	if !rec.Deck.HasCommanders() {
		return nil
	}
	var commanderID string
	err := q.QueryRow(ctx, `
		UPDATE entries SET counted = true
		WHERE id = $1 AND NOT counted AND commander_id IS NOT NULL
		RETURNING commander_id`, entryID).Scan(&commanderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim counters for entry %d: %w", entryID, err)
	}
	return incrementCounters(ctx, q, commanderID, rec.Deck.Cards(), rec)
}

func upsertPlayer(ctx context.Context, q querier, key, topdeckID, name string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO players (player_key, topdeck_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (player_key) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		key, nilEmpty(topdeckID), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert player %s: %w", key, err)
	}
	return id, nil
}

// upsertCards inserts unseen cards and fills metadata the row is missing
// when the deck source carried it.
func upsertCards(ctx context.Context, q querier, cards []provider.DeckCard) error {
	batch := &pgx.Batch{}
	for _, c := range cards {
		var colors *string
		if len(c.ColorIdentity) > 0 {
			ci := provider.ColorIdentity(c.ColorIdentity)
			colors = &ci
		}
		var cmc *float64
		if c.TypeLine != "" {
			cmc = &c.CMC
		}
		batch.Queue(`
			INSERT INTO cards (id, name, type_line, mana_cost, cmc, color_identity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				type_line = COALESCE(cards.type_line, EXCLUDED.type_line),
				mana_cost = COALESCE(cards.mana_cost, EXCLUDED.mana_cost),
				cmc = COALESCE(cards.cmc, EXCLUDED.cmc),
				color_identity = COALESCE(cards.color_identity, EXCLUDED.color_identity)`,
			c.ID, c.Name, nilEmpty(c.TypeLine), nilEmpty(c.ManaCost), cmc, colors)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert cards: %w", err)
	}
	return nil
}

func incrementCounters(ctx context.Context, q querier, commanderID string, cards []provider.DeckCard, rec StandingRecord) error {
	wins, losses, draws := rec.Wins(), rec.Losses(), rec.Draws

	if _, err := q.Exec(ctx, `
		UPDATE commanders SET
			wins = wins + $2, losses = losses + $3, draws = draws + $4,
			entries = entries + 1, updated_at = NOW()
		WHERE id = $1`, commanderID, wins, losses, draws); err != nil {
		return fmt.Errorf("increment commander %s: %w", commanderID, err)
	}

	batch := &pgx.Batch{}
	for _, c := range cards {
		batch.Queue(`
			INSERT INTO card_statistics (commander_id, card_id, wins, losses, draws, entries)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (commander_id, card_id) DO UPDATE SET
				wins = card_statistics.wins + EXCLUDED.wins,
				losses = card_statistics.losses + EXCLUDED.losses,
				draws = card_statistics.draws + EXCLUDED.draws,
				entries = card_statistics.entries + 1`,
			commanderID, c.ID, wins, losses, draws)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("increment card statistics for %s: %w", commanderID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Games
// --------------------------------------------------------------------------

// SaveGames upserts every table of every round and its seated players in one
// transaction. Seat position is the player's order at the table, 1-based.
func (s *PgStore) SaveGames(ctx context.Context, tournamentID int64, t *topdeck.Tournament) (int, error) {
	games := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		players := make(map[string]int64)
		playerID := func(id, name string) (int64, error) {
			key := PlayerKey(id, name)
			if pid, ok := players[key]; ok {
				return pid, nil
			}
			pid, err := upsertPlayer(ctx, tx, key, id, provider.NormalizeText(name))
			if err != nil {
				return 0, err
			}
			players[key] = pid
			return pid, nil
		}

		for _, round := range t.Rounds {
			for _, table := range round.Tables {
				if len(table.Players) == 0 {
					continue
				}

				var winner *int64
				if wk := table.WinnerKey(); wk != "" {
					for _, p := range table.Players {
						if p.ID == wk {
							pid, err := playerID(p.ID, p.Name)
							if err != nil {
								return err
							}
							winner = &pid
							break
						}
					}
				}

				var gameID int64
				err := tx.QueryRow(ctx, `
					INSERT INTO games (tournament_id, round, table_number, winner_player_id, is_draw)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (tournament_id, round, table_number) DO UPDATE SET
						winner_player_id = EXCLUDED.winner_player_id,
						is_draw = EXCLUDED.is_draw
					RETURNING id`,
					tournamentID, string(round.Round), table.Table, winner, table.IsDraw(),
				).Scan(&gameID)
				if err != nil {
					return fmt.Errorf("upsert game %s/%d: %w", round.Round, table.Table, err)
				}

				for seat, p := range table.Players {
					pid, err := playerID(p.ID, p.Name)
					if err != nil {
						return err
					}
					if _, err := tx.Exec(ctx, `
						INSERT INTO game_players (game_id, player_id, entry_id, seat_position)
						VALUES ($1, $2,
							(SELECT id FROM entries WHERE tournament_id = $3 AND player_id = $2),
							$4)
						ON CONFLICT (game_id, player_id) DO UPDATE SET
							entry_id = EXCLUDED.entry_id,
							seat_position = EXCLUDED.seat_position`,
						gameID, pid, tournamentID, seat+1); err != nil {
						return fmt.Errorf("upsert seat %d of game %d: %w", seat+1, gameID, err)
					}
				}
				games++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return games, nil
}

func nilEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
