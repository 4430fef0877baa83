package enrich

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

// Store is the persistence the enrichment stage needs.
type Store interface {
	ResetDerived(ctx context.Context) error
	CardsMissingMetadata(ctx context.Context, afterID string, limit int) ([]CardRow, error)
	UpdateCards(ctx context.Context, updates []CardUpdate) (int, error)
	CommandersMissingColor(ctx context.Context, afterID string, limit int) ([]string, error)
	CardColorIdentities(ctx context.Context, ids []string) (map[string]string, error)
	UpdateCommanderColors(ctx context.Context, colors map[string]string) (int, error)
	FillBracketURLs(ctx context.Context) (int, error)
	EntriesToValidate(ctx context.Context, afterID int64, limit int) ([]EntryRow, error)
	SetDecklistValid(ctx context.Context, entryID int64, valid bool) error
}

// CardRow is a card awaiting metadata.
type CardRow struct {
	ID   string
	Name string
}

// CardUpdate is the metadata resolved for one card.
type CardUpdate struct {
	ID            string
	TypeLine      string
	ManaCost      string
	CMC           float64
	ColorIdentity string
	Data          []byte

	byOracle bool
}

// EntryRow is an entry awaiting a legality verdict.
type EntryRow struct {
	ID       int64
	Decklist string
}

// PgStore is the Postgres implementation.
type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// ResetDerived clears every derived field in one transaction.
func (s *PgStore) ResetDerived(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, sql := range []string{
			`UPDATE cards SET type_line = NULL, mana_cost = NULL, cmc = NULL,
				color_identity = NULL, scryfall_data = NULL, updated_at = NOW()`,
			`UPDATE commanders SET color_id = '', updated_at = NOW()`,
			`UPDATE tournaments SET bracket_url = NULL`,
			`UPDATE entries SET decklist_valid = NULL WHERE decklist_valid IS NOT NULL`,
		} {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return fmt.Errorf("reset derived fields: %w", err)
			}
		}
		return nil
	})
}

func (s *PgStore) CardsMissingMetadata(ctx context.Context, afterID string, limit int) ([]CardRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name FROM cards
		WHERE scryfall_data IS NULL AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cards missing metadata: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CardRow, error) {
		var c CardRow
		err := row.Scan(&c.ID, &c.Name)
		return c, err
	})
}

func (s *PgStore) UpdateCards(ctx context.Context, updates []CardUpdate) (int, error) {
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE cards SET
				type_line = $2, mana_cost = $3, cmc = $4,
				color_identity = $5, scryfall_data = $6, updated_at = NOW()
			WHERE id = $1`,
			u.ID, u.TypeLine, u.ManaCost, u.CMC, u.ColorIdentity, jsonOrNull(u.Data))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	n := 0
	for _, u := range updates {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("update card %s: %w", u.ID, err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

func (s *PgStore) CommandersMissingColor(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM commanders WHERE color_id = '' AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commanders missing colour: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PgStore) CardColorIdentities(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, color_identity FROM cards
		WHERE id = ANY($1) AND color_identity IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("query card colour identities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, ci string
		if err := rows.Scan(&id, &ci); err != nil {
			return nil, fmt.Errorf("scan card colour identity: %w", err)
		}
		out[id] = ci
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateCommanderColors(ctx context.Context, colors map[string]string) (int, error) {
	if len(colors) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for id, ci := range colors {
		batch.Queue(`UPDATE commanders SET color_id = $2, updated_at = NOW() WHERE id = $1`, id, ci)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	n := 0
	for range colors {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("update commander colour: %w", err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

func (s *PgStore) FillBracketURLs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tournaments SET bracket_url = $1 || tid WHERE bracket_url IS NULL`, topdeck.BracketURL(""))
	if err != nil {
		return 0, fmt.Errorf("fill bracket urls: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) EntriesToValidate(ctx context.Context, afterID int64, limit int) ([]EntryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, decklist FROM entries
		WHERE decklist_valid IS NULL AND decklist IS NOT NULL AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries to validate: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EntryRow, error) {
		var e EntryRow
		err := row.Scan(&e.ID, &e.Decklist)
		return e, err
	})
}

func (s *PgStore) SetDecklistValid(ctx context.Context, entryID int64, valid bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE entries SET decklist_valid = $2 WHERE id = $1`, entryID, valid); err != nil {
		return fmt.Errorf("set decklist verdict for entry %d: %w", entryID, err)
	}
	return nil
}

// jsonOrNull keeps an absent raw card as SQL NULL rather than invalid JSON.
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
