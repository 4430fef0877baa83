// Package enrich attaches derived metadata to synced rows: card type lines
// and mana costs from the Scryfall bulk export, commander colour identity,
// tournament bracket URLs, and decklist legality verdicts.
//
// Incremental runs only touch rows missing a derived field. Full runs clear
// every derived field first and recompute it.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/provider"
	"github.com/albapepper/cedh-data/internal/provider/scrollrack"
	"github.com/albapepper/cedh-data/internal/provider/scryfall"
)

// PageSize bounds every read and write batch.
const PageSize = 500

// CardFeed streams the card metadata export.
type CardFeed interface {
	StreamOracleCards(ctx context.Context, fn func(*scryfall.Card) error) error
}

// Validator returns a legality verdict for decklist text.
type Validator interface {
	Validate(ctx context.Context, decklist string) (*scrollrack.Result, error)
}

// Options selects the mode.
type Options struct {
	Incremental    bool
	SkipValidation bool
}

// Stats is the run's result.
type Stats struct {
	Incremental         bool     `json:"incremental"`
	CardsEnriched       int      `json:"cards_enriched"`
	CardsNotFound       int      `json:"cards_not_found"`
	CommandersEnriched  int      `json:"commanders_enriched"`
	TournamentsEnriched int      `json:"tournaments_enriched"`
	DecklistsValidated  int      `json:"decklists_validated"`
	DecklistsValid      int      `json:"decklists_valid"`
	DecklistsInvalid    int      `json:"decklists_invalid"`
	DecklistsSkipped    int      `json:"decklists_skipped"`
	Complete            bool     `json:"complete"`
	Errors              []string `json:"errors,omitempty"`
}

// AddErrorf records a formatted error message.
func (s *Stats) AddErrorf(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf(
		"cards=%d not_found=%d commanders=%d tournaments=%d validated=%d valid=%d invalid=%d skipped=%d errors=%d",
		s.CardsEnriched, s.CardsNotFound, s.CommandersEnriched, s.TournamentsEnriched,
		s.DecklistsValidated, s.DecklistsValid, s.DecklistsInvalid, s.DecklistsSkipped, len(s.Errors),
	)
}

// Enricher runs the enrichment stage.
type Enricher struct {
	store       Store
	feed        CardFeed
	validator   Validator
	concurrency int
	logger      *slog.Logger
}

func NewEnricher(store Store, feed CardFeed, validator Validator, concurrency int, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = config.DefaultValidationConc
	}
	return &Enricher{store: store, feed: feed, validator: validator, concurrency: concurrency, logger: logger}
}

// phase reports done=false when it stopped at the runtime budget.
type phase struct {
	name string
	run  func(ctx context.Context, cp job.Checkpoint, stats *Stats) (done bool, err error)
}

// Run enriches cards, commanders and tournaments, then validates decklists.
// An expired runtime budget ends the run between pages with Complete=false;
// the next incremental run picks up the rest.
func (e *Enricher) Run(ctx context.Context, opts Options, cp job.Checkpoint) (*Stats, error) {
	if cp == nil {
		cp = job.Noop{}
	}
	stats := &Stats{Incremental: opts.Incremental}

	if !opts.Incremental {
		e.logger.Info("Full enrichment: clearing derived fields")
		if err := e.store.ResetDerived(ctx); err != nil {
			return stats, err
		}
	}

	phases := []phase{
		{"cards", e.enrichCards},
		{"commanders", e.enrichCommanders},
		{"tournaments", e.enrichTournaments},
	}
	if !opts.SkipValidation {
		phases = append(phases, phase{"decklists", e.validateDecklists})
	}

	for _, p := range phases {
		if err := cp.Check(ctx); err != nil {
			return stats, err
		}
		e.logger.Info("Enriching " + p.name + "...")
		done, err := p.run(ctx, cp, stats)
		if err != nil {
			return stats, fmt.Errorf("enrich %s: %w", p.name, err)
		}
		if !done {
			e.logger.Warn("Enrichment stopped at runtime budget", "phase", p.name, "summary", stats.Summary())
			return stats, nil
		}
	}

	stats.Complete = true
	e.logger.Info("Enrichment complete", "summary", stats.Summary())
	return stats, nil
}

// --------------------------------------------------------------------------
// Cards
// --------------------------------------------------------------------------

// wanted indexes the cards missing metadata by id and by normalized name.
type wanted struct {
	names  map[string]string   // card id -> name
	byName map[string][]string // name key -> card ids
	found  map[string]CardUpdate
}

func (w *wanted) add(id, name string) {
	w.names[id] = name
	key := provider.NameKey(name)
	w.byName[key] = append(w.byName[key], id)
	if front := provider.NameKey(provider.FrontFace(name)); front != key {
		w.byName[front] = append(w.byName[front], id)
	}
}

// match records c for every wanted card it resolves. An oracle id match wins
// over a name match.
func (w *wanted) match(c *scryfall.Card) {
	upd := func(id string, byOracle bool) {
		if prev, ok := w.found[id]; ok && (prev.byOracle || !byOracle) {
			return
		}
		w.found[id] = newCardUpdate(id, c, byOracle)
	}
	if _, ok := w.names[c.OracleID]; ok && c.OracleID != "" {
		upd(c.OracleID, true)
	}
	for _, key := range []string{provider.NameKey(c.Name), provider.NameKey(provider.FrontFace(c.Name))} {
		for _, id := range w.byName[key] {
			upd(id, false)
		}
	}
}

func newCardUpdate(id string, c *scryfall.Card, byOracle bool) CardUpdate {
	return CardUpdate{
		ID:            id,
		TypeLine:      c.EffectiveTypeLine(),
		ManaCost:      c.EffectiveManaCost(),
		CMC:           c.CMC,
		ColorIdentity: provider.ColorIdentity(c.ColorIdentity),
		Data:          c.Raw,
		byOracle:      byOracle,
	}
}

func (e *Enricher) enrichCards(ctx context.Context, cp job.Checkpoint, stats *Stats) (bool, error) {
	w := &wanted{names: map[string]string{}, byName: map[string][]string{}, found: map[string]CardUpdate{}}
	after := ""
	for {
		page, err := e.store.CardsMissingMetadata(ctx, after, PageSize)
		if err != nil {
			return false, err
		}
		for _, c := range page {
			w.add(c.ID, c.Name)
		}
		if len(page) < PageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if len(w.names) == 0 {
		e.logger.Info("No cards missing metadata")
		return true, nil
	}
	e.logger.Info("Cards missing metadata", "count", len(w.names))

	streamed := 0
	err := e.feed.StreamOracleCards(ctx, func(c *scryfall.Card) error {
		w.match(c)
		streamed++
		if streamed%10000 == 0 {
			e.logger.Debug("Scryfall stream progress", "cards", streamed, "matched", len(w.found))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("stream card metadata: %w", err)
	}
	stats.CardsNotFound = len(w.names) - len(w.found)

	updates := make([]CardUpdate, 0, len(w.found))
	for _, u := range w.found {
		updates = append(updates, u)
	}
	slices.SortFunc(updates, func(a, b CardUpdate) int { return strings.Compare(a.ID, b.ID) })
	for start := 0; start < len(updates); start += PageSize {
		if err := cp.Check(ctx); err != nil {
			return false, err
		}
		if start > 0 && cp.Expired() {
			return false, nil
		}
		n, err := e.store.UpdateCards(ctx, updates[start:min(start+PageSize, len(updates))])
		if err != nil {
			return false, err
		}
		stats.CardsEnriched += n
	}
	e.logger.Info("Cards enriched", "count", stats.CardsEnriched, "not_found", stats.CardsNotFound)
	return true, nil
}

// --------------------------------------------------------------------------
// Commanders and tournaments
// --------------------------------------------------------------------------

// enrichCommanders derives each commander's colour identity from its cards.
// Commanders whose cards have no colour identity yet are left for a later run.
func (e *Enricher) enrichCommanders(ctx context.Context, cp job.Checkpoint, stats *Stats) (bool, error) {
	after := ""
	for {
		if err := cp.Check(ctx); err != nil {
			return false, err
		}
		ids, err := e.store.CommandersMissingColor(ctx, after, PageSize)
		if err != nil {
			return false, err
		}
		if len(ids) == 0 {
			break
		}

		var cardIDs []string
		for _, id := range ids {
			cardIDs = append(cardIDs, provider.CommanderCardIDs(id)...)
		}
		identities, err := e.store.CardColorIdentities(ctx, cardIDs)
		if err != nil {
			return false, err
		}

		colors := make(map[string]string, len(ids))
		for _, id := range ids {
			var parts []string
			complete := true
			for _, cid := range provider.CommanderCardIDs(id) {
				ci, ok := identities[cid]
				if !ok {
					complete = false
					break
				}
				parts = append(parts, ci)
			}
			if complete && len(parts) > 0 {
				colors[id] = provider.MergeColorIdentity(parts...)
			}
		}
		n, err := e.store.UpdateCommanderColors(ctx, colors)
		if err != nil {
			return false, err
		}
		stats.CommandersEnriched += n

		if len(ids) < PageSize {
			break
		}
		after = ids[len(ids)-1]
		if cp.Expired() {
			return false, nil
		}
	}
	e.logger.Info("Commanders enriched", "count", stats.CommandersEnriched)
	return true, nil
}

func (e *Enricher) enrichTournaments(ctx context.Context, _ job.Checkpoint, stats *Stats) (bool, error) {
	n, err := e.store.FillBracketURLs(ctx)
	if err != nil {
		return false, err
	}
	stats.TournamentsEnriched = n
	e.logger.Info("Tournaments enriched", "count", n)
	return true, nil
}

// --------------------------------------------------------------------------
// Decklist validation
// --------------------------------------------------------------------------

// validateDecklists pages through entries without a verdict. A validator
// failure leaves the verdict unknown and counts the entry as skipped; the
// page moves on either way.
func (e *Enricher) validateDecklists(ctx context.Context, cp job.Checkpoint, stats *Stats) (bool, error) {
	var after int64
	for {
		if err := cp.Check(ctx); err != nil {
			return false, err
		}
		page, err := e.store.EntriesToValidate(ctx, after, PageSize)
		if err != nil {
			return false, err
		}
		if len(page) == 0 {
			break
		}

		var valid, invalid, skipped atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, entry := range page {
			g.Go(func() error {
				res, err := e.validator.Validate(gctx, entry.Decklist)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					e.logger.Debug("Decklist validation failed", "entry_id", entry.ID, "error", err)
					skipped.Add(1)
					return nil
				}
				if err := e.store.SetDecklistValid(gctx, entry.ID, res.Valid); err != nil {
					return err
				}
				if res.Valid {
					valid.Add(1)
				} else {
					invalid.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}

		stats.DecklistsValid += int(valid.Load())
		stats.DecklistsInvalid += int(invalid.Load())
		stats.DecklistsSkipped += int(skipped.Load())
		stats.DecklistsValidated += int(valid.Load() + invalid.Load())
		e.logger.Info("Decklist validation progress",
			"validated", stats.DecklistsValidated, "skipped", stats.DecklistsSkipped)

		if len(page) < PageSize {
			break
		}
		after = page[len(page)-1].ID
		if cp.Expired() {
			return false, nil
		}
	}
	return true, nil
}
