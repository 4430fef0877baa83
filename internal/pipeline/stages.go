package pipeline

import (
	"context"
	"log/slog"

	"github.com/albapepper/cedh-data/internal/aggregate"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/enrich"
	"github.com/albapepper/cedh-data/internal/fetch"
	"github.com/albapepper/cedh-data/internal/ingest"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/lock"
	"github.com/albapepper/cedh-data/internal/provider/moxfield"
	"github.com/albapepper/cedh-data/internal/provider/scrollrack"
	"github.com/albapepper/cedh-data/internal/provider/scryfall"
	"github.com/albapepper/cedh-data/internal/provider/topdeck"
)

// Stages holds the three concrete stages built from configuration.
type Stages struct {
	Syncer     Syncer
	Enricher   *enrich.Enricher
	Aggregator *aggregate.Aggregator
}

// NewStages builds every stage on one pool. A missing TOPDECK_API_KEY does
// not prevent enrich or aggregate from running: the syncer reports the
// configuration error when a sync is attempted.
func NewStages(cfg *config.Config, pool *db.Pool, locker lock.Locker, logger *slog.Logger) *Stages {
	deckFetch := fetch.New(fetch.Options{
		RequestsPerSecond: cfg.DeckRequestsPerSecond,
		MaxRetries:        cfg.DeckMaxRetries,
		UserAgent:         "cedh-data/1.0",
		Logger:            logger.With("upstream", "moxfield"),
	})

	var syncer Syncer
	if err := cfg.RequireTopdeck(); err != nil {
		syncer = unconfiguredSyncer{err: err}
	} else {
		syncer = ingest.NewSyncer(
			topdeck.NewClient(cfg.TopdeckAPIURL, cfg.TopdeckAPIKey, topdeck.DefaultRequestsPerMinute, logger),
			moxfield.NewClient(cfg.MoxfieldAPIURL, deckFetch),
			ingest.NewPgStore(pool, logger),
			cfg.SyncConcurrency,
			logger,
		)
	}

	return &Stages{
		Syncer: syncer,
		Enricher: enrich.NewEnricher(
			enrich.NewPgStore(pool),
			scryfall.NewClient(cfg.ScryfallBulkURL, logger),
			scrollrack.NewClient(cfg.ScrollrackURL, logger),
			cfg.ValidationConcurrency,
			logger,
		),
		Aggregator: aggregate.NewAggregator(aggregate.NewPgStore(pool), locker, logger),
	}
}

// unconfiguredSyncer fails every run with the configuration error. The
// error is a FatalConfigError, so the worker records it without retrying.
type unconfiguredSyncer struct{ err error }

func (u unconfiguredSyncer) Run(context.Context, ingest.Options, job.Checkpoint) (*ingest.SyncStats, error) {
	return nil, u.err
}
