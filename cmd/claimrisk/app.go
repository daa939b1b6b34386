package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/config"
	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/domain/episode"
	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/domain/risk"
	"github.com/ehr/claimrisk/internal/domain/risk/rules"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
	"github.com/ehr/claimrisk/internal/platform/logging"
	"github.com/ehr/claimrisk/internal/platform/notify"
)

// app is the wired pipeline shared by every subcommand.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	pool   *pgxpool.Pool
	store  cache.Store
	cache  *cache.Aside
	payers claims.PayerRepository

	linker   *episode.Linker
	detector *pattern.Detector
	scorer   *risk.Scorer

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	return newApp(ctx, cfg, log)
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	a.store = cache.NewMemory()
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.CachePrefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.store = r
		a.closers = append(a.closers, func() { r.Close() }) //nolint:errcheck
	} else {
		log.Warn().Msg("REDIS_URL not set, using in-process cache; invalidations are not shared between workers")
	}
	a.cache = cache.NewAside(a.store, cache.NewMetrics(), log.With().Str("component", "cache").Logger())

	var notifier notify.Dispatcher = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
	}

	uow := db.NewUnitOfWork(pool)
	claimRepo := claims.NewClaimRepoPG(pool)
	remitRepo := claims.NewRemittanceRepoPG(pool)
	a.payers = claims.NewPayerRepoPG(pool)
	episodeRepo := episode.NewRepoPG(pool)

	a.linker = episode.NewLinker(episodeRepo, claimRepo, remitRepo, uow,
		episode.WithCache(a.cache),
		episode.WithNotifier(notifier),
		episode.WithLogger(log.With().Str("component", "linker").Logger()),
		episode.WithToleranceDays(cfg.LinkToleranceDays),
		episode.WithTTL(cfg.TTL(cfg.CacheTTLEpisode), cfg.TTL(cfg.CacheTTLEpisode)),
	)

	a.detector = pattern.NewDetector(pattern.NewRepoPG(pool), claimRepo, a.payers, uow,
		pattern.WithCache(a.cache),
		pattern.WithLogger(log.With().Str("component", "detector").Logger()),
		pattern.WithTTL(cfg.TTL(cfg.CacheTTLPatterns), cfg.TTL(cfg.CacheTTLMatch)),
		pattern.WithBatchSize(cfg.DetectBatchSize),
	)

	a.scorer = risk.NewScorer(risk.NewRepoPG(pool), claimRepo,
		rules.Defaults(episodeRepo),
		rules.PayerHistoryModel{Rates: episodeRepo},
		a.detector,
		uow,
		risk.WithWeights(weightsFrom(cfg.RiskWeights)),
		risk.WithCache(a.cache),
		risk.WithNotifier(notifier),
		risk.WithLogger(log.With().Str("component", "scorer").Logger()),
		risk.WithTTL(cfg.TTL(cfg.CacheTTLRisk)),
	)
	return a, nil
}

func weightsFrom(w config.RiskWeights) risk.Weights {
	return risk.Weights{
		Payer:         w.Payer,
		Coding:        w.Coding,
		Documentation: w.Documentation,
		Historical:    w.Historical,
		Pattern:       w.Pattern,
	}
}
