// Package app provides the application bootstrap and runtime orchestration.
//
// The App type wires together all dependencies and exposes methods to run
// the operational modes:
//
//   - Worker mode: background score sweep and fraud scan, plus the live
//     fraud event monitor
//   - Sweep mode: one aggregate reconciliation pass, then exit
//
// The engine facade itself is a library surface; transports embed an App
// and call Engine().
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicpulse/question-engine/internal/cluster"
	"github.com/civicpulse/question-engine/internal/core/domain"
	"github.com/civicpulse/question-engine/internal/dedup"
	"github.com/civicpulse/question-engine/internal/embeddings"
	"github.com/civicpulse/question-engine/internal/engine"
	"github.com/civicpulse/question-engine/internal/fraud"
	"github.com/civicpulse/question-engine/internal/platform/config"
	"github.com/civicpulse/question-engine/internal/platform/observability"
	"github.com/civicpulse/question-engine/internal/platform/worker"
	"github.com/civicpulse/question-engine/internal/portfolio"
	"github.com/civicpulse/question-engine/internal/score"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// The worker has no poll step, only periodic tasks; the interval just
// bounds how often the loop wakes to check them.
const workerPollInterval = time.Second

// App holds the application dependencies and provides methods to run
// different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger

	engine  *engine.Engine
	monitor *fraud.Monitor
	sweeper *score.Sweeper
}

// New wires the engine from configuration.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	scorer := score.New(cfg.WilsonZ)
	registry := newEmbeddingRegistry(cfg, logger)

	index := dedup.NewIndex(database, cfg.EmbeddingDimensions, cfg.DuplicateSimilarity, cfg.RelatedSimilarity)
	fallback := dedup.NewFallback(database)
	manager := cluster.NewManager(database, registry, index, fallback, logger)

	monitor := fraud.NewMonitor(database, fraud.Config{
		VelocityPerMinute:  cfg.FraudVelocityPerMinute,
		YoungAccountAge:    cfg.FraudYoungAccountAge,
		YoungAccountShare:  cfg.FraudYoungAccountShare,
		FingerprintPerHour: cfg.FraudFingerprintPerHour,
		Window:             cfg.FraudWindow,
		EventBuffer:        cfg.FraudEventBuffer,
	}, logger)

	eng := engine.New(database, manager, scorer, monitor, engine.Options{
		Taxonomy: domain.NewTaxonomy(cfg.IssueTags),
		Portfolio: portfolio.Config{
			CapFraction:   cfg.IssueCapFraction,
			ReservedSlots: cfg.ReservedMinoritySlots,
		},
		DefaultTopN: cfg.DefaultTopN,
	}, logger)

	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
		engine:   eng,
		monitor:  monitor,
		sweeper:  score.NewSweeper(database, scorer, logger),
	}
}

// Engine returns the engine facade for transports.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// StartHealthServer starts the health check and metrics server.
func (a *App) StartHealthServer(ctx context.Context) error {
	srv := observability.NewServer(a.database, a.cfg.HealthPort, a.logger)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("health server start: %w", err)
	}

	return nil
}

// RunWorker runs the background mode: the live fraud monitor plus periodic
// score sweep and fraud scan tasks.
func (a *App) RunWorker(ctx context.Context) error {
	a.logger.Info().Msg("Starting worker mode")

	go a.monitor.Run(ctx)

	return worker.Loop(ctx, worker.Config{
		Name:         "engine-worker",
		PollInterval: workerPollInterval,
		PeriodicTasks: []worker.PeriodicTask{
			{
				Name:     "score-sweep",
				Interval: a.cfg.SweepInterval,
				Run:      a.runSweep,
			},
			{
				Name:     "fraud-scan",
				Interval: a.cfg.FraudScanInterval,
				Run:      a.runFraudScan,
			},
		},
		Logger: a.logger,
	})
}

// RunSweepOnce runs one reconciliation pass and exits. With a contest id it
// rebuilds only that contest's aggregates; otherwise it sweeps everything.
// Used for operational repair and in migrations.
func (a *App) RunSweepOnce(ctx context.Context, contestID string) error {
	if contestID != "" {
		a.logger.Info().Str("contest_id", contestID).Msg("Starting contest rebuild")

		return a.sweeper.RebuildContest(ctx, contestID)
	}

	a.logger.Info().Msg("Starting one-shot sweep")

	return a.sweeper.Run(ctx)
}

func (a *App) runSweep(ctx context.Context) {
	defer worker.RecoverPanic(a.logger, "score sweep")

	if err := a.sweeper.Run(ctx); err != nil {
		a.logger.Error().Err(err).Msg("score sweep failed")
	}
}

func (a *App) runFraudScan(ctx context.Context) {
	defer worker.RecoverPanic(a.logger, "fraud scan")

	if err := a.monitor.Scan(ctx); err != nil {
		a.logger.Error().Err(err).Msg("fraud scan failed")
	}
}

// newEmbeddingRegistry builds the provider chain. The deterministic local
// provider is only registered when no remote provider is configured: a
// remote outage must surface as a registry error so submissions degrade to
// text matching, never to locally fabricated vectors landing in the index.
func newEmbeddingRegistry(cfg *config.Config, logger *zerolog.Logger) *embeddings.Registry {
	registry := embeddings.NewRegistry(embeddings.RegistryConfig{
		TargetDimension: cfg.EmbeddingDimensions,
		CallTimeout:     cfg.EmbeddingTimeout,
		Retries:         cfg.EmbeddingRetries,
	}, logger)

	if cfg.EmbeddingAPIKey != "" {
		registry.Register(embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:     cfg.EmbeddingAPIKey,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
			RateLimit:  cfg.EmbeddingRateLimit,
		}), embeddings.DefaultCircuitBreakerConfig())

		return registry
	}

	registry.Register(embeddings.NewMockProviderWithDimensions(cfg.EmbeddingDimensions), embeddings.DefaultCircuitBreakerConfig())

	return registry
}
