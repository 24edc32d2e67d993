// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/clock/system"
	"github.com/JakeFAU/ani-regulations/internal/config"
	"github.com/JakeFAU/ani-regulations/internal/dedup"
	"github.com/JakeFAU/ani-regulations/internal/extract"
	collyfetcher "github.com/JakeFAU/ani-regulations/internal/fetcher/colly"
	"github.com/JakeFAU/ani-regulations/internal/id/uuid"
	"github.com/JakeFAU/ani-regulations/internal/metrics"
	"github.com/JakeFAU/ani-regulations/internal/pipeline"
	"github.com/JakeFAU/ani-regulations/internal/policy/ratelimit"
	"github.com/JakeFAU/ani-regulations/internal/probe"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
	"github.com/JakeFAU/ani-regulations/internal/storage/postgres"
	"github.com/JakeFAU/ani-regulations/internal/validation"
)

// Store is what the pipeline and the readiness probe need from persistence.
type Store interface {
	dedup.Store
	pipeline.LatestStore
	Ping(ctx context.Context) error
	Close()
}

// App holds the shared services of one process: the logger, the database
// store and the assembled pipeline.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    Store
	pipeline *pipeline.Pipeline
}

// Connector opens the database store. Tests replace it.
type Connector func(ctx context.Context, cfg config.DBConfig) (Store, error)

// PostgresConnector opens a pgx pool against cfg.
func PostgresConnector(ctx context.Context, cfg config.DBConfig) (Store, error) {
	store, err := postgres.Connect(ctx, postgres.Config{
		DSN:              cfg.DSN(),
		RegulationsTable: cfg.RegulationsTable,
		ComponentTable:   cfg.ComponentTable,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// New connects the store and assembles the pipeline. It fails fast when any
// service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, connect Connector) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connect == nil {
		connect = PostgresConnector
	}
	logger.Info("initializing application services",
		zap.String("entity", cfg.Source.Entity),
		zap.String("db_host", cfg.DB.Host),
		zap.String("regulations_table", cfg.DB.RegulationsTable),
	)

	store, err := connect(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	p, err := buildPipeline(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("application services initialized")
	return &App{cfg: cfg, logger: logger, store: store, pipeline: p}, nil
}

func buildPipeline(cfg config.Config, store Store, logger *zap.Logger) (*pipeline.Pipeline, error) {
	recorder := metrics.NewRecorder()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTPTimeout(),
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Source.RequestsPerSecond,
		DefaultBurst: 1,
	}, recorder)

	extractor, err := extract.New(extract.Config{
		BaseURL:          cfg.Source.BaseURL,
		Origin:           cfg.Source.Origin,
		Entity:           cfg.Source.Entity,
		ClassificationID: cfg.Source.ClassificationID,
		PageConcurrency:  cfg.Source.PageConcurrency,
	},
		fetcher,
		regulation.NewClassifier(cfg.Source.KeywordRules, cfg.Source.DefaultRTypeID),
		system.New(),
		extract.WithLimiter(limiter),
		extract.WithObserver(recorder),
		extract.WithLogger(logger.Named("extract")),
	)
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	rulesPath := cfg.Validation.RulesPath
	p, err := pipeline.New(pipeline.Config{
		Entity:     cfg.Source.Entity,
		ProbePages: cfg.Source.ProbePages,
	}, pipeline.Deps{
		Prober:    probe.New(extractor, logger.Named("probe")),
		Extractor: extractor,
		Writer:    dedup.NewWriter(store, cfg.Source.ComponentID, logger.Named("writer")),
		Latest:    store,
		Rules:     func() (validation.Ruleset, error) { return validation.LoadRuleset(rulesPath) },
		IDs:       uuid.New(),
		Observer:  recorder,
		Logger:    logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	return p, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the database store, mainly for readiness checks.
func (a *App) Store() Store {
	return a.store
}

// Pipeline returns the assembled ingest pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Close releases the database pool.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.store != nil {
		a.store.Close()
	}
}
