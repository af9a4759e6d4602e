package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tournevent/shipgate/internal/cache"
	"github.com/tournevent/shipgate/internal/config"
	"github.com/tournevent/shipgate/internal/events"
	"github.com/tournevent/shipgate/internal/fulfillment"
	"github.com/tournevent/shipgate/internal/idempotency"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/ledger"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/storage/memory"
	"github.com/tournevent/shipgate/internal/storage/postgres"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/carrier/canadapost"
	"github.com/tournevent/shipgate/pkg/carrier/freightcom"
	"github.com/tournevent/shipgate/pkg/carrier/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(cfg *config.Config) (*otelzap.Logger, error) {
	return telemetry.NewLogger(cfg.LogLevel, zap.String("service", cfg.ServiceName))
}

func initTracer(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return func(context.Context) error { return nil }, nil
	}

	_, shutdown, err := telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Attributes()...)
	return shutdown, err
}

// app holds the wired service and what must be released on exit.
type app struct {
	orchestrator *fulfillment.Orchestrator
	registry     *carrier.Registry
	metrics      *telemetry.Metrics
	publisher    events.Publisher
	pool         *pgxpool.Pool
	logger       *otelzap.Logger
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("Failed to close event publisher", zap.Error(err))
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func initApp(ctx context.Context, cfg *config.Config, logger *otelzap.Logger) (*app, error) {
	metrics := telemetry.NewMetrics()

	store, pool, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	balances, err := cache.New[string, storage.Balance](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("balance cache: %w", err)
	}
	results, err := cache.New[keylock.OrderKey, idempotency.Entry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}

	registry := initCarrierRegistry(cfg, store, logger)
	publisher := initPublisher(cfg, logger, metrics)

	orch := fulfillment.New(fulfillment.Config{
		CarrierTimeout:      cfg.CarrierTimeout,
		QuoteMaxAttempts:    cfg.QuoteMaxAttempts,
		QuoteInitialBackoff: cfg.QuoteInitialBackoff,
		QuoteMaxBackoff:     cfg.QuoteMaxBackoff,
		RefundMaxAttempts:   cfg.RefundMaxAttempts,
	}, fulfillment.Deps{
		Store:       store,
		Registry:    registry,
		Ledger:      ledger.New(store, balances, logger, metrics),
		Idempotency: idempotency.New(store, results, cfg.IdempotencyTTL, logger, metrics),
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      telemetry.Tracer(cfg.ServiceName),
	})

	return &app{
		orchestrator: orch,
		registry:     registry,
		metrics:      metrics,
		publisher:    publisher,
		pool:         pool,
		logger:       logger,
	}, nil
}

func initStore(ctx context.Context, cfg *config.Config) (storage.Store, *pgxpool.Pool, error) {
	if cfg.StorageDriver != config.StoragePostgres {
		return memory.New(), nil, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(pool), pool, nil
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StorageDriver != config.StoragePostgres {
		return errors.New("migrate: STORAGE_DRIVER is not postgres")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return postgres.Migrate(ctx, pool)
}

func initCarrierRegistry(cfg *config.Config, creds carrier.CredentialSource, logger *otelzap.Logger) *carrier.Registry {
	registry := carrier.NewRegistry(creds)

	if cfg.FreightcomEnabled {
		registry.Register(freightcom.CarrierName, freightcom.NewFactory(freightcom.Config{
			BaseURL:      cfg.FreightcomBaseURL,
			Timeout:      cfg.CarrierTimeout,
			PollInterval: cfg.FreightcomPollInterval,
			UseMock:      cfg.FreightcomUseMock,
		}, logger, telemetry.Tracer(freightcom.CarrierName)))
	}

	if cfg.CanadaPostEnabled {
		registry.Register(canadapost.CarrierName, canadapost.NewFactory(canadapost.Config{
			BaseURL: cfg.CanadaPostBaseURL,
			Timeout: cfg.CarrierTimeout,
			UseMock: cfg.CanadaPostUseMock,
		}, logger, telemetry.Tracer(canadapost.CarrierName)))
	}

	if cfg.MockCarrierEnabled {
		registry.Register("mock", mock.NewFactory("mock"))
	}

	return registry
}

func initPublisher(cfg *config.Config, logger *otelzap.Logger, metrics *telemetry.Metrics) events.Publisher {
	if !cfg.KafkaEnabled {
		return events.Nop{}
	}
	return events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	}, logger, metrics)
}
