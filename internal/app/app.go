// Package app собирает зависимости сервиса по конфигурации для обоих бинарников.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/config"
	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/payment"
	"github.com/mmeshcher/raise-allocation/internal/queue"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/service"
	"github.com/mmeshcher/raise-allocation/internal/verification"
)

// App собранный сервис и его фоновые компоненты.
type App struct {
	Service *service.Service
	// Consumer задан, только если распределение идёт через Kafka.
	Consumer *queue.KafkaConsumer
	Storage  string
	Dispatch string

	closers []func() error
}

// Close освобождает ресурсы в обратном порядке создания.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// Build собирает зависимости сервиса по конфигурации. Пустые адреса внешних систем
// заменяются реализациями внутри процесса.
func Build(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("database initialization: %w", err)
		}
		repo, a.Storage = pg, "postgres"
	} else {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		repo, a.Storage = repository.NewMemoryRepository(), "memory"
	}
	// Хранилище закрывается последним, после остановки диспетчеров.
	a.closers = append(a.closers, repo.Close)

	verifier, err := buildVerifier(ctx, a, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := allocation.NewEngine(cfg.Settings.Allocation)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("allocation engine: %w", err)
	}

	var svc *service.Service
	allocate := func(ctx context.Context, poolID string) error {
		return svc.AllocateAndPayout(ctx, poolID)
	}

	var dispatcher service.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		kd, err := queue.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaAllocationTopic)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, kd.Close)

		consumer, err := queue.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaAllocationTopic, allocate, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, consumer.Close)
		dispatcher, a.Consumer, a.Dispatch = kd, consumer, "kafka"
	} else {
		td := queue.NewTimerDispatcher(allocate, 0, logger)
		a.closers = append(a.closers, td.Close)
		dispatcher, a.Dispatch = td, "timer"
	}

	opts := service.DefaultOptions()
	opts.Limits = cfg.Settings.Limits
	opts.ClipToRemaining = cfg.Settings.Lifecycle.ClipToRemaining
	opts.AllocationDelay = cfg.Settings.Lifecycle.AllocationDelay

	svc, err = service.NewService(service.Deps{
		Repo:       repo,
		Payments:   payment.NewClient(cfg.PaymentGatewayAddress, cfg.PaymentGatewayKey, payment.WithLogger(logger)),
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Engine:     engine,
		Metrics:    collector,
		Logger:     logger,
	}, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc

	return a, nil
}

func buildVerifier(ctx context.Context, a *App, cfg *config.Config, logger *zap.Logger) (service.Verifier, error) {
	var next verification.Verifier
	if cfg.VerificationAddress != "" {
		next = verification.NewClient(cfg.VerificationAddress, cfg.VerificationKey)
	} else {
		logger.Warn("VERIFICATION_ADDRESS is empty, every party is treated as verified")
		next = verification.NewStatic()
	}

	var store verification.Store = verification.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := verification.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("verification cache: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store = verification.NewRedisStore(client)
	}

	return verification.NewCachedVerifier(next, store, cfg.VerificationCacheTTL, logger), nil
}
