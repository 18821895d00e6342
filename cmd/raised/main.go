// Package main запускает HTTP-сервер сервиса привлечения инвестиций.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/raise-allocation/internal/app"
	"github.com/mmeshcher/raise-allocation/internal/config"
	"github.com/mmeshcher/raise-allocation/internal/handler"
	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/middleware"
	"github.com/mmeshcher/raise-allocation/internal/scheduler"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Fatalw(".env loading error", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("invalid configuration", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	a, err := app.Build(ctx, cfg, collector, logger)
	if err != nil {
		sugar.Fatalw("initialization error", "error", err.Error())
	}
	defer a.Close()

	sched := scheduler.New(a.Service, time.Minute, logger)
	if err := sched.Register(scheduler.Schedules{
		Expiration: cfg.ExpirationSweepCron,
		Reconcile:  cfg.ReconcileCron,
	}); err != nil {
		sugar.Fatalw("scheduler error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(a.Service, logger, authMiddleware, handler.Config{
		WebhookSecret: cfg.WebhookSecret,
		Gatherer:      reg,
		Metrics:       collector,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодические проходы по истёкшим и собранным пулам
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	// Потребитель заданий на распределение, если настроена Kafka
	if a.Consumer != nil {
		g.Go(func() error {
			sugar.Infow("starting allocation consumer", "topic", cfg.KafkaAllocationTopic)
			return a.Consumer.Run(ctx)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting raise server", "addr", cfg.RunAddress, "storage", a.Storage, "dispatch", a.Dispatch)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}
