// Package scheduler запускает периодические фоновые задачи сервиса по расписанию cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper фоновые проходы по пулам.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	ReconcileFunded(ctx context.Context) (int, error)
}

// Schedules расписания в формате cron с секундами.
type Schedules struct {
	Expiration string
	Reconcile  string
}

// Scheduler управляет периодическими задачами.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *zap.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// New создаёт планировщик. timeout ограничивает время одного прохода.
func New(sweeper Sweeper, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register регистрирует задачи. Пустое расписание отключает задачу.
func (s *Scheduler) Register(sch Schedules) error {
	if sch.Expiration != "" {
		if _, err := s.cron.AddFunc(sch.Expiration, s.ExpireNow); err != nil {
			return fmt.Errorf("register expiration sweep: %w", err)
		}
	}
	if sch.Reconcile != "" {
		if _, err := s.cron.AddFunc(sch.Reconcile, s.ReconcileNow); err != nil {
			return fmt.Errorf("register funded reconcile: %w", err)
		}
	}
	return nil
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop останавливает планировщик и дожидается выполняющихся задач.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// ExpireNow выполняет проход по истёкшим пулам.
func (s *Scheduler) ExpireNow() {
	s.run("expiration sweep", s.sweeper.SweepExpired)
}

// ReconcileNow выполняет сверку собранных пулов без распределения.
func (s *Scheduler) ReconcileNow() {
	s.run("funded reconcile", s.sweeper.ReconcileFunded)
}

func (s *Scheduler) run(name string, job func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	n, err := job(ctx)
	if err != nil {
		s.logger.Error(name+" failed", zap.Error(err), zap.Int("processed", n))
		return
	}
	if n > 0 {
		s.logger.Info(name+" completed", zap.Int("processed", n), zap.Duration("elapsed", time.Since(started)))
	}
}
