// Package service реализует жизненный цикл раунда привлечения: создание пула, приём вложений,
// подтверждение платежей, распределение инструмента, выплату бизнесу и возвраты.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

var (
	// ErrInvalidState возвращается, если операция недопустима в текущем статусе пула или вложения.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotVerified возвращается, если бизнес или инвестор не прошли верификацию.
	ErrNotVerified = errors.New("party is not verified")
	// ErrPaymentFailed оборачивает ошибки платёжного шлюза.
	ErrPaymentFailed = errors.New("payment gateway failure")
	// ErrVerificationFailed оборачивает ошибки сервиса верификации.
	ErrVerificationFailed = errors.New("verification service failure")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreatePool(ctx context.Context, pool model.Pool) error
	GetPool(ctx context.Context, id string) (*model.Pool, error)
	TransitionPool(ctx context.Context, id string, from []model.PoolStatus, to model.PoolStatus) (*model.Pool, error)
	CancelPool(ctx context.Context, id string) (*model.Pool, error)
	ExtendPool(ctx context.Context, id string, expiresAt time.Time) (*model.Pool, error)
	ListPoolsDueForExpiration(ctx context.Context, now time.Time, limit int) ([]model.Pool, error)
	ListFundedWithoutAllocations(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Pool, error)
	CreateContribution(ctx context.Context, c model.Contribution) error
	GetContributionByPaymentRef(ctx context.Context, ref string) (*model.Contribution, error)
	ListContributionsByPool(ctx context.Context, poolID string) ([]model.Contribution, error)
	SetContributionStatus(ctx context.Context, id string, from []model.ContributionStatus, to model.ContributionStatus) (*model.Contribution, error)
	CaptureContribution(ctx context.Context, paymentRef string) (*repository.CaptureResult, error)
	RefundContribution(ctx context.Context, contributionID, refundRef string) (*model.Pool, error)
	HasAllocations(ctx context.Context, poolID string) (bool, error)
	CreateAllocations(ctx context.Context, poolID string, allocations []model.Allocation) error
	ListAllocationsByPool(ctx context.Context, poolID string) ([]model.Allocation, error)
	CreatePayout(ctx context.Context, p model.Payout) error
	UpdatePayout(ctx context.Context, p model.Payout) error
	ListPayoutsByPool(ctx context.Context, poolID string) ([]model.Payout, error)
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAuditByPool(ctx context.Context, poolID string) ([]model.AuditEntry, error)
}

// PaymentGateway внешний платёжный шлюз.
type PaymentGateway interface {
	Authorize(ctx context.Context, amountCents int64, metadata map[string]string) (model.PaymentAuthorization, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) (string, error)
	Transfer(ctx context.Context, amountCents int64, payeeID string, metadata map[string]string) (string, error)
}

// Verifier проверяет, прошла ли сторона (бизнес или инвестор) верификацию личности.
type Verifier interface {
	IsVerified(ctx context.Context, partyID string) (bool, error)
}

// Dispatcher откладывает запуск распределения для собранного пула.
type Dispatcher interface {
	ScheduleAllocation(ctx context.Context, poolID string, notBefore time.Time) error
}

// Deps внешние зависимости сервиса.
type Deps struct {
	Repo       Repository
	Payments   PaymentGateway
	Verifier   Verifier
	Dispatcher Dispatcher
	Engine     *allocation.Engine
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Options настройки жизненного цикла.
type Options struct {
	Limits validation.Limits
	// ClipToRemaining уменьшает вложение до остатка цели вместо отказа.
	ClipToRemaining bool
	// AllocationDelay задержка между сбором пула и распределением.
	AllocationDelay time.Duration
	// SweepBatchSize ограничивает число пулов, обрабатываемых за один проход фоновых задач.
	SweepBatchSize int
	Now            func() time.Time
}

// DefaultOptions возвращает настройки по умолчанию.
func DefaultOptions() Options {
	return Options{
		Limits:          validation.DefaultLimits(),
		ClipToRemaining: true,
		AllocationDelay: 5 * time.Second,
		SweepBatchSize:  100,
	}
}

// Service содержит бизнес-логику жизненного цикла раунда.
type Service struct {
	repo       Repository
	payments   PaymentGateway
	verifier   Verifier
	dispatcher Dispatcher
	engine     *allocation.Engine
	metrics    *metrics.Collector
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

// NewService создаёт сервис. Отсутствующий логгер заменяется пустым, отсутствующий движок
// создаётся с настройками по умолчанию.
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("service: repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("service: payment gateway is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("service: verifier is required")
	}

	if err := opts.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("service: limits: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	engine := deps.Engine
	if engine == nil {
		var err error
		engine, err = allocation.NewEngine(allocation.DefaultConfig(), allocation.WithClock(now))
		if err != nil {
			return nil, err
		}
	}

	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = DefaultOptions().SweepBatchSize
	}

	return &Service{
		repo:       deps.Repo,
		payments:   deps.Payments,
		verifier:   deps.Verifier,
		dispatcher: deps.Dispatcher,
		engine:     engine,
		metrics:    deps.Metrics,
		logger:     logger,
		opts:       opts,
		now:        now,
	}, nil
}

func (s *Service) audit(ctx context.Context, poolID, typ string, payload map[string]any) {
	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		PoolID:    poolID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("append audit entry",
			zap.Error(err),
			zap.String("pool_id", poolID),
			zap.String("type", typ),
		)
	}
}

func (s *Service) auditFailure(ctx context.Context, poolID, typ string, err error, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["error"] = err.Error()
	s.audit(ctx, poolID, typ, payload)
}

func (s *Service) checkVerified(ctx context.Context, poolID, partyID, role string) error {
	ok, err := s.verifier.IsVerified(ctx, partyID)
	if err != nil {
		s.metrics.ObserveCollaboratorError("verification", "is_verified")
		s.auditFailure(ctx, poolID, AuditVerificationFailed, err, map[string]any{"party_id": partyID, "role": role})
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !ok {
		s.logger.Info("party is not verified", zap.String("pool_id", poolID), zap.String("party_id", partyID), zap.String("role", role))
		return fmt.Errorf("%w: %s", ErrNotVerified, role)
	}
	return nil
}
