package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

// InvestInput запрос инвестора на вложение.
type InvestInput struct {
	PoolID        string
	ContributorID string
	AmountCents   int64
}

// InvestResult созданное вложение и данные для завершения оплаты клиентом.
type InvestResult struct {
	Contribution model.Contribution
	ClientSecret string
	// Clipped равен true, если сумма была уменьшена до остатка цели.
	Clipped bool
}

// Invest принимает вложение в открытый пул: проверяет лимиты, при необходимости уменьшает
// сумму до остатка цели, авторизует платёж и сохраняет вложение в статусе PENDING.
func (s *Service) Invest(ctx context.Context, in InvestInput) (*InvestResult, error) {
	if in.ContributorID == "" {
		return nil, fmt.Errorf("%w: contributor id is required", validation.ErrInvalidInput)
	}
	if in.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", validation.ErrInvalidInput)
	}

	pool, err := s.repo.GetPool(ctx, in.PoolID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !pool.AcceptsContributions(now) {
		return nil, fmt.Errorf("%w: pool is not accepting contributions", ErrInvalidState)
	}
	if in.AmountCents < pool.MinContributionCents {
		return nil, fmt.Errorf("%w: amount is below the pool minimum of %d cents", validation.ErrInvalidInput, pool.MinContributionCents)
	}

	if pool.MaxContributionCents > 0 {
		prior, err := s.capturedTotal(ctx, pool.ID, in.ContributorID)
		if err != nil {
			return nil, err
		}
		if prior+in.AmountCents > pool.MaxContributionCents {
			return nil, fmt.Errorf("%w: amount exceeds the per-contributor maximum of %d cents", validation.ErrInvalidInput, pool.MaxContributionCents)
		}
	}

	amount := in.AmountCents
	clipped := false
	if remaining := pool.RemainingCents(); amount > remaining {
		if !s.opts.ClipToRemaining {
			return nil, fmt.Errorf("%w: amount exceeds the remaining %d cents", ErrInvalidState, remaining)
		}
		if remaining < pool.MinContributionCents {
			return nil, fmt.Errorf("%w: remaining %d cents is below the pool minimum", ErrInvalidState, remaining)
		}
		amount = remaining
		clipped = true
	}

	contributionID := uuid.NewString()
	auth, err := s.payments.Authorize(ctx, amount, map[string]string{
		"pool_id":         pool.ID,
		"contribution_id": contributionID,
		"contributor_id":  in.ContributorID,
	})
	if err != nil {
		s.metrics.ObserveCollaboratorError("payment", "authorize")
		s.auditFailure(ctx, pool.ID, AuditPaymentAuthorizeFailed, err, map[string]any{
			"contributor_id": in.ContributorID,
			"amount_cents":   amount,
		})
		s.logger.Error("authorize payment", zap.Error(err), zap.String("pool_id", pool.ID))
		return nil, fmt.Errorf("%w: authorize: %w", ErrPaymentFailed, err)
	}

	c := model.Contribution{
		ID:            contributionID,
		PoolID:        pool.ID,
		ContributorID: in.ContributorID,
		AmountCents:   amount,
		Status:        model.ContributionStatusPending,
		PaymentRef:    auth.Reference,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := s.repo.CreateContribution(ctx, c); err != nil {
		return nil, fmt.Errorf("create contribution: %w", err)
	}

	s.metrics.ObserveContribution(metrics.OutcomeAccepted, amount)
	s.audit(ctx, pool.ID, AuditContributionCreated, map[string]any{
		"contribution_id": c.ID,
		"contributor_id":  c.ContributorID,
		"requested_cents": in.AmountCents,
		"amount_cents":    amount,
		"clipped":         clipped,
		"payment_ref":     c.PaymentRef,
	})

	return &InvestResult{Contribution: c, ClientSecret: auth.ClientSecret, Clipped: clipped}, nil
}

// OnPaymentAuthorized отмечает авторизацию платежа и запрашивает его списание в шлюзе.
func (s *Service) OnPaymentAuthorized(ctx context.Context, paymentRef string) error {
	c, err := s.repo.GetContributionByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}

	switch c.Status {
	case model.ContributionStatusPending:
		_, err := s.repo.SetContributionStatus(ctx, c.ID,
			[]model.ContributionStatus{model.ContributionStatusPending},
			model.ContributionStatusAuthorized,
		)
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return err
		}
		if err == nil {
			s.audit(ctx, c.PoolID, AuditPaymentAuthorized, map[string]any{"contribution_id": c.ID, "payment_ref": paymentRef})
		}
	case model.ContributionStatusAuthorized:
	default:
		s.logger.Debug("authorization for settled contribution ignored",
			zap.String("contribution_id", c.ID),
			zap.String("status", string(c.Status)),
		)
		return nil
	}

	if err := s.payments.Capture(ctx, paymentRef); err != nil {
		s.metrics.ObserveCollaboratorError("payment", "capture")
		s.auditFailure(ctx, c.PoolID, AuditPaymentCaptureFailed, err, map[string]any{"contribution_id": c.ID})
		return fmt.Errorf("%w: capture: %w", ErrPaymentFailed, err)
	}
	return nil
}

// OnPaymentSucceeded учитывает подтверждённый платёж. Повторное уведомление ничего не меняет.
// Платёж, переведший пул в FUNDED, планирует распределение через диспетчер.
// Платёж в отменённый, истёкший, закрытый или уже распределённый пул сразу возвращается.
func (s *Service) OnPaymentSucceeded(ctx context.Context, paymentRef string) error {
	res, err := s.repo.CaptureContribution(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotCapturable) {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return err
	}

	c, pool := res.Contribution, res.Pool
	if res.AlreadyCaptured {
		s.logger.Debug("duplicate payment success notification", zap.String("contribution_id", c.ID))
		return nil
	}

	s.metrics.ObserveContribution(metrics.OutcomeCaptured, c.AmountCents)
	s.audit(ctx, pool.ID, AuditContributionCaptured, map[string]any{
		"contribution_id": c.ID,
		"contributor_id":  c.ContributorID,
		"amount_cents":    c.AmountCents,
		"raised_cents":    pool.RaisedCents,
	})

	switch {
	case res.FundedNow:
		s.onFunded(ctx, pool)
	case res.Settled || pool.Status == model.PoolStatusCancelled || pool.Status == model.PoolStatusExpired:
		s.logger.Warn("late capture on settled pool, refunding",
			zap.String("pool_id", pool.ID),
			zap.String("contribution_id", c.ID),
		)
		s.refundContribution(ctx, c)
	}

	return nil
}

// OnPaymentFailed отмечает отклонённый платёж.
func (s *Service) OnPaymentFailed(ctx context.Context, paymentRef, reason string) error {
	c, err := s.repo.GetContributionByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}

	_, err = s.repo.SetContributionStatus(ctx, c.ID,
		[]model.ContributionStatus{model.ContributionStatusPending, model.ContributionStatusAuthorized},
		model.ContributionStatusFailed,
	)
	if errors.Is(err, repository.ErrConflict) {
		s.logger.Debug("failure for settled contribution ignored", zap.String("contribution_id", c.ID))
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.ObserveContribution(metrics.OutcomeFailed, c.AmountCents)
	s.audit(ctx, c.PoolID, AuditPaymentFailed, map[string]any{
		"contribution_id": c.ID,
		"payment_ref":     paymentRef,
		"reason":          reason,
	})
	return nil
}

func (s *Service) onFunded(ctx context.Context, pool model.Pool) {
	s.metrics.ObserveTransition(model.PoolStatusFunded)
	s.audit(ctx, pool.ID, AuditPoolFunded, map[string]any{
		"raised_cents": pool.RaisedCents,
		"goal_cents":   pool.GoalCents,
	})
	s.logger.Info("pool funded", zap.String("pool_id", pool.ID), zap.Int64("raised_cents", pool.RaisedCents))

	if s.dispatcher == nil {
		return
	}

	notBefore := s.now().Add(s.opts.AllocationDelay).UTC()
	if err := s.dispatcher.ScheduleAllocation(ctx, pool.ID, notBefore); err != nil {
		s.metrics.ObserveCollaboratorError("dispatcher", "schedule_allocation")
		s.auditFailure(ctx, pool.ID, AuditAllocationScheduleFailed, err, nil)
		s.logger.Error("schedule allocation", zap.Error(err), zap.String("pool_id", pool.ID))
		return
	}
	s.audit(ctx, pool.ID, AuditAllocationScheduled, map[string]any{"not_before": notBefore})
}

func (s *Service) capturedTotal(ctx context.Context, poolID, contributorID string) (int64, error) {
	contributions, err := s.repo.ListContributionsByPool(ctx, poolID)
	if err != nil {
		return 0, fmt.Errorf("list contributions: %w", err)
	}

	var total int64
	for _, c := range contributions {
		if c.ContributorID == contributorID && c.Status == model.ContributionStatusCaptured {
			total += c.AmountCents
		}
	}
	return total, nil
}
