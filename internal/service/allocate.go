package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/fee"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
)

// maxAllocationAttempts ограничивает пересчёт, если во время расчёта пришли новые подтверждения.
const maxAllocationAttempts = 3

// AllocateAndPayout распределяет инструмент между инвесторами собранного пула и переводит
// средства бизнесу. Повторный вызов для пула с аллокациями ничего не делает.
// При ошибке перевода выплата помечается FAILED, пул остаётся FUNDED.
func (s *Service) AllocateAndPayout(ctx context.Context, poolID string) error {
	has, err := s.repo.HasAllocations(ctx, poolID)
	if err != nil {
		return fmt.Errorf("check allocations: %w", err)
	}
	if has {
		s.logger.Debug("pool already allocated", zap.String("pool_id", poolID))
		return nil
	}

	for attempt := 1; ; attempt++ {
		pool, res, err := s.allocate(ctx, poolID)
		switch {
		case err == nil:
			s.metrics.ObserveAllocations(pool.Terms.Instrument(), len(res.Allocations))
			s.audit(ctx, poolID, AuditAllocationsCreated, map[string]any{
				"count":                 len(res.Allocations),
				"instrument":            string(pool.Terms.Instrument()),
				"total_principal_cents": res.TotalPrincipalAllocatedCents,
				"remaining_goal_cents":  res.RemainingGoalCents,
			})
			s.logger.Info("allocations created", zap.String("pool_id", poolID), zap.Int("count", len(res.Allocations)))
			return s.releasePayout(ctx, pool)
		case errors.Is(err, repository.ErrConflict):
			s.logger.Info("allocations created concurrently", zap.String("pool_id", poolID))
			return nil
		case errors.Is(err, repository.ErrStale) && attempt < maxAllocationAttempts:
			s.logger.Info("pool changed during allocation, recomputing",
				zap.String("pool_id", poolID),
				zap.Int("attempt", attempt),
			)
		case errors.Is(err, repository.ErrStale):
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		default:
			return err
		}
	}
}

// allocate рассчитывает и сохраняет аллокации по текущему состоянию пула.
func (s *Service) allocate(ctx context.Context, poolID string) (*model.Pool, allocation.Result, error) {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, allocation.Result{}, err
	}
	if pool.Status != model.PoolStatusFunded {
		return nil, allocation.Result{}, fmt.Errorf("%w: pool is %s, expected %s", ErrInvalidState, pool.Status, model.PoolStatusFunded)
	}

	contributions, err := s.repo.ListContributionsByPool(ctx, poolID)
	if err != nil {
		return nil, allocation.Result{}, fmt.Errorf("list contributions: %w", err)
	}

	if err := s.verifyParties(ctx, pool, contributions); err != nil {
		s.auditFailure(ctx, poolID, AuditAllocationFailed, err, nil)
		return nil, allocation.Result{}, err
	}

	res, err := s.engine.Compute(*pool, contributions)
	if err != nil {
		s.auditFailure(ctx, poolID, AuditAllocationFailed, err, nil)
		return nil, allocation.Result{}, err
	}

	if err := s.repo.CreateAllocations(ctx, poolID, res.Allocations); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrStale) {
			return nil, allocation.Result{}, err
		}
		return nil, allocation.Result{}, fmt.Errorf("create allocations: %w", err)
	}
	return pool, res, nil
}

// RetryPayout повторяет выплату для собранного пула, предыдущая выплата которого завершилась ошибкой.
func (s *Service) RetryPayout(ctx context.Context, poolID string) error {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status != model.PoolStatusFunded {
		return fmt.Errorf("%w: pool is %s, expected %s", ErrInvalidState, pool.Status, model.PoolStatusFunded)
	}

	has, err := s.repo.HasAllocations(ctx, poolID)
	if err != nil {
		return fmt.Errorf("check allocations: %w", err)
	}
	if !has {
		return fmt.Errorf("%w: pool has no allocations yet", ErrInvalidState)
	}

	payouts, err := s.repo.ListPayoutsByPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("list payouts: %w", err)
	}
	for _, p := range payouts {
		if p.Status != model.PayoutStatusFailed {
			return fmt.Errorf("%w: pool has a %s payout", ErrInvalidState, p.Status)
		}
	}

	return s.releasePayout(ctx, pool)
}

// PreviewAllocations рассчитывает аллокации по текущим подтверждённым вложениям без сохранения.
func (s *Service) PreviewAllocations(ctx context.Context, poolID string) (allocation.Result, error) {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return allocation.Result{}, err
	}

	contributions, err := s.repo.ListContributionsByPool(ctx, poolID)
	if err != nil {
		return allocation.Result{}, fmt.Errorf("list contributions: %w", err)
	}

	return s.engine.Compute(*pool, contributions)
}

// ListAllocations возвращает сохранённые аллокации пула.
func (s *Service) ListAllocations(ctx context.Context, poolID string) ([]model.Allocation, error) {
	if _, err := s.repo.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return s.repo.ListAllocationsByPool(ctx, poolID)
}

func (s *Service) verifyParties(ctx context.Context, pool *model.Pool, contributions []model.Contribution) error {
	if err := s.checkVerified(ctx, pool.ID, pool.BusinessID, "business"); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, c := range contributions {
		if c.Status != model.ContributionStatusCaptured {
			continue
		}
		if _, ok := seen[c.ContributorID]; ok {
			continue
		}
		seen[c.ContributorID] = struct{}{}

		if err := s.checkVerified(ctx, pool.ID, c.ContributorID, "contributor"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) releasePayout(ctx context.Context, pool *model.Pool) error {
	split := fee.Split(pool.GoalCents, s.engine.Config().PlatformFeeBps)
	now := s.now().UTC()

	payout := model.Payout{
		ID:          uuid.NewString(),
		PoolID:      pool.ID,
		AmountCents: split.NetCents,
		FeeCents:    split.FeeCents,
		Status:      model.PayoutStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreatePayout(ctx, payout); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: payout already in progress", ErrInvalidState)
		}
		if errors.Is(err, repository.ErrStale) {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return fmt.Errorf("create payout: %w", err)
	}
	s.audit(ctx, pool.ID, AuditPayoutCreated, map[string]any{
		"payout_id":    payout.ID,
		"amount_cents": payout.AmountCents,
		"fee_cents":    payout.FeeCents,
	})

	ref, err := s.payments.Transfer(ctx, payout.AmountCents, pool.BusinessID, map[string]string{
		"pool_id":   pool.ID,
		"payout_id": payout.ID,
	})
	if err != nil {
		payout.Status = model.PayoutStatusFailed
		payout.FailureReason = err.Error()
		payout.UpdatedAt = s.now().UTC()
		if uerr := s.repo.UpdatePayout(ctx, payout); uerr != nil {
			s.logger.Error("mark payout failed", zap.Error(uerr), zap.String("payout_id", payout.ID))
		}

		s.metrics.ObserveCollaboratorError("payment", "transfer")
		s.metrics.ObservePayout(model.PayoutStatusFailed, payout.AmountCents)
		s.auditFailure(ctx, pool.ID, AuditPayoutFailed, err, map[string]any{"payout_id": payout.ID})
		s.logger.Error("transfer payout", zap.Error(err), zap.String("pool_id", pool.ID), zap.String("payout_id", payout.ID))
		return fmt.Errorf("%w: transfer: %w", ErrPaymentFailed, err)
	}

	payout.Status = model.PayoutStatusReleased
	payout.TransferRef = ref
	payout.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdatePayout(ctx, payout); err != nil {
		return fmt.Errorf("mark payout released: %w", err)
	}
	s.metrics.ObservePayout(model.PayoutStatusReleased, payout.AmountCents)
	s.audit(ctx, pool.ID, AuditPayoutReleased, map[string]any{
		"payout_id":    payout.ID,
		"amount_cents": payout.AmountCents,
		"transfer_ref": ref,
	})

	if _, err := s.repo.TransitionPool(ctx, pool.ID, []model.PoolStatus{model.PoolStatusFunded}, model.PoolStatusClosed); err != nil {
		return s.transitionError(err)
	}
	s.metrics.ObserveTransition(model.PoolStatusClosed)
	s.audit(ctx, pool.ID, AuditPoolClosed, map[string]any{"payout_id": payout.ID})
	s.logger.Info("pool closed", zap.String("pool_id", pool.ID), zap.Int64("payout_cents", payout.AmountCents))

	return nil
}
