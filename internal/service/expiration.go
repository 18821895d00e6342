package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
)

// HandleExpiration закрывает открытый пул с истёкшим сроком, не набравший цель: переводит его
// в REFUNDING, возвращает подтверждённые вложения и переводит в EXPIRED независимо от исхода
// отдельных возвратов. Для пула в REFUNDING продолжает прерванный возврат.
func (s *Service) HandleExpiration(ctx context.Context, poolID string) error {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return err
	}

	switch pool.Status {
	case model.PoolStatusOpen:
		if pool.ExpiresAt.After(s.now()) || pool.RaisedCents >= pool.GoalCents {
			return nil
		}
		if _, err := s.repo.TransitionPool(ctx, poolID, []model.PoolStatus{model.PoolStatusOpen}, model.PoolStatusRefunding); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil
			}
			return err
		}
		s.metrics.ObserveTransition(model.PoolStatusRefunding)
		s.audit(ctx, poolID, AuditPoolRefunding, map[string]any{
			"raised_cents": pool.RaisedCents,
			"goal_cents":   pool.GoalCents,
		})
	case model.PoolStatusRefunding:
		s.logger.Info("resuming refunds", zap.String("pool_id", poolID))
	default:
		return nil
	}

	refunded, failed := s.refundCaptured(ctx, poolID)

	expired, err := s.repo.TransitionPool(ctx, poolID, []model.PoolStatus{model.PoolStatusRefunding}, model.PoolStatusExpired)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return err
	}

	s.metrics.ObserveTransition(model.PoolStatusExpired)
	s.audit(ctx, poolID, AuditPoolExpired, map[string]any{
		"refunded":     refunded,
		"failed":       failed,
		"raised_cents": expired.RaisedCents,
	})
	s.logger.Info("pool expired",
		zap.String("pool_id", poolID),
		zap.Int("refunded", refunded),
		zap.Int("failed", failed),
	)

	return nil
}

// SweepExpired обрабатывает пулы с истёкшим сроком и пулы с незавершённым возвратом.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	pools, err := s.repo.ListPoolsDueForExpiration(ctx, s.now(), s.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired pools: %w", err)
	}

	var errs []error
	processed := 0
	for _, p := range pools {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.HandleExpiration(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

// ReconcileFunded запускает распределение для собранных пулов без аллокаций, отложенный запуск
// которых мог быть потерян.
func (s *Service) ReconcileFunded(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.AllocationDelay)
	pools, err := s.repo.ListFundedWithoutAllocations(ctx, before, s.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list funded pools: %w", err)
	}

	var errs []error
	processed := 0
	for _, p := range pools {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.AllocateAndPayout(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

// refundCaptured возвращает все подтверждённые вложения пула. Ошибка одного возврата
// не прерывает остальные.
func (s *Service) refundCaptured(ctx context.Context, poolID string) (refunded, failed int) {
	contributions, err := s.repo.ListContributionsByPool(ctx, poolID)
	if err != nil {
		s.logger.Error("list contributions for refund", zap.Error(err), zap.String("pool_id", poolID))
		return 0, 0
	}

	for _, c := range contributions {
		if c.Status != model.ContributionStatusCaptured {
			continue
		}
		if s.refundContribution(ctx, c) {
			refunded++
		} else {
			failed++
		}
	}
	return refunded, failed
}

func (s *Service) refundContribution(ctx context.Context, c model.Contribution) bool {
	ref, err := s.payments.Refund(ctx, c.PaymentRef)
	if err != nil {
		s.metrics.ObserveCollaboratorError("payment", "refund")
		s.auditFailure(ctx, c.PoolID, AuditRefundFailed, err, map[string]any{
			"contribution_id": c.ID,
			"amount_cents":    c.AmountCents,
		})
		s.logger.Error("refund contribution", zap.Error(err), zap.String("contribution_id", c.ID))
		return false
	}

	pool, err := s.repo.RefundContribution(ctx, c.ID, ref)
	if err != nil {
		s.auditFailure(ctx, c.PoolID, AuditRefundFailed, err, map[string]any{
			"contribution_id": c.ID,
			"refund_ref":      ref,
		})
		s.logger.Error("mark contribution refunded", zap.Error(err), zap.String("contribution_id", c.ID))
		return false
	}

	s.metrics.ObserveContribution(metrics.OutcomeRefunded, c.AmountCents)
	s.audit(ctx, c.PoolID, AuditContributionRefunded, map[string]any{
		"contribution_id": c.ID,
		"amount_cents":    c.AmountCents,
		"refund_ref":      ref,
		"raised_cents":    pool.RaisedCents,
	})
	return true
}
