package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

// CreatePool создаёт пул в статусе DRAFT после валидации условий и проверки верификации бизнеса.
func (s *Service) CreatePool(ctx context.Context, in validation.PoolInput) (*model.Pool, error) {
	now := s.now().UTC()
	in.Title = strings.TrimSpace(in.Title)

	if err := validation.ValidatePool(in, s.opts.Limits, now); err != nil {
		return nil, err
	}

	pool := model.Pool{
		ID:                   uuid.NewString(),
		BusinessID:           in.BusinessID,
		Title:                in.Title,
		GoalCents:            in.GoalCents,
		MinContributionCents: in.MinContributionCents,
		MaxContributionCents: in.MaxContributionCents,
		Terms:                in.Terms,
		ExpiresAt:            in.ExpiresAt.UTC(),
		Status:               model.PoolStatusDraft,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.checkVerified(ctx, pool.ID, in.BusinessID, "business"); err != nil {
		return nil, err
	}

	if err := s.repo.CreatePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s.metrics.ObserveTransition(model.PoolStatusDraft)
	s.audit(ctx, pool.ID, AuditPoolCreated, map[string]any{
		"business_id":            pool.BusinessID,
		"goal_cents":             pool.GoalCents,
		"min_contribution_cents": pool.MinContributionCents,
		"max_contribution_cents": pool.MaxContributionCents,
		"instrument":             string(pool.Terms.Instrument()),
		"expires_at":             pool.ExpiresAt,
	})
	s.logger.Info("pool created", zap.String("pool_id", pool.ID), zap.String("business_id", pool.BusinessID))

	return &pool, nil
}

// OpenPool переводит пул из DRAFT в OPEN, если срок действия ещё не наступил.
func (s *Service) OpenPool(ctx context.Context, poolID, actorID string) (*model.Pool, error) {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != model.PoolStatusDraft {
		return nil, fmt.Errorf("%w: pool is %s, expected %s", ErrInvalidState, pool.Status, model.PoolStatusDraft)
	}
	if !pool.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: pool expiration has already passed", ErrInvalidState)
	}

	opened, err := s.repo.TransitionPool(ctx, poolID, []model.PoolStatus{model.PoolStatusDraft}, model.PoolStatusOpen)
	if err != nil {
		return nil, s.transitionError(err)
	}

	s.metrics.ObserveTransition(model.PoolStatusOpen)
	s.audit(ctx, poolID, AuditPoolOpened, map[string]any{"actor_id": actorID, "expires_at": opened.ExpiresAt})

	return opened, nil
}

// CancelPool отменяет открытый или собранный, но ещё не распределённый пул и возвращает
// подтверждённые вложения. Ошибки отдельных возвратов не прерывают отмену.
func (s *Service) CancelPool(ctx context.Context, poolID, actorID, reason string) (*model.Pool, error) {
	cancelled, err := s.repo.CancelPool(ctx, poolID)
	if err != nil {
		return nil, s.transitionError(err)
	}

	s.metrics.ObserveTransition(model.PoolStatusCancelled)
	s.audit(ctx, poolID, AuditPoolCancelled, map[string]any{
		"actor_id":     actorID,
		"reason":       reason,
		"raised_cents": cancelled.RaisedCents,
	})
	s.logger.Info("pool cancelled", zap.String("pool_id", poolID), zap.String("actor_id", actorID))

	refunded, failed := s.refundCaptured(ctx, poolID)
	if failed > 0 {
		s.logger.Warn("pool cancelled with failed refunds",
			zap.String("pool_id", poolID),
			zap.Int("refunded", refunded),
			zap.Int("failed", failed),
		)
	}

	return s.repo.GetPool(ctx, poolID)
}

// ExtendPool переносит срок действия открытого пула.
func (s *Service) ExtendPool(ctx context.Context, poolID, actorID string, expiresAt time.Time) (*model.Pool, error) {
	if !expiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: new expiration must be in the future", validation.ErrInvalidInput)
	}

	before, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	extended, err := s.repo.ExtendPool(ctx, poolID, expiresAt.UTC())
	if err != nil {
		return nil, s.transitionError(err)
	}

	s.audit(ctx, poolID, AuditPoolExtended, map[string]any{
		"actor_id":            actorID,
		"previous_expires_at": before.ExpiresAt,
		"expires_at":          extended.ExpiresAt,
	})

	return extended, nil
}

// GetPoolDetails возвращает пул с производными показателями.
func (s *Service) GetPoolDetails(ctx context.Context, poolID string) (*model.PoolDetails, error) {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	contributions, err := s.repo.ListContributionsByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}

	contributors := make(map[string]struct{})
	for _, c := range contributions {
		if c.Status == model.ContributionStatusCaptured {
			contributors[c.ContributorID] = struct{}{}
		}
	}

	now := s.now()
	return &model.PoolDetails{
		Pool:             *pool,
		RemainingCents:   pool.RemainingCents(),
		ContributorCount: len(contributors),
		DaysRemaining:    daysRemaining(pool.ExpiresAt, now),
		AcceptingFunds:   pool.AcceptsContributions(now),
	}, nil
}

// GetProgress возвращает прогресс сбора средств.
func (s *Service) GetProgress(ctx context.Context, poolID string) (*model.Progress, error) {
	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	percent := decimal.Zero
	if pool.GoalCents > 0 {
		percent = decimal.NewFromInt(pool.RaisedCents).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(pool.GoalCents)).
			Round(2)
	}

	return &model.Progress{
		RaisedCents:    pool.RaisedCents,
		GoalCents:      pool.GoalCents,
		Percent:        percent.InexactFloat64(),
		RemainingCents: pool.RemainingCents(),
		Status:         pool.Status,
	}, nil
}

func (s *Service) transitionError(err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return err
}

// daysRemaining округляет остаток срока вверх до целых суток.
func daysRemaining(expiresAt, now time.Time) int {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
