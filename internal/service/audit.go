package service

import (
	"context"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

// Типы записей журнала.
const (
	AuditPoolCreated   = "pool.created"
	AuditPoolOpened    = "pool.opened"
	AuditPoolFunded    = "pool.funded"
	AuditPoolClosed    = "pool.closed"
	AuditPoolCancelled = "pool.cancelled"
	AuditPoolExtended  = "pool.extended"
	AuditPoolRefunding = "pool.refunding"
	AuditPoolExpired   = "pool.expired"

	AuditContributionCreated  = "contribution.created"
	AuditContributionCaptured = "contribution.captured"
	AuditContributionRefunded = "contribution.refunded"

	AuditPaymentAuthorized      = "payment.authorized"
	AuditPaymentFailed          = "payment.failed"
	AuditPaymentAuthorizeFailed = "payment.authorize_failed"
	AuditPaymentCaptureFailed   = "payment.capture_failed"
	AuditRefundFailed           = "refund.failed"

	AuditAllocationsCreated       = "allocations.created"
	AuditAllocationFailed         = "allocation.failed"
	AuditAllocationScheduled      = "allocation.scheduled"
	AuditAllocationScheduleFailed = "allocation.schedule_failed"
	AuditVerificationFailed       = "verification.failed"

	AuditPayoutCreated  = "payout.created"
	AuditPayoutReleased = "payout.released"
	AuditPayoutFailed   = "payout.failed"
)

// ListAuditLog возвращает журнал событий пула.
func (s *Service) ListAuditLog(ctx context.Context, poolID string) ([]model.AuditEntry, error) {
	if _, err := s.repo.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditByPool(ctx, poolID)
}
