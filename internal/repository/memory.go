package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Все операции выполняются под одним
// мьютексом, поэтому составные изменения (подтверждение платежа и сумма пула) атомарны.
type MemoryRepository struct {
	mu            sync.Mutex
	now           func() time.Time
	pools         map[string]model.Pool
	contributions map[string]model.Contribution
	byPaymentRef  map[string]string
	allocations   map[string][]model.Allocation
	payouts       map[string][]model.Payout
	audit         map[string][]model.AuditEntry
}

// MemoryOption настраивает MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock подменяет источник времени для отметок UpdatedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		r.now = now
	}
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		now:           time.Now,
		pools:         map[string]model.Pool{},
		contributions: map[string]model.Contribution{},
		byPaymentRef:  map[string]string{},
		allocations:   map[string][]model.Allocation{},
		payouts:       map[string][]model.Payout{},
		audit:         map[string][]model.AuditEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreatePool сохраняет новый пул.
func (r *MemoryRepository) CreatePool(_ context.Context, pool model.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[pool.ID]; ok {
		return fmt.Errorf("%w: pool %s", ErrConflict, pool.ID)
	}
	r.pools[pool.ID] = pool
	return nil
}

// GetPool возвращает пул по идентификатору.
func (r *MemoryRepository) GetPool(_ context.Context, id string) (*model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// TransitionPool меняет статус пула, только если текущий статус входит в from.
func (r *MemoryRepository) TransitionPool(_ context.Context, id string, from []model.PoolStatus, to model.PoolStatus) (*model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(p.Status, from) {
		return nil, fmt.Errorf("%w: pool %s is %s", ErrConflict, id, p.Status)
	}

	p.Status = to
	p.Version++
	p.UpdatedAt = r.now().UTC()
	r.pools[id] = p
	return &p, nil
}

// CancelPool переводит открытый или собранный пул в CANCELLED, если аллокации ещё не созданы.
func (r *MemoryRepository) CancelPool(_ context.Context, id string) (*model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := cancellable(p, len(r.allocations[id]) > 0); err != nil {
		return nil, err
	}

	p.Status = model.PoolStatusCancelled
	p.Version++
	p.UpdatedAt = r.now().UTC()
	r.pools[id] = p
	return &p, nil
}

// ExtendPool переносит срок действия открытого пула.
func (r *MemoryRepository) ExtendPool(_ context.Context, id string, expiresAt time.Time) (*model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != model.PoolStatusOpen {
		return nil, fmt.Errorf("%w: pool %s is %s", ErrConflict, id, p.Status)
	}

	p.ExpiresAt = expiresAt
	p.Version++
	p.UpdatedAt = r.now().UTC()
	r.pools[id] = p
	return &p, nil
}

// ListPoolsDueForExpiration возвращает открытые пулы с истёкшим сроком и пулы, застрявшие в возврате.
func (r *MemoryRepository) ListPoolsDueForExpiration(_ context.Context, now time.Time, limit int) ([]model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Pool
	for _, p := range r.pools {
		switch {
		case p.Status == model.PoolStatusOpen && !p.ExpiresAt.After(now):
			res = append(res, p)
		case p.Status == model.PoolStatusRefunding:
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExpiresAt.Before(res[j].ExpiresAt) })
	return truncate(res, limit), nil
}

// ListFundedWithoutAllocations возвращает собранные пулы без аллокаций, не менявшиеся с updatedBefore.
func (r *MemoryRepository) ListFundedWithoutAllocations(_ context.Context, updatedBefore time.Time, limit int) ([]model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Pool
	for _, p := range r.pools {
		if p.Status != model.PoolStatusFunded || p.UpdatedAt.After(updatedBefore) {
			continue
		}
		if len(r.allocations[p.ID]) > 0 {
			continue
		}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	return truncate(res, limit), nil
}

// CreateContribution сохраняет новое вложение.
func (r *MemoryRepository) CreateContribution(_ context.Context, c model.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contributions[c.ID]; ok {
		return fmt.Errorf("%w: contribution %s", ErrConflict, c.ID)
	}
	if _, ok := r.byPaymentRef[c.PaymentRef]; ok {
		return fmt.Errorf("%w: payment reference %s", ErrConflict, c.PaymentRef)
	}
	r.contributions[c.ID] = c
	r.byPaymentRef[c.PaymentRef] = c.ID
	return nil
}

// GetContributionByPaymentRef возвращает вложение по внешней ссылке платежа.
func (r *MemoryRepository) GetContributionByPaymentRef(_ context.Context, ref string) (*model.Contribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPaymentRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.contributions[id]
	return &c, nil
}

// ListContributionsByPool возвращает вложения пула в порядке создания.
func (r *MemoryRepository) ListContributionsByPool(_ context.Context, poolID string) ([]model.Contribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Contribution
	for _, c := range r.contributions {
		if c.PoolID == poolID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// SetContributionStatus меняет статус вложения, только если текущий статус входит в from.
func (r *MemoryRepository) SetContributionStatus(_ context.Context, id string, from []model.ContributionStatus, to model.ContributionStatus) (*model.Contribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contributions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return nil, fmt.Errorf("%w: contribution %s is %s", ErrConflict, id, c.Status)
	}

	c.Status = to
	c.UpdatedAt = r.now().UTC()
	r.contributions[id] = c
	return &c, nil
}

// CaptureContribution подтверждает платёж и увеличивает сумму пула одной операцией.
func (r *MemoryRepository) CaptureContribution(_ context.Context, paymentRef string) (*CaptureResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPaymentRef[paymentRef]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.contributions[id]
	p, ok := r.pools[c.PoolID]
	if !ok {
		return nil, fmt.Errorf("pool %s for contribution %s: %w", c.PoolID, c.ID, ErrNotFound)
	}

	if c.Status == model.ContributionStatusCaptured {
		return &CaptureResult{Contribution: c, Pool: p, AlreadyCaptured: true}, nil
	}
	if !c.Capturable() {
		return nil, fmt.Errorf("%w: contribution %s is %s", ErrNotCapturable, c.ID, c.Status)
	}
	settled := p.Status == model.PoolStatusClosed || len(r.allocations[p.ID]) > 0

	now := r.now().UTC()
	c.Status = model.ContributionStatusCaptured
	c.UpdatedAt = now
	fundedNow := p.ApplyCapture(c.AmountCents)
	p.UpdatedAt = now

	r.contributions[id] = c
	r.pools[p.ID] = p

	return &CaptureResult{Contribution: c, Pool: p, FundedNow: fundedNow, Settled: settled}, nil
}

// RefundContribution помечает подтверждённое вложение возвращённым и уменьшает сумму пула.
func (r *MemoryRepository) RefundContribution(_ context.Context, contributionID, refundRef string) (*model.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contributions[contributionID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != model.ContributionStatusCaptured {
		return nil, fmt.Errorf("%w: contribution %s is %s", ErrConflict, c.ID, c.Status)
	}
	p, ok := r.pools[c.PoolID]
	if !ok {
		return nil, ErrNotFound
	}

	now := r.now().UTC()
	c.Status = model.ContributionStatusRefunded
	c.RefundRef = refundRef
	c.UpdatedAt = now
	p.ApplyRefund(c.AmountCents)
	p.UpdatedAt = now

	r.contributions[c.ID] = c
	r.pools[p.ID] = p
	return &p, nil
}

// HasAllocations сообщает, есть ли у пула аллокации.
func (r *MemoryRepository) HasAllocations(_ context.Context, poolID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.allocations[poolID]) > 0, nil
}

// CreateAllocations сохраняет все аллокации пула либо ни одной. Пул должен быть FUNDED,
// а аллокации должны покрывать ровно его подтверждённые вложения.
func (r *MemoryRepository) CreateAllocations(_ context.Context, poolID string, allocations []model.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[poolID]
	if !ok {
		return ErrNotFound
	}
	if len(r.allocations[poolID]) > 0 {
		return fmt.Errorf("%w: pool %s already has allocations", ErrConflict, poolID)
	}
	if p.Status != model.PoolStatusFunded {
		return fmt.Errorf("%w: pool %s is %s", ErrStale, poolID, p.Status)
	}

	var captured []string
	for _, c := range r.contributions {
		if c.PoolID == poolID && c.Status == model.ContributionStatusCaptured {
			captured = append(captured, c.ID)
		}
	}
	if !coversCaptured(captured, allocations) {
		return fmt.Errorf("%w: captured contributions of pool %s changed", ErrStale, poolID)
	}
	r.allocations[poolID] = append([]model.Allocation(nil), allocations...)
	return nil
}

// ListAllocationsByPool возвращает аллокации пула.
func (r *MemoryRepository) ListAllocationsByPool(_ context.Context, poolID string) ([]model.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]model.Allocation(nil), r.allocations[poolID]...), nil
}

// CreatePayout сохраняет выплату. У пула может быть только одна выплата в статусе PENDING или RELEASED.
// Пул должен оставаться FUNDED.
func (r *MemoryRepository) CreatePayout(_ context.Context, p model.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, ok := r.pools[p.PoolID]
	if !ok {
		return ErrNotFound
	}
	if pool.Status != model.PoolStatusFunded {
		return fmt.Errorf("%w: pool %s is %s", ErrStale, p.PoolID, pool.Status)
	}

	for _, existing := range r.payouts[p.PoolID] {
		if existing.Status != model.PayoutStatusFailed {
			return fmt.Errorf("%w: pool %s has active payout %s", ErrConflict, p.PoolID, existing.ID)
		}
	}
	r.payouts[p.PoolID] = append(r.payouts[p.PoolID], p)
	return nil
}

// UpdatePayout обновляет статус и ссылку перевода выплаты.
func (r *MemoryRepository) UpdatePayout(_ context.Context, p model.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.payouts[p.PoolID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return nil
		}
	}
	return ErrNotFound
}

// ListPayoutsByPool возвращает выплаты пула в порядке создания.
func (r *MemoryRepository) ListPayoutsByPool(_ context.Context, poolID string) ([]model.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]model.Payout(nil), r.payouts[poolID]...), nil
}

// AppendAudit добавляет запись в журнал.
func (r *MemoryRepository) AppendAudit(_ context.Context, e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.Payload = maps.Clone(e.Payload)
	r.audit[e.PoolID] = append(r.audit[e.PoolID], e)
	return nil
}

// ListAuditByPool возвращает журнал событий пула.
func (r *MemoryRepository) ListAuditByPool(_ context.Context, poolID string) ([]model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]model.AuditEntry(nil), r.audit[poolID]...), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
