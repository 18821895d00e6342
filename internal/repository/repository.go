// Package repository содержит реализации хранилища пулов, вложений, аллокаций и выплат.
package repository

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении уникальности или проигранном сравнении статуса.
	ErrConflict = errors.New("conflict")
	// ErrNotCapturable возвращается, если вложение уже не может быть подтверждено.
	ErrNotCapturable = errors.New("contribution is not capturable")
	// ErrStale возвращается, если пул изменился после чтения: вышел из FUNDED или получил новые подтверждённые вложения.
	ErrStale = errors.New("pool changed concurrently")
)

// CaptureResult итог атомарного подтверждения платежа.
type CaptureResult struct {
	Contribution model.Contribution
	Pool         model.Pool
	// FundedNow равен true только для вызова, который перевёл пул в FUNDED.
	FundedNow bool
	// AlreadyCaptured равен true для повторного уведомления об уже учтённом платеже.
	AlreadyCaptured bool
	// Settled равен true, если к моменту подтверждения пул уже закрыт или распределён
	// и вложение не войдёт в аллокации.
	Settled bool
}

func statusIn[T comparable](status T, allowed []T) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// coversCaptured сообщает, что аллокации выданы ровно на подтверждённые вложения.
func coversCaptured(captured []string, allocations []model.Allocation) bool {
	if len(captured) != len(allocations) {
		return false
	}
	ids := make(map[string]struct{}, len(allocations))
	for _, a := range allocations {
		ids[a.ContributionID] = struct{}{}
	}
	for _, id := range captured {
		if _, ok := ids[id]; !ok {
			return false
		}
	}
	return true
}

// cancellable сообщает, можно ли отменить пул: он открыт или собран и ещё не распределён.
func cancellable(p model.Pool, allocated bool) error {
	if p.Status != model.PoolStatusOpen && p.Status != model.PoolStatusFunded {
		return fmt.Errorf("%w: pool %s is %s", ErrConflict, p.ID, p.Status)
	}
	if allocated {
		return fmt.Errorf("%w: pool %s is already allocated", ErrConflict, p.ID)
	}
	return nil
}
