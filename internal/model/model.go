// Package model содержит доменные сущности сервиса привлечения инвестиций.
package model

import (
	"time"
)

// PoolStatus описывает этап жизненного цикла пула (раунда привлечения).
type PoolStatus string

const (
	PoolStatusDraft     PoolStatus = "DRAFT"
	PoolStatusOpen      PoolStatus = "OPEN"
	PoolStatusFunded    PoolStatus = "FUNDED"
	PoolStatusClosed    PoolStatus = "CLOSED"
	PoolStatusCancelled PoolStatus = "CANCELLED"
	PoolStatusExpired   PoolStatus = "EXPIRED"
	PoolStatusRefunding PoolStatus = "REFUNDING"
)

// Pool описывает раунд привлечения средств одного бизнеса.
type Pool struct {
	ID                   string
	BusinessID           string
	Title                string
	GoalCents            int64
	MinContributionCents int64
	// MaxContributionCents равен нулю, если лимит на одного инвестора не задан.
	MaxContributionCents int64
	Terms                InstrumentTerms
	ExpiresAt            time.Time
	RaisedCents          int64
	Status               PoolStatus
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RemainingCents возвращает оставшуюся до цели сумму. Значение никогда не бывает отрицательным.
func (p *Pool) RemainingCents() int64 {
	if p.RaisedCents >= p.GoalCents {
		return 0
	}
	return p.GoalCents - p.RaisedCents
}

// AcceptsContributions сообщает, можно ли в момент now принимать новые вложения.
func (p *Pool) AcceptsContributions(now time.Time) bool {
	return p.Status == PoolStatusOpen && now.Before(p.ExpiresAt) && p.RemainingCents() > 0
}

// ApplyCapture учитывает подтверждённый платёж в сумме пула и возвращает true,
// если именно этот платёж перевёл пул в статус FUNDED.
func (p *Pool) ApplyCapture(amountCents int64) bool {
	p.RaisedCents += amountCents
	p.Version++
	if p.Status == PoolStatusOpen && p.RaisedCents >= p.GoalCents {
		p.Status = PoolStatusFunded
		return true
	}
	return false
}

// ApplyRefund уменьшает сумму пула на возвращённый платёж.
func (p *Pool) ApplyRefund(amountCents int64) {
	p.RaisedCents -= amountCents
	if p.RaisedCents < 0 {
		p.RaisedCents = 0
	}
	p.Version++
}

// ContributionStatus описывает статус платежа инвестора.
type ContributionStatus string

const (
	ContributionStatusPending    ContributionStatus = "PENDING"
	ContributionStatusAuthorized ContributionStatus = "AUTHORIZED"
	ContributionStatusCaptured   ContributionStatus = "CAPTURED"
	ContributionStatusRefunded   ContributionStatus = "REFUNDED"
	ContributionStatusFailed     ContributionStatus = "FAILED"
)

// Contribution описывает вложение одного инвестора в пул.
type Contribution struct {
	ID            string
	PoolID        string
	ContributorID string
	AmountCents   int64
	Status        ContributionStatus
	PaymentRef    string
	RefundRef     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Capturable сообщает, может ли вложение перейти в статус CAPTURED.
func (c *Contribution) Capturable() bool {
	return c.Status == ContributionStatusPending || c.Status == ContributionStatusAuthorized
}

// Allocation описывает долю инструмента, выданную инвестору после сбора пула.
type Allocation struct {
	ID                string
	PoolID            string
	ContributionID    string
	ContributorID     string
	CertificateNumber string
	Grant             Grant
	CreatedAt         time.Time
}

// PayoutStatus описывает статус выплаты бизнесу.
type PayoutStatus string

const (
	PayoutStatusPending  PayoutStatus = "PENDING"
	PayoutStatusReleased PayoutStatus = "RELEASED"
	PayoutStatusFailed   PayoutStatus = "FAILED"
)

// Payout описывает перечисление собранных средств за вычетом комиссии платформы.
type Payout struct {
	ID            string
	PoolID        string
	AmountCents   int64
	FeeCents      int64
	Status        PayoutStatus
	TransferRef   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry неизменяемая запись журнала значимых событий.
type AuditEntry struct {
	ID        string
	PoolID    string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// PoolDetails содержит пул и производные показатели для отображения.
type PoolDetails struct {
	Pool             Pool
	RemainingCents   int64
	ContributorCount int
	DaysRemaining    int
	AcceptingFunds   bool
}

// Progress описывает прогресс сбора средств.
type Progress struct {
	RaisedCents    int64      `json:"raised_cents"`
	GoalCents      int64      `json:"goal_cents"`
	Percent        float64    `json:"percent"`
	RemainingCents int64      `json:"remaining_cents"`
	Status         PoolStatus `json:"status"`
}

// PaymentAuthorization результат авторизации платежа во внешнем шлюзе.
type PaymentAuthorization struct {
	// Reference внешний идентификатор платежа.
	Reference string
	// ClientSecret передаётся клиенту для завершения оплаты на его стороне.
	ClientSecret string
}
