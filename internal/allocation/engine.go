// Package allocation рассчитывает доли инвесторов в собранном пуле.
//
// Расчёт чистый: функции не обращаются к хранилищу и не изменяют входные данные.
// Доли округляются независимо для каждого инвестора, поэтому сумма округлённых долей
// может отличаться от доли пула не более чем на единицу последнего знака на инвестора.
package allocation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

var (
	// ErrInvalidTerms возвращается для неположительных процентов, ставок и сроков.
	ErrInvalidTerms = errors.New("invalid instrument terms")
	// ErrInvalidConfig возвращается при создании движка с некорректными настройками.
	ErrInvalidConfig = errors.New("invalid allocation config")
	// ErrInvalidContribution возвращается для подтверждённых вложений с неположительной суммой.
	ErrInvalidContribution = errors.New("invalid contribution amount")
)

var hundred = decimal.NewFromInt(100)

// Result итог расчёта аллокаций пула.
type Result struct {
	Allocations                  []model.Allocation
	TotalPrincipalAllocatedCents int64
	RemainingGoalCents           int64
}

// Engine рассчитывает аллокации с заданными настройками.
type Engine struct {
	cfg    Config
	now    func() time.Time
	issuer *certificateIssuer
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine создаёт движок. Возвращает ошибку, если настройки не проходят ValidateConfig.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if problems := ValidateConfig(cfg); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	e := &Engine{
		cfg:    cfg,
		now:    time.Now,
		issuer: newCertificateIssuer(cfg.CertificatePrefix),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config возвращает настройки движка.
func (e *Engine) Config() Config {
	return e.cfg
}

// Compute рассчитывает аллокации пула на текущий момент.
func (e *Engine) Compute(pool model.Pool, contributions []model.Contribution) (Result, error) {
	return compute(pool, contributions, e.cfg, e.now().UTC(), e.issuer)
}

// ComputeAllocations рассчитывает аллокации пула по подтверждённым (CAPTURED) вложениям.
func ComputeAllocations(pool model.Pool, contributions []model.Contribution, cfg Config, now time.Time) (Result, error) {
	if problems := ValidateConfig(cfg); len(problems) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return compute(pool, contributions, cfg, now, newCertificateIssuer(cfg.CertificatePrefix))
}

func compute(pool model.Pool, contributions []model.Contribution, cfg Config, now time.Time, issuer *certificateIssuer) (Result, error) {
	if err := checkTerms(pool.Terms); err != nil {
		return Result{}, err
	}

	captured := filterCaptured(contributions)
	if len(captured) == 0 {
		return Result{
			Allocations:        []model.Allocation{},
			RemainingGoalCents: pool.GoalCents,
		}, nil
	}

	var total int64
	for _, c := range captured {
		if c.AmountCents <= 0 {
			return Result{}, fmt.Errorf("%w: contribution %s has amount %d", ErrInvalidContribution, c.ID, c.AmountCents)
		}
		total += c.AmountCents
	}

	grants := make([]model.Grant, len(captured))
	var principal int64

	switch terms := pool.Terms.(type) {
	case model.EquityTerms:
		for i, c := range captured {
			grants[i] = model.EquityGrant{
				Percentage: proportionalShare(c.AmountCents, total, terms.Percentage, cfg.EquityDecimalPlaces),
			}
		}
	case model.InterestTerms:
		maturity := AddMonths(now, terms.TermMonths)
		for i, c := range captured {
			grants[i] = model.InterestNote{
				PrincipalCents: c.AmountCents,
				AnnualRate:     terms.AnnualRate,
				MaturesAt:      maturity,
			}
			principal += c.AmountCents
		}
	case model.RoyaltyTerms:
		end := AddMonths(now, terms.DurationMonths)
		for i, c := range captured {
			grants[i] = model.RoyaltyGrant{
				Percentage: proportionalShare(c.AmountCents, total, terms.Percentage, cfg.RoyaltyDecimalPlaces),
				StartsAt:   now,
				EndsAt:     end,
			}
		}
	}

	allocations := make([]model.Allocation, 0, len(captured))
	for i, c := range captured {
		certificate, err := issuer.issue(pool.ID, c.ContributorID, now)
		if err != nil {
			return Result{}, err
		}
		allocations = append(allocations, model.Allocation{
			ID:                uuid.NewString(),
			PoolID:            pool.ID,
			ContributionID:    c.ID,
			ContributorID:     c.ContributorID,
			CertificateNumber: certificate,
			Grant:             grants[i],
			CreatedAt:         now,
		})
	}

	remaining := pool.GoalCents - total
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allocations:                  allocations,
		TotalPrincipalAllocatedCents: principal,
		RemainingGoalCents:           remaining,
	}, nil
}

// proportionalShare возвращает amount/total * pct, округлённое до places знаков.
func proportionalShare(amount, total int64, pct decimal.Decimal, places int32) decimal.Decimal {
	return decimal.NewFromInt(amount).
		Mul(pct).
		Div(decimal.NewFromInt(total)).
		Round(places)
}

func filterCaptured(contributions []model.Contribution) []model.Contribution {
	out := make([]model.Contribution, 0, len(contributions))
	for _, c := range contributions {
		if c.Status == model.ContributionStatusCaptured {
			out = append(out, c)
		}
	}
	return out
}

func checkTerms(terms model.InstrumentTerms) error {
	switch t := terms.(type) {
	case model.EquityTerms:
		return checkPercentage("equity percentage", t.Percentage)
	case model.InterestTerms:
		if !t.AnnualRate.IsPositive() {
			return fmt.Errorf("%w: annual rate must be positive, got %s", ErrInvalidTerms, t.AnnualRate)
		}
		if t.TermMonths <= 0 {
			return fmt.Errorf("%w: term must be positive, got %d months", ErrInvalidTerms, t.TermMonths)
		}
		return nil
	case model.RoyaltyTerms:
		if err := checkPercentage("royalty percentage", t.Percentage); err != nil {
			return err
		}
		if t.DurationMonths <= 0 {
			return fmt.Errorf("%w: duration must be positive, got %d months", ErrInvalidTerms, t.DurationMonths)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: terms are missing", ErrInvalidTerms)
	default:
		return fmt.Errorf("%w: unsupported instrument %s", ErrInvalidTerms, terms.Instrument())
	}
}

func checkPercentage(name string, pct decimal.Decimal) error {
	if !pct.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidTerms, name, pct)
	}
	if pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s must not exceed 100, got %s", ErrInvalidTerms, name, pct)
	}
	return nil
}
