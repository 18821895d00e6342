// Package validation содержит проверки входных данных при создании пула.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

// ErrInvalidInput оборачивает все ошибки валидации.
var ErrInvalidInput = errors.New("invalid input")

var hundred = decimal.NewFromInt(100)

// Limits пороги, применяемые при создании пула.
type Limits struct {
	MinTitleLength       int   `yaml:"min_title_length"`
	MinGoalCents         int64 `yaml:"min_goal_cents"`
	MinContributionCents int64 `yaml:"min_contribution_cents"`
}

// DefaultLimits возвращает пороги по умолчанию.
func DefaultLimits() Limits {
	return Limits{
		MinTitleLength:       5,
		MinGoalCents:         100000,
		MinContributionCents: 1000,
	}
}

// Validate проверяет сами пороги: цель и минимальное вложение не меньше одного цента.
func (l Limits) Validate() error {
	var errs []error
	if l.MinTitleLength < 0 {
		errs = append(errs, errors.New("min title length must not be negative"))
	}
	if l.MinGoalCents < 1 {
		errs = append(errs, errors.New("min goal must be at least 1 cent"))
	}
	if l.MinContributionCents < 1 {
		errs = append(errs, errors.New("min contribution must be at least 1 cent"))
	}
	return errors.Join(errs...)
}

// PoolInput данные для создания пула.
type PoolInput struct {
	BusinessID           string
	Title                string
	GoalCents            int64
	MinContributionCents int64
	MaxContributionCents int64
	Terms                model.InstrumentTerms
	ExpiresAt            time.Time
}

// ValidatePool проверяет данные пула и возвращает все найденные нарушения одной ошибкой.
func ValidatePool(in PoolInput, limits Limits, now time.Time) error {
	var errs []error

	if strings.TrimSpace(in.BusinessID) == "" {
		errs = append(errs, errors.New("business id is required"))
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.Title)) < limits.MinTitleLength {
		errs = append(errs, fmt.Errorf("title must be at least %d characters", limits.MinTitleLength))
	}
	switch {
	case in.GoalCents <= 0:
		errs = append(errs, errors.New("goal must be positive"))
	case in.GoalCents < limits.MinGoalCents:
		errs = append(errs, fmt.Errorf("goal must be at least %d cents", limits.MinGoalCents))
	}
	switch {
	case in.MinContributionCents <= 0:
		errs = append(errs, errors.New("minimum contribution must be positive"))
	case in.MinContributionCents < limits.MinContributionCents:
		errs = append(errs, fmt.Errorf("minimum contribution must be at least %d cents", limits.MinContributionCents))
	}
	if in.MaxContributionCents < 0 {
		errs = append(errs, errors.New("maximum contribution must not be negative"))
	}
	if in.MaxContributionCents > 0 {
		if in.MaxContributionCents > in.GoalCents {
			errs = append(errs, errors.New("maximum contribution must not exceed the goal"))
		}
		if in.MaxContributionCents < in.MinContributionCents {
			errs = append(errs, errors.New("maximum contribution must not be less than the minimum"))
		}
	}
	if !in.ExpiresAt.After(now) {
		errs = append(errs, errors.New("expiration must be in the future"))
	}
	if err := checkTerms(in.Terms); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
}

// ValidateTerms проверяет условия инструмента.
func ValidateTerms(terms model.InstrumentTerms) error {
	if err := checkTerms(terms); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func checkTerms(terms model.InstrumentTerms) error {
	switch t := terms.(type) {
	case model.EquityTerms:
		return checkPercentage("equity percentage", t.Percentage)
	case model.InterestTerms:
		var errs []error
		if !t.AnnualRate.IsPositive() {
			errs = append(errs, errors.New("annual rate must be positive"))
		}
		if t.TermMonths <= 0 {
			errs = append(errs, errors.New("term months must be positive"))
		}
		return errors.Join(errs...)
	case model.RoyaltyTerms:
		var errs []error
		if err := checkPercentage("royalty percentage", t.Percentage); err != nil {
			errs = append(errs, err)
		}
		if t.DurationMonths <= 0 {
			errs = append(errs, errors.New("duration months must be positive"))
		}
		return errors.Join(errs...)
	default:
		return errors.New("instrument terms are required")
	}
}

func checkPercentage(name string, pct decimal.Decimal) error {
	if !pct.IsPositive() {
		return fmt.Errorf("%s must be positive", name)
	}
	if pct.GreaterThan(hundred) {
		return fmt.Errorf("%s must not exceed 100", name)
	}
	return nil
}
