package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

func validInput(now time.Time) PoolInput {
	return PoolInput{
		BusinessID:           "biz-1",
		Title:                "Bakery expansion",
		GoalCents:            100000,
		MinContributionCents: 1000,
		MaxContributionCents: 50000,
		Terms:                model.EquityTerms{Percentage: decimal.NewFromInt(20)},
		ExpiresAt:            now.Add(30 * 24 * time.Hour),
	}
}

func TestValidatePool(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(in *PoolInput)
		wantMsg string
	}{
		{
			name:   "valid",
			mutate: func(in *PoolInput) {},
		},
		{
			name:   "unlimited max",
			mutate: func(in *PoolInput) { in.MaxContributionCents = 0 },
		},
		{
			name:    "short title",
			mutate:  func(in *PoolInput) { in.Title = "Cafe" },
			wantMsg: "title must be at least 5 characters",
		},
		{
			name:    "goal below threshold",
			mutate:  func(in *PoolInput) { in.GoalCents = 99999 },
			wantMsg: "goal must be at least 100000 cents",
		},
		{
			name:    "minimum below threshold",
			mutate:  func(in *PoolInput) { in.MinContributionCents = 500 },
			wantMsg: "minimum contribution must be at least 1000 cents",
		},
		{
			name: "zero goal",
			mutate: func(in *PoolInput) {
				in.GoalCents = 0
				in.MaxContributionCents = 0
			},
			wantMsg: "goal must be positive",
		},
		{
			name:    "max above goal",
			mutate:  func(in *PoolInput) { in.MaxContributionCents = 200000 },
			wantMsg: "maximum contribution must not exceed the goal",
		},
		{
			name:    "max below min",
			mutate:  func(in *PoolInput) { in.MinContributionCents = 5000; in.MaxContributionCents = 2000 },
			wantMsg: "maximum contribution must not be less than the minimum",
		},
		{
			name:    "expiration now",
			mutate:  func(in *PoolInput) { in.ExpiresAt = now },
			wantMsg: "expiration must be in the future",
		},
		{
			name:    "zero equity",
			mutate:  func(in *PoolInput) { in.Terms = model.EquityTerms{} },
			wantMsg: "equity percentage must be positive",
		},
		{
			name: "interest without term",
			mutate: func(in *PoolInput) {
				in.Terms = model.InterestTerms{AnnualRate: decimal.NewFromInt(7)}
			},
			wantMsg: "term months must be positive",
		},
		{
			name: "royalty above 100",
			mutate: func(in *PoolInput) {
				in.Terms = model.RoyaltyTerms{Percentage: decimal.NewFromInt(101), DurationMonths: 12}
			},
			wantMsg: "royalty percentage must not exceed 100",
		},
		{
			name:    "missing terms",
			mutate:  func(in *PoolInput) { in.Terms = nil },
			wantMsg: "instrument terms are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(now)
			tt.mutate(&in)

			err := ValidatePool(in, DefaultLimits(), now)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidatePool_CollectsAllProblems(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := ValidatePool(PoolInput{}, DefaultLimits(), now)
	assert.ErrorIs(t, err, ErrInvalidInput)
	for _, msg := range []string{"business id", "title", "goal", "minimum contribution", "expiration", "instrument terms"} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestValidateTerms(t *testing.T) {
	assert.NoError(t, ValidateTerms(model.InterestTerms{AnnualRate: decimal.NewFromInt(5), TermMonths: 12}))
	assert.ErrorIs(t, ValidateTerms(model.InterestTerms{}), ErrInvalidInput)
}

func TestLimits_Validate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	tests := []struct {
		name   string
		limits Limits
		want   string
	}{
		{name: "zero goal", limits: Limits{MinTitleLength: 1, MinContributionCents: 1}, want: "min goal"},
		{name: "zero contribution", limits: Limits{MinTitleLength: 1, MinGoalCents: 1}, want: "min contribution"},
		{name: "negative title", limits: Limits{MinTitleLength: -1, MinGoalCents: 1, MinContributionCents: 1}, want: "min title length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
