package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolApplyCapture(t *testing.T) {
	p := &Pool{GoalCents: 100000, Status: PoolStatusOpen}

	assert.False(t, p.ApplyCapture(60000))
	assert.Equal(t, PoolStatusOpen, p.Status)

	assert.True(t, p.ApplyCapture(40000))
	assert.Equal(t, PoolStatusFunded, p.Status)

	// повторное превышение цели не даёт второго перехода в FUNDED
	assert.False(t, p.ApplyCapture(1000))
	assert.Equal(t, int64(101000), p.RaisedCents)
	assert.Equal(t, int64(3), p.Version)
}

func TestPoolRemainingCentsClampsToZero(t *testing.T) {
	p := &Pool{GoalCents: 100000, RaisedCents: 120000}
	assert.Equal(t, int64(0), p.RemainingCents())

	p.RaisedCents = 25000
	assert.Equal(t, int64(75000), p.RemainingCents())
}

func TestPoolAcceptsContributions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Pool{GoalCents: 1000, Status: PoolStatusOpen, ExpiresAt: now.Add(time.Hour)}

	assert.True(t, p.AcceptsContributions(now))
	assert.False(t, p.AcceptsContributions(now.Add(2*time.Hour)))

	p.Status = PoolStatusDraft
	assert.False(t, p.AcceptsContributions(now))
}

func TestTermsRoundTripKeepsVariant(t *testing.T) {
	tests := []InstrumentTerms{
		EquityTerms{Percentage: decimal.RequireFromString("20")},
		InterestTerms{AnnualRate: decimal.RequireFromString("8.5"), TermMonths: 36},
		RoyaltyTerms{Percentage: decimal.RequireFromString("1.234567"), DurationMonths: 24},
	}

	for _, terms := range tests {
		t.Run(string(terms.Instrument()), func(t *testing.T) {
			typ, data, err := EncodeTerms(terms)
			require.NoError(t, err)

			got, err := DecodeTerms(typ, data)
			require.NoError(t, err)
			assert.Equal(t, terms.Instrument(), got.Instrument())
			assert.IsType(t, terms, got)
		})
	}
}

func TestDecodeTermsUnknownType(t *testing.T) {
	_, err := DecodeTerms("WARRANT", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}
