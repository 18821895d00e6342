// Package fee содержит расчёт комиссии платформы и чистой суммы выплаты.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxBps максимальная комиссия в базисных пунктах (100%).
const MaxBps = 10000

// ErrInvalidBps возвращается для комиссии вне диапазона [0, 10000].
var ErrInvalidBps = errors.New("fee basis points out of range")

var bpsDivisor = decimal.NewFromInt(MaxBps)

// Breakdown раскладывает сумму на комиссию и чистую часть.
type Breakdown struct {
	GrossCents int64
	FeeCents   int64
	NetCents   int64
}

// ValidateBps проверяет, что комиссия лежит в диапазоне [0, 10000].
func ValidateBps(bps int64) error {
	if bps < 0 || bps > MaxBps {
		return fmt.Errorf("%w: %d", ErrInvalidBps, bps)
	}
	return nil
}

// CalculatePlatformFee возвращает комиссию с суммы amountCents, округлённую до целой копейки.
func CalculatePlatformFee(amountCents, feeBps int64) int64 {
	return decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(feeBps)).
		Div(bpsDivisor).
		Round(0).
		IntPart()
}

// CalculateNetAmount возвращает сумму за вычетом комиссии. Сумма net и fee всегда равна amountCents.
func CalculateNetAmount(amountCents, feeBps int64) int64 {
	return amountCents - CalculatePlatformFee(amountCents, feeBps)
}

// Split возвращает полную раскладку суммы.
func Split(amountCents, feeBps int64) Breakdown {
	f := CalculatePlatformFee(amountCents, feeBps)
	return Breakdown{
		GrossCents: amountCents,
		FeeCents:   f,
		NetCents:   amountCents - f,
	}
}
