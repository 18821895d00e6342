package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType определяет финансовый инструмент, предлагаемый инвесторам.
type InstrumentType string

const (
	InstrumentEquity   InstrumentType = "EQUITY"
	InstrumentInterest InstrumentType = "INTEREST"
	InstrumentRoyalty  InstrumentType = "ROYALTY"
)

// ErrUnknownInstrument возвращается для неизвестного типа инструмента.
var ErrUnknownInstrument = errors.New("unknown instrument type")

// InstrumentTerms условия инструмента пула. Реализации: EquityTerms, InterestTerms, RoyaltyTerms.
type InstrumentTerms interface {
	Instrument() InstrumentType
	isInstrumentTerms()
}

// EquityTerms доля компании в процентах, распределяемая между инвесторами пула.
type EquityTerms struct {
	Percentage decimal.Decimal `json:"percentage"`
}

// InterestTerms годовая ставка и срок займа в месяцах.
type InterestTerms struct {
	AnnualRate decimal.Decimal `json:"annual_rate"`
	TermMonths int             `json:"term_months"`
}

// RoyaltyTerms доля выручки в процентах и длительность выплат в месяцах.
type RoyaltyTerms struct {
	Percentage     decimal.Decimal `json:"percentage"`
	DurationMonths int             `json:"duration_months"`
}

func (EquityTerms) Instrument() InstrumentType   { return InstrumentEquity }
func (InterestTerms) Instrument() InstrumentType { return InstrumentInterest }
func (RoyaltyTerms) Instrument() InstrumentType  { return InstrumentRoyalty }

func (EquityTerms) isInstrumentTerms()   {}
func (InterestTerms) isInstrumentTerms() {}
func (RoyaltyTerms) isInstrumentTerms()  {}

// EncodeTerms сериализует условия инструмента для хранения.
func EncodeTerms(t InstrumentTerms) (InstrumentType, []byte, error) {
	if t == nil {
		return "", nil, ErrUnknownInstrument
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", nil, fmt.Errorf("marshal terms: %w", err)
	}
	return t.Instrument(), data, nil
}

// DecodeTerms восстанавливает условия инструмента по типу и JSON-представлению.
func DecodeTerms(typ InstrumentType, data []byte) (InstrumentTerms, error) {
	switch typ {
	case InstrumentEquity:
		var t EquityTerms
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal equity terms: %w", err)
		}
		return t, nil
	case InstrumentInterest:
		var t InterestTerms
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal interest terms: %w", err)
		}
		return t, nil
	case InstrumentRoyalty:
		var t RoyaltyTerms
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal royalty terms: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, typ)
	}
}

// Grant содержимое аллокации. Реализации: EquityGrant, InterestNote, RoyaltyGrant.
type Grant interface {
	Instrument() InstrumentType
	isGrant()
}

// EquityGrant доля инвестора в общей доле пула.
type EquityGrant struct {
	Percentage decimal.Decimal `json:"percentage"`
}

// InterestNote долговая расписка на сумму вложения.
type InterestNote struct {
	PrincipalCents int64           `json:"principal_cents"`
	AnnualRate     decimal.Decimal `json:"annual_rate"`
	MaturesAt      time.Time       `json:"matures_at"`
}

// RoyaltyGrant доля инвестора в роялти пула и период выплат.
type RoyaltyGrant struct {
	Percentage decimal.Decimal `json:"percentage"`
	StartsAt   time.Time       `json:"starts_at"`
	EndsAt     time.Time       `json:"ends_at"`
}

func (EquityGrant) Instrument() InstrumentType  { return InstrumentEquity }
func (InterestNote) Instrument() InstrumentType { return InstrumentInterest }
func (RoyaltyGrant) Instrument() InstrumentType { return InstrumentRoyalty }

func (EquityGrant) isGrant()  {}
func (InterestNote) isGrant() {}
func (RoyaltyGrant) isGrant() {}

// EncodeGrant сериализует содержимое аллокации для хранения.
func EncodeGrant(g Grant) (InstrumentType, []byte, error) {
	if g == nil {
		return "", nil, ErrUnknownInstrument
	}
	data, err := json.Marshal(g)
	if err != nil {
		return "", nil, fmt.Errorf("marshal grant: %w", err)
	}
	return g.Instrument(), data, nil
}

// DecodeGrant восстанавливает содержимое аллокации по типу и JSON-представлению.
func DecodeGrant(typ InstrumentType, data []byte) (Grant, error) {
	switch typ {
	case InstrumentEquity:
		var g EquityGrant
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshal equity grant: %w", err)
		}
		return g, nil
	case InstrumentInterest:
		var g InterestNote
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshal interest note: %w", err)
		}
		return g, nil
	case InstrumentRoyalty:
		var g RoyaltyGrant
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshal royalty grant: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, typ)
	}
}
