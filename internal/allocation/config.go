package allocation

import (
	"fmt"
	"unicode"

	"github.com/mmeshcher/raise-allocation/internal/fee"
)

const (
	maxDecimalPlaces = 10
	maxPrefixLength  = 10
	defaultFeeBps    = 300
	defaultPrefix    = "RAISE"
	defaultEquityDP  = 4
	defaultRoyaltyDP = 6
)

// Config содержит настройки движка аллокаций.
type Config struct {
	EquityDecimalPlaces  int32  `yaml:"equity_decimal_places" env:"EQUITY_DECIMAL_PLACES"`
	RoyaltyDecimalPlaces int32  `yaml:"royalty_decimal_places" env:"ROYALTY_DECIMAL_PLACES"`
	PlatformFeeBps       int64  `yaml:"platform_fee_bps" env:"PLATFORM_FEE_BPS"`
	CertificatePrefix    string `yaml:"certificate_prefix" env:"CERTIFICATE_PREFIX"`
}

// DefaultConfig возвращает настройки по умолчанию: 4 знака для долей, 6 для роялти, комиссия 3%.
func DefaultConfig() Config {
	return Config{
		EquityDecimalPlaces:  defaultEquityDP,
		RoyaltyDecimalPlaces: defaultRoyaltyDP,
		PlatformFeeBps:       defaultFeeBps,
		CertificatePrefix:    defaultPrefix,
	}
}

// ValidateConfig проверяет настройки и возвращает список всех найденных нарушений.
// Пустой список означает корректную конфигурацию.
func ValidateConfig(cfg Config) []string {
	var problems []string

	if cfg.EquityDecimalPlaces < 0 || cfg.EquityDecimalPlaces > maxDecimalPlaces {
		problems = append(problems, fmt.Sprintf("equity decimal places must be between 0 and %d, got %d", maxDecimalPlaces, cfg.EquityDecimalPlaces))
	}
	if cfg.RoyaltyDecimalPlaces < 0 || cfg.RoyaltyDecimalPlaces > maxDecimalPlaces {
		problems = append(problems, fmt.Sprintf("royalty decimal places must be between 0 and %d, got %d", maxDecimalPlaces, cfg.RoyaltyDecimalPlaces))
	}
	if err := fee.ValidateBps(cfg.PlatformFeeBps); err != nil {
		problems = append(problems, fmt.Sprintf("platform fee must be between 0 and %d basis points, got %d", fee.MaxBps, cfg.PlatformFeeBps))
	}

	prefix := []rune(cfg.CertificatePrefix)
	switch {
	case len(prefix) == 0 || len(prefix) > maxPrefixLength:
		problems = append(problems, fmt.Sprintf("certificate prefix must be 1 to %d characters, got %d", maxPrefixLength, len(prefix)))
	case !isAlphabetic(prefix):
		problems = append(problems, fmt.Sprintf("certificate prefix must contain letters only, got %q", cfg.CertificatePrefix))
	}

	return problems
}

func isAlphabetic(rs []rune) bool {
	for _, r := range rs {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
