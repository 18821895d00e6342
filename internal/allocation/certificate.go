package allocation

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

const fragmentLength = 8

// certificateIssuer выдаёт номера сертификатов. Монотонная энтропия ULID гарантирует
// уникальность токенов, выданных в одну и ту же миллисекунду.
type certificateIssuer struct {
	mu      sync.Mutex
	prefix  string
	entropy *ulid.MonotonicEntropy
}

func newCertificateIssuer(prefix string) *certificateIssuer {
	return &certificateIssuer{
		prefix:  prefix,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (ci *certificateIssuer) issue(poolID, contributorID string, at time.Time) (string, error) {
	ci.mu.Lock()
	token, err := ulid.New(ulid.Timestamp(at), ci.entropy)
	ci.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("generate certificate token: %w", err)
	}

	return fmt.Sprintf("%s-%s-%s-%s",
		ci.prefix,
		normalizeFragment(poolID),
		normalizeFragment(contributorID),
		token.String(),
	), nil
}

// normalizeFragment оставляет первые буквы и цифры идентификатора в верхнем регистре.
func normalizeFragment(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() >= fragmentLength {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	return b.String()
}
