package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader заголовок с подписью тела уведомления.
const SignatureHeader = "X-Signature"

// Типы уведомлений шлюза.
const (
	EventAuthorized = "payment.authorized"
	EventSucceeded  = "payment.succeeded"
	EventFailed     = "payment.failed"
)

// ErrInvalidEvent возвращается для нераспознанного уведомления.
var ErrInvalidEvent = errors.New("invalid payment event")

// Event уведомление шлюза о смене статуса платежа.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// Sign возвращает hex-кодированную подпись HMAC-SHA256 тела.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сравнивает подпись тела за постоянное время.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// ParseEvent разбирает тело уведомления.
func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if e.Reference == "" {
		return Event{}, fmt.Errorf("%w: reference is required", ErrInvalidEvent)
	}
	switch e.Type {
	case EventAuthorized, EventSucceeded, EventFailed:
		return e, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}
