package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"type":"payment.succeeded","reference":"pi_1"}`)
	sig := Sign(secret, body)

	tests := []struct {
		name   string
		secret []byte
		body   []byte
		sig    string
		want   bool
	}{
		{name: "valid", secret: secret, body: body, sig: sig, want: true},
		{name: "uppercase hex", secret: secret, body: body, sig: strings.ToUpper(sig), want: true},
		{name: "tampered body", secret: secret, body: []byte(string(body) + " "), sig: sig},
		{name: "wrong secret", secret: []byte("other"), body: body, sig: sig},
		{name: "empty signature", secret: secret, body: body, sig: ""},
		{name: "empty secret", secret: nil, body: body, sig: sig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.secret, tt.body, tt.sig))
		})
	}
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent([]byte(`{"id":"evt_1","type":"payment.failed","reference":"pi_1","reason":"card_declined"}`))
	require.NoError(t, err)
	assert.Equal(t, Event{ID: "evt_1", Type: EventFailed, Reference: "pi_1", Reason: "card_declined"}, e)

	for _, body := range []string{
		`{"type":"payment.refunded","reference":"pi_1"}`,
		`{"type":"payment.succeeded"}`,
		`not json`,
	} {
		_, err := ParseEvent([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidEvent, body)
	}
}
