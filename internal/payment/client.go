// Package payment предоставляет клиент внешнего платёжного шлюза и проверку его уведомлений.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

// ErrNotConfigured возвращается, если адрес шлюза не задан.
var ErrNotConfigured = errors.New("payment gateway not configured")

// StatusError описывает ответ шлюза с неуспешным HTTP-статусом.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status: %d: %s", e.Code, e.Message)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Временные ошибки (обрыв соединения, 429, 5xx) повторяются с тем же Idempotency-Key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
	currency   string
}

// Option настраивает Client.
type Option func(*Client)

// WithRetry задаёт число повторов и границы паузы между ними.
func WithRetry(maxRetries int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.httpClient.RetryMax = maxRetries
		c.httpClient.RetryWaitMin = waitMin
		c.httpClient.RetryWaitMax = waitMax
	}
}

// WithTimeout задаёт таймаут одной попытки.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.HTTPClient.Timeout = d
	}
}

// WithLogger направляет журнал повторов в zap.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.httpClient.Logger = leveledLogger{logger.Sugar()}
		}
	}
}

// WithCurrency задаёт валюту платежей.
func WithCurrency(currency string) Option {
	return func(c *Client) {
		c.currency = strings.ToLower(currency)
	}
}

// NewClient создаёт клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: rc,
		currency:   "usd",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type authorizeRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type authorizeResponse struct {
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret"`
}

type transferRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	PayeeID     string            `json:"payee_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type referenceResponse struct {
	Reference string `json:"reference"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Authorize создаёт платёж на указанную сумму и возвращает его ссылку и секрет для клиента.
func (c *Client) Authorize(ctx context.Context, amountCents int64, metadata map[string]string) (model.PaymentAuthorization, error) {
	var resp authorizeResponse
	err := c.do(ctx, http.MethodPost, "/v1/authorizations", authorizeRequest{
		AmountCents: amountCents,
		Currency:    c.currency,
		Metadata:    metadata,
	}, &resp)
	if err != nil {
		return model.PaymentAuthorization{}, fmt.Errorf("authorize: %w", err)
	}
	if resp.Reference == "" {
		return model.PaymentAuthorization{}, errors.New("authorize: empty payment reference")
	}
	return model.PaymentAuthorization{Reference: resp.Reference, ClientSecret: resp.ClientSecret}, nil
}

// Capture списывает ранее авторизованный платёж.
func (c *Client) Capture(ctx context.Context, ref string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(ref)+"/capture", nil, nil); err != nil {
		return fmt.Errorf("capture %s: %w", ref, err)
	}
	return nil
}

// Refund возвращает платёж и возвращает ссылку возврата.
func (c *Client) Refund(ctx context.Context, ref string) (string, error) {
	var resp referenceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(ref)+"/refunds", nil, &resp); err != nil {
		return "", fmt.Errorf("refund %s: %w", ref, err)
	}
	return resp.Reference, nil
}

// Transfer переводит сумму получателю и возвращает ссылку перевода.
func (c *Client) Transfer(ctx context.Context, amountCents int64, payeeID string, metadata map[string]string) (string, error) {
	var resp referenceResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfers", transferRequest{
		AmountCents: amountCents,
		Currency:    c.currency,
		PayeeID:     payeeID,
		Metadata:    metadata,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return resp.Reference, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Message}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type leveledLogger struct {
	l *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.l.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.l.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.l.Warnw(msg, keysAndValues...)
}
