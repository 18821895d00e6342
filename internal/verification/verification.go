// Package verification проверяет, прошли ли бизнес и инвесторы верификацию личности.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotConfigured возвращается, если адрес сервиса верификации не задан.
var ErrNotConfigured = errors.New("verification service not configured")

// Verifier проверяет статус верификации стороны.
type Verifier interface {
	IsVerified(ctx context.Context, partyID string) (bool, error)
}

// Client обращается к внешнему сервису верификации по HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

type statusResponse struct {
	Verified bool `json:"verified"`
}

// NewClient создаёт клиент сервиса верификации.
func NewClient(baseURL, apiKey string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{baseURL: base, apiKey: apiKey, httpClient: rc}
}

// IsVerified запрашивает статус верификации. Неизвестная сервису сторона считается неверифицированной.
func (c *Client) IsVerified(ctx context.Context, partyID string) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, ErrNotConfigured
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/parties/"+url.PathEscape(partyID)+"/verification", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return status.Verified, nil
}

// Static считает верифицированными все стороны, кроме перечисленных. Только для локального запуска.
type Static struct {
	denied map[string]struct{}
}

// NewStatic создаёт верификатор, отклоняющий только denied.
func NewStatic(denied ...string) *Static {
	s := &Static{denied: make(map[string]struct{}, len(denied))}
	for _, id := range denied {
		s.denied[id] = struct{}{}
	}
	return s
}

// IsVerified возвращает false только для отклонённых сторон.
func (s *Static) IsVerified(_ context.Context, partyID string) (bool, error) {
	_, denied := s.denied[partyID]
	return !denied, nil
}
