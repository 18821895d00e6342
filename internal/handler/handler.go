// Package handler содержит HTTP-обработчики API сервиса привлечения инвестиций.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/metrics"
	"github.com/mmeshcher/raise-allocation/internal/middleware"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/service"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePool(ctx context.Context, in validation.PoolInput) (*model.Pool, error)
	OpenPool(ctx context.Context, poolID, actorID string) (*model.Pool, error)
	CancelPool(ctx context.Context, poolID, actorID, reason string) (*model.Pool, error)
	ExtendPool(ctx context.Context, poolID, actorID string, expiresAt time.Time) (*model.Pool, error)
	GetPoolDetails(ctx context.Context, poolID string) (*model.PoolDetails, error)
	GetProgress(ctx context.Context, poolID string) (*model.Progress, error)
	Invest(ctx context.Context, in service.InvestInput) (*service.InvestResult, error)
	OnPaymentAuthorized(ctx context.Context, paymentRef string) error
	OnPaymentSucceeded(ctx context.Context, paymentRef string) error
	OnPaymentFailed(ctx context.Context, paymentRef, reason string) error
	AllocateAndPayout(ctx context.Context, poolID string) error
	RetryPayout(ctx context.Context, poolID string) error
	PreviewAllocations(ctx context.Context, poolID string) (allocation.Result, error)
	ListAllocations(ctx context.Context, poolID string) ([]model.Allocation, error)
	ListAuditLog(ctx context.Context, poolID string) ([]model.AuditEntry, error)
}

// Config дополнительные настройки HTTP-слоя.
type Config struct {
	// WebhookSecret ключ подписи уведомлений платёжного шлюза.
	WebhookSecret string
	// Gatherer источник метрик для /metrics. Если nil, маршрут не регистрируется.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Collector
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	cfg            Config
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, cfg Config) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		cfg:            cfg,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// respondError переводит ошибку бизнес-логики в HTTP-ответ. Внутренние подробности
// ошибок внешних систем и неожиданных сбоев клиенту не передаются.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalidInput), errors.Is(err, allocation.ErrInvalidTerms):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, service.ErrNotVerified):
		writeError(w, http.StatusForbidden, "not_verified", err.Error())
	case errors.Is(err, service.ErrPaymentFailed):
		h.logger.Error("payment gateway failure", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusBadGateway, "payment_failed", service.ErrPaymentFailed.Error())
	case errors.Is(err, service.ErrVerificationFailed):
		h.logger.Error("verification service failure", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusBadGateway, "verification_failed", service.ErrVerificationFailed.Error())
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (middleware.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing actor")
	}
	return actor, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return false
	}
	return true
}

func poolID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// Healthz отвечает на проверку живости.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
