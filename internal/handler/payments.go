package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/raise-allocation/internal/payment"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/service"
)

// Invest принимает вложение текущего участника в пул.
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req investRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.service.Invest(r.Context(), service.InvestInput{
		PoolID:        poolID(r),
		ContributorID: actor.ID,
		AmountCents:   req.AmountCents,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, investResponse{
		ContributionID: res.Contribution.ID,
		AmountCents:    res.Contribution.AmountCents,
		Status:         string(res.Contribution.Status),
		ClientSecret:   res.ClientSecret,
		Clipped:        res.Clipped,
	})
}

// PaymentWebhook принимает подписанные уведомления платёжного шлюза.
// Уведомления о неизвестных или уже завершённых платежах подтверждаются, чтобы шлюз не повторял их.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	if !payment.VerifySignature([]byte(h.cfg.WebhookSecret), body, r.Header.Get(payment.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}

	event, err := payment.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	switch event.Type {
	case payment.EventAuthorized:
		err = h.service.OnPaymentAuthorized(r.Context(), event.Reference)
	case payment.EventSucceeded:
		err = h.service.OnPaymentSucceeded(r.Context(), event.Reference)
	case payment.EventFailed:
		err = h.service.OnPaymentFailed(r.Context(), event.Reference, event.Reason)
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, service.ErrInvalidState):
		h.logger.Warn("payment event ignored",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
		)
	default:
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
