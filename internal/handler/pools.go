package handler

import (
	"net/http"

	"github.com/mmeshcher/raise-allocation/internal/middleware"
	"github.com/mmeshcher/raise-allocation/internal/model"
)

// CreatePool создаёт пул в статусе DRAFT. Бизнес создаёт пулы только от своего имени.
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if actor.Role == middleware.RoleBusiness {
		if req.BusinessID == "" {
			req.BusinessID = actor.ID
		}
		if req.BusinessID != actor.ID {
			writeError(w, http.StatusForbidden, "forbidden", "business may only create its own pools")
			return
		}
	}

	in, err := req.toInput()
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	pool, err := h.service.CreatePool(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writePool(w, r, http.StatusCreated, pool)
}

// GetPool возвращает пул с производными показателями.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.GetPoolDetails(r.Context(), poolID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	pool, err := newPoolResponse(details.Pool)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, poolDetailsResponse{
		poolResponse:     pool,
		RemainingCents:   details.RemainingCents,
		ContributorCount: details.ContributorCount,
		DaysRemaining:    details.DaysRemaining,
		AcceptingFunds:   details.AcceptingFunds,
	})
}

// GetProgress возвращает прогресс сбора средств.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.GetProgress(r.Context(), poolID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// OpenPool открывает пул для вложений. Доступно владельцу пула и администратору.
func (h *Handler) OpenPool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id := poolID(r)
	if !actor.IsAdmin() {
		details, err := h.service.GetPoolDetails(r.Context(), id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if details.Pool.BusinessID != actor.ID {
			writeError(w, http.StatusForbidden, "forbidden", "only the owning business may open the pool")
			return
		}
	}

	pool, err := h.service.OpenPool(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writePool(w, r, http.StatusOK, pool)
}

// CancelPool отменяет пул и возвращает подтверждённые вложения.
func (h *Handler) CancelPool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	pool, err := h.service.CancelPool(r.Context(), poolID(r), actor.ID, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writePool(w, r, http.StatusOK, pool)
}

// ExtendPool переносит срок действия открытого пула.
func (h *Handler) ExtendPool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req extendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pool, err := h.service.ExtendPool(r.Context(), poolID(r), actor.ID, req.ExpiresAt)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writePool(w, r, http.StatusOK, pool)
}

// ListAllocations возвращает сохранённые аллокации пула.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListAllocations(r.Context(), poolID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp, err := newAllocationResponses(list)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PreviewAllocations рассчитывает аллокации без сохранения.
func (h *Handler) PreviewAllocations(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.PreviewAllocations(r.Context(), poolID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp, err := newPreviewResponse(res)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Allocate запускает распределение и выплату вручную.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AllocateAndPayout(r.Context(), poolID(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryPayout повторяет неудавшуюся выплату.
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RetryPayout(r.Context(), poolID(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAuditLog возвращает журнал событий пула.
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListAuditLog(r.Context(), poolID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditResponse{
			Type:      e.Type,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writePool(w http.ResponseWriter, r *http.Request, status int, pool *model.Pool) {
	resp, err := newPoolResponse(*pool)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}
