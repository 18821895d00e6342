package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/raise-allocation/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.cfg.Metrics != nil {
		r.Use(custommiddleware.Metrics(h.cfg.Metrics))
	}

	r.Get("/healthz", h.Healthz)
	if h.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/api/webhooks/payments", h.PaymentWebhook)

	r.Route("/api/pools", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.With(custommiddleware.RequireRole(custommiddleware.RoleBusiness, custommiddleware.RoleAdmin)).
			Post("/", h.CreatePool)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetPool)
			r.Get("/progress", h.GetProgress)
			r.Get("/allocations", h.ListAllocations)
			r.Post("/investments", h.Invest)

			r.With(custommiddleware.RequireRole(custommiddleware.RoleBusiness, custommiddleware.RoleAdmin)).
				Post("/open", h.OpenPool)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

				r.Post("/cancel", h.CancelPool)
				r.Post("/extend", h.ExtendPool)
				r.Post("/allocate", h.Allocate)
				r.Post("/payout/retry", h.RetryPayout)
				r.Get("/allocations/preview", h.PreviewAllocations)
				r.Get("/audit", h.GetAuditLog)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
