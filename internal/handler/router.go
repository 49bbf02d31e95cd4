package handler

import (
	"compress/gzip"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/creditledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.DecompressRequest)
	r.Use(chimiddleware.Compress(gzip.DefaultCompression, "application/json", "text/plain"))
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/webhooks/{provider}", h.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/packages", h.ListPackages)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/purchases", h.CreatePurchase)
			r.Get("/purchases/{reference}", h.GetPurchase)
			r.Post("/purchases/{reference}/cancel", h.CancelPurchase)

			r.Get("/balance", h.GetBalance)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(custommiddleware.InternalAuth(h.internalSecret))

		r.Post("/sessions", h.IssueSession)
		r.Post("/recovery/retry", h.RunRetry)
		r.Post("/recovery/expire", h.RunExpire)
		r.Get("/health", h.Health)
		r.Get("/orders/unmatched", h.ListUnmatched)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
