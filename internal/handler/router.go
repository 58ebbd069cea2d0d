package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/boostpay/internal/metrics"
	custommiddleware "github.com/mmeshcher/boostpay/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса продвижения.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.Metrics)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/api/webhooks/payments", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)
		r.Use(h.authMiddleware.Middleware)

		r.Get("/api/boost/prices", h.GetPrices)

		r.Route("/api/items/{itemID}/boost", func(r chi.Router) {
			r.Post("/", h.OpenDialog)
			r.Get("/orders", h.GetItemOrders)
		})

		r.Route("/api/boost/dialogs/{dialogID}", func(r chi.Router) {
			r.Get("/", h.GetDialog)
			r.Post("/tier", h.SelectTier)
			r.Post("/next", h.Next)
			r.Post("/back", h.Back)
			r.Post("/duration", h.SelectDuration)
			r.Post("/close", h.CloseDialog)

			r.Group(func(r chi.Router) {
				if h.payLimiter != nil {
					r.Use(h.payLimiter.Handler)
				}
				r.Post("/pay", h.Pay)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
