package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/avmirov/smmpanel-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса SMM-панели.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/services", h.GetServices)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/ledger", h.GetLedger)
			r.Post("/user/balance/topup", h.TopUp)

			r.Post("/user/orders", h.PlaceOrder)
			r.Get("/user/orders", h.GetOrders)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/services", h.CreateOffering)
				r.Put("/services/{id}", h.UpdateOffering)
				r.Delete("/services/{id}", h.DeleteOffering)

				r.Get("/orders", h.ListAllOrders)
				r.Post("/orders/{number}/provider", h.AttachProviderOrder)
				r.Post("/orders/{number}/sync", h.SyncOrderStatus)

				r.Post("/balance/adjust", h.AdjustBalance)
				r.Get("/reconciliations", h.ListReconciliations)
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
