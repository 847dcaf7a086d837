package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/jooyeonthemaster/admarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса рекламного кабинета.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/client", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{type}/{id}", h.GetOrder)
			r.Get("/orders/{type}/{id}/progress", h.GetOrderProgress)
			r.Post("/orders/{type}/{id}/cancel", h.CancelOrder)

			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.ListTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminToken(h.adminToken))

			r.Post("/cancellations/{id}/decision", h.DecideCancellation)
			r.Post("/orders/{type}/{id}/status", h.AdvanceOrderStatus)
			r.Post("/clients/{id}/topup", h.TopUpClient)
			r.Get("/clients/{id}/ledger", h.GetClientLedger)
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
