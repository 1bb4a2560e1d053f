/**
 * @description
 * HTTP router setup for the databundle-service using go-chi/chi. User routes sit
 * behind bearer authentication, admin routes additionally require the admin role,
 * and the payment webhook authenticates by signature.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS headers for the web client.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the settings the router needs beyond the handler.
type RouterConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers all service routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/paystack", h.handlePaystackWebhook)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

			r.Route("/wallet", func(r chi.Router) {
				r.Post("/add-funds", h.handleAddFunds)
				r.Get("/verify-payment", h.handleVerifyPayment)
				r.Get("/balance", h.handleBalance)
				r.Get("/transactions", h.handleTransactions)
			})

			r.Route("/data", func(r chi.Router) {
				r.Post("/process-data-order", h.handlePlaceOrder)
				r.Post("/process-afa-registration", h.handlePlaceAFARegistration)
				r.Get("/order-status/{reference}", h.handleOrderStatus)
				r.Get("/user-orders/{userId}", h.handleUserOrders)
				r.Get("/networks", h.handleListNetworks)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Put("/networks/{network}", h.handleSetNetworkAvailability)
				r.Post("/wallet/adjust", h.handleAdjustWallet)
				r.Post("/orders/{reference}/reverse", h.handleReverseOrder)
			})

			r.Route("/admin-withdrawal", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/weekly-profits", h.handleWeeklyProfits)
				r.Post("/verify-account", h.handleVerifyAccount)
				r.Post("/withdraw-week", h.handleWithdrawWeek)
				r.Get("/transfer-status/{id}", h.handleTransferStatus)
				r.Post("/retry/{id}", h.handleRetryTransfer)
			})
		})
	})

	return r
}
