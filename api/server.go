/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions. This
  is the wiring layer connecting URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS
  6. Replay:     Optional Redis-backed idempotent-response cache on
                 mutating routes (see replay.go)
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured. replay may be nil,
// in which case mutating routes run without the response cache.
func NewRouter(h *Handler, replay func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
	}))

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Get("/{id}/verify", h.VerifyIntegrity)

			r.Group(func(r chi.Router) {
				if replay != nil {
					r.Use(replay)
				}
				r.Post("/", h.CreateAccount)
				r.Post("/{id}/transactions", h.CreatePending)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{txID}", h.GetTransaction)

			r.Group(func(r chi.Router) {
				if replay != nil {
					r.Use(replay)
				}
				r.Post("/{txID}/settle", h.Settle)
				r.Post("/{txID}/refund", h.Refund)
				r.Post("/{txID}/void", h.Void)
			})
		})
	})

	return r
}
