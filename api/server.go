/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog access log, tagged with the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/users/{userID}/accounts  Account listing and creation
  /api/accounts/{id}/*          Account, balance and event endpoints
  /api/efforts/*                Effort logging and decisions
  /api/admin/*                  Operator endpoints
  /healthz                      Liveness

SECURITY NOTE:
  No authentication middleware. The X-User-ID header is trusted as is.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", userHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{userID}/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
		})

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Delete("/", h.DeleteAccount)
			r.Post("/lock", h.LockAccount)
			r.Post("/unlock", h.UnlockAccount)
			r.Get("/balance", h.GetBalance)
			r.Get("/balances", h.ListBalances)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/payments", h.RecordPayment)
			r.Post("/withdrawals", h.RecordWithdrawal)
			r.Post("/reconcile", h.Reconcile)
		})

		r.Route("/efforts", func(r chi.Router) {
			r.Post("/", h.LogEffort)
			r.Post("/{id}/approve", h.ApproveEffort)
			r.Post("/{id}/deny", h.DenyEffort)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile-pending", h.ReconcilePending)
		})
	})

	return r
}

// requestLogger writes one zerolog line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
