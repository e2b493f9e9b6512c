/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, picked up by logger.WithContext
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Bounds every request
  6. CORS:       Cross-origin requests from the caregiver and family apps

ROUTE GROUPS:
  /api/taps/*            Challenge issuance
  /api/events            Event submission
  /api/beneficiaries/*   Onboarding, rates, secret rotation, summaries
  /api/billing/*         Batch billing
  /api/holidays          Holiday calendar
  /healthz               Liveness

SECURITY NOTE:
  Tap endpoints authenticate with the tag secret. Administrative and billing
  endpoints carry no authentication of their own and are expected to sit
  behind the operator's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/care-attendance/logger"
)

// RequestTimeout bounds a single request, batch billing included.
const RequestTimeout = 30 * time.Second

// RouterOptions tunes the router. The zero value allows local dev origins.
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

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Tap routes
		r.Post("/taps/challenge", h.IssueChallenge)
		r.Post("/events", h.SubmitEvent)

		// Beneficiary routes
		r.Route("/beneficiaries", func(r chi.Router) {
			r.Post("/", h.CreateBeneficiary)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(beneficiaryContext)
				r.Post("/rates", h.AddRate)
				r.Post("/secret", h.RotateSecret)
				r.Get("/summary", h.GetSummary)
				r.Get("/events", h.ListEvents)
			})
		})

		// Billing routes
		r.Post("/billing/batch", h.ComputeBatch)

		// Holiday routes
		r.Get("/holidays", h.ListHolidays)
	})

	return r
}

// beneficiaryContext stores the {id} path parameter for request loggers.
func beneficiaryContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chi.URLParam(r, "id"); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), logger.BeneficiaryKey, id))
		}
		next.ServeHTTP(w, r)
	})
}
