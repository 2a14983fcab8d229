/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the ops console

ROUTE GROUPS:
  /api/snapshots    Ingestion
  /api/doctors/*    Sammel cycles and checkpoints
  /api/invoices/*   Standard invoices and credit notes
  /api/requests/*   Generation request state
  /health           Liveness and backend checks
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	if opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/snapshots", h.IngestSnapshot)

		// Doctor routes
		r.Route("/doctors/{id}", func(r chi.Router) {
			r.Post("/sammel-cycles", h.TriggerSammelCycle)
			r.Get("/checkpoints", h.ListCheckpoints)
			r.Get("/checkpoints/latest", h.GetLatestCheckpoint)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateStandardInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/credit-notes", h.CreateCreditNote)
		})

		// Generation request routes
		r.Get("/requests/{id}", h.GetRequest)
	})

	return r
}
