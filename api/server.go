/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator consoles
  5. Metrics:    Request count and latency per route pattern

ROUTE GROUPS:
  /api/commands         Command intake
  /api/resources/*      Resource projection, history and transfer status
  /api/transfers/*      Pending transfers and deadline sweep
  /api/reports/*        Transaction reports
  /api/txn/*            Migration mode
  /health               Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The intake trusts the front end to have
  authenticated the registrar; bind the listener to a private network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backwardn/nomulus/metrics"
)

// NewRouter creates a new router with all routes configured. mt may be
// nil.
func NewRouter(h *Handler, mt *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(instrument(mt))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(h.manager().Mode())})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/commands", h.ExecuteCommand)

		r.Route("/resources/{kind}/{id}", func(r chi.Router) {
			r.Get("/", h.GetResource)
			r.Get("/history", h.GetHistory)
			r.Get("/transfer", h.GetTransfer)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/pending", h.ListPendingTransfers)
			r.Post("/sweep", h.SweepTransfers)
		})

		r.Get("/reports/{month}.xlsx", h.ExportReports)
		r.Get("/reports/{tld}/{month}", h.GetReport)

		r.Route("/txn", func(r chi.Router) {
			r.Get("/mode", h.GetMode)
			r.Put("/mode", h.SetMode)
		})
	})

	return r
}

// instrument records every request under its route pattern so ids in
// the path do not explode label cardinality.
func instrument(mt *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			mt.ObserveHTTP(route, strconv.Itoa(status), start)
		})
	}
}
