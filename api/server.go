/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the management console

ROUTE GROUPS:
  /api/allocations/*    Leases
  /api/tenants/*        Per-tenant bill, arrears, payments
  /api/payments/*       Payment recording
  /api/notifications/*  Outbound SMS queue
  /api/billing/*        Billing runs
  /api/scheduler/*      Scheduler control
  /api/settings         Operator settings
  /api/scenarios/*      Demo scenarios

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

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/allocations", func(r chi.Router) {
			r.Get("/", h.ListAllocations)
			r.Post("/", h.CreateAllocation)
		})

		r.Route("/tenants/{tenantID}/units/{unitID}", func(r chi.Router) {
			r.Get("/bill", h.GetBill)
			r.Put("/arrears", h.SetArrears)
			r.Get("/payments", h.ListPayments)
		})

		r.Put("/water-bills", h.UpsertWaterBill)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RecordPayment)
			r.Post("/preview", h.PreviewPayment)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Post("/", h.SendNotification)
			r.Post("/flush", h.FlushNotifications)
			r.Post("/retry-failed", h.RetryFailedNotifications)
		})

		r.Route("/billing/runs", func(r chi.Router) {
			r.Get("/", h.ListBillingRuns)
			r.Post("/", h.TriggerBillingRun)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", h.SchedulerStatus)
			r.Post("/start", h.StartScheduler)
			r.Post("/stop", h.StopScheduler)
			r.Post("/restart", h.RestartScheduler)
			r.Post("/trigger", h.TriggerBillingRun)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})

	return r
}
