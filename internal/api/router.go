package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/auth"
)

// Deps are the collaborators served by the admin router.
type Deps struct {
	Service  NotificationService
	Notifier EventNotifier
	// Worker is nil when no worker runs in this process.
	Worker WorkerStatser
	Auth   *auth.Authenticator
	Log    zerolog.Logger

	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the
	// peer address. Enable only behind a proxy that overwrites them;
	// otherwise clients choose the address the auth lockout is keyed on.
	TrustProxyHeaders bool
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(clientIP(d.TrustProxyHeaders))
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(d.Log))
	r.Use(RecoverMiddleware(d.Log))

	// Health and metrics endpoints (no auth required)
	r.Get("/healthz", HealthzHandler(time.Now()))
	r.Get("/readyz", ReadyzHandler(d.Service))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		// Read-only
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleViewer))
			r.Get("/stats", StatsHandler(d.Service))
			r.Get("/queues", ListQueuesHandler(d.Service))
			r.Get("/worker", WorkerStatsHandler(d.Worker))
		})

		// Mutating
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/", SubmitEventHandler(d.Notifier))
			r.Post("/messages", SubmitMessageHandler(d.Service))
			r.Post("/process", ProcessHandler(d.Service))
			r.Post("/dlq/requeue", RequeueHandler(d.Service))
			r.Post("/purge", PurgeHandler(d.Service))
		})
	})

	return r
}

func clientIP(trustProxy bool) func(http.Handler) http.Handler {
	if trustProxy {
		return middleware.RealIP
	}
	return func(next http.Handler) http.Handler { return next }
}
