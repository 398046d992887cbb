package api

import (
	"context"
	"net/http"
	"time"
)

// readinessTimeout bounds one readiness probe against the queue store.
const readinessTimeout = 3 * time.Second

// Pinger reports whether the backing queue can be reached.
type Pinger interface {
	Ready(ctx context.Context) error
}

type healthBody struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// HealthzHandler reports liveness and process uptime. It never touches the queue.
func HealthzHandler(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, healthBody{
			Status: "ok",
			Uptime: time.Since(started).Truncate(time.Second).String(),
		})
	}
}

// ReadyzHandler answers 200 while the live queue is reachable, else 503
// with Retry-After so load balancers back off.
func ReadyzHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := p.Ready(ctx); err != nil {
			w.Header().Set("Retry-After", "30")
			respondError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		respondJSON(w, http.StatusOK, healthBody{Status: "ready"})
	}
}
