package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/logger"
	"github.com/sungwon/inventory-notify/internal/metrics"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationIDMiddleware propagates the caller's X-Correlation-ID, or mints
// one, into the request context and the response headers.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = logger.NewCorrelationID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithCorrelationID(r.Context(), id)))
	})
}

// LoggingMiddleware stores log in the request context, records request metrics by route pattern
// and logs one line per request. Probe endpoints log at debug.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			r = r.WithContext(logger.WithLogger(r.Context(), log))
			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			requestEvent(logger.FromContext(r.Context()), route, sw.status).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", sw.status).
				Dur("duration", elapsed).
				Msg("request completed")
		})
	}
}

func requestEvent(log *zerolog.Logger, route string, status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return log.Warn()
	case route == "/healthz" || route == "/readyz" || route == "/metrics":
		return log.Debug()
	default:
		return log.Info()
	}
}

// routePattern keeps the metric label set bounded to registered routes.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter records the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// RecoverMiddleware turns a handler panic into a 500. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func RecoverMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqLog := log
				if id := logger.CorrelationIDFromContext(r.Context()); id != "" {
					reqLog = log.With().Str("correlation_id", id).Logger()
				}
				reqLog.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("handler panic recovered")
				respondError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
