package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/metrics"
)

type contextKey string

const (
	subjectKey contextKey = "auth_subject"
	roleKey    contextKey = "auth_role"
)

// Subjects assigned when no token subject exists.
const (
	SubjectAPIKey    = "api-key"
	SubjectAnonymous = "anonymous"
)

// SubjectFromContext retrieves the authenticated subject from the request context.
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// RoleFromContext retrieves the authenticated role from the request context.
// Returns an empty string if no role is set.
func RoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey).(string); ok {
		return role
	}
	return ""
}

// WithIdentity stores subject and role in ctx.
func WithIdentity(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, subjectKey, subject)
	return context.WithValue(ctx, roleKey, role)
}

// Authenticator validates admin credentials. It accepts a Bearer JWT issued
// by TokenService, or an API key (Bearer or X-API-Key) matching the
// configured bcrypt hash. API keys carry the admin role.
type Authenticator struct {
	disabled   bool
	tokens     *TokenService
	apiKeyHash string
	limiter    *RateLimiter
	log        zerolog.Logger
}

// NewAuthenticator builds an Authenticator from cfg. limiter may be nil.
func NewAuthenticator(cfg Config, limiter *RateLimiter, log zerolog.Logger) *Authenticator {
	a := &Authenticator{
		disabled:   cfg.Disabled,
		apiKeyHash: cfg.APIKeyHash,
		limiter:    limiter,
		log:        log.With().Str("component", "auth").Logger(),
	}
	if cfg.JWTSecret != "" {
		a.tokens = NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	}
	return a
}

// Middleware returns an HTTP middleware enforcing authentication. On success
// the subject and role are stored in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), SubjectAnonymous, RoleAdmin)))
			return
		}

		client := clientAddr(r)
		if err := a.limiter.Check(r.Context(), client); err != nil {
			if errors.Is(err, ErrLockedOut) {
				metrics.APIAuthFailuresTotal.Inc()
				writeError(w, http.StatusTooManyRequests, ErrLockedOut.Error())
				return
			}
			a.log.Warn().Err(err).Msg("auth lockout check failed")
		}

		credential, msg := extractCredential(r)
		if credential == "" {
			a.reject(w, r, client, msg)
			return
		}

		subject, role, ok := a.authenticate(credential)
		if !ok {
			a.reject(w, r, client, "invalid credentials")
			return
		}

		if err := a.limiter.Clear(r.Context(), client); err != nil {
			a.log.Warn().Err(err).Msg("clear auth failures failed")
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), subject, role)))
	})
}

func (a *Authenticator) authenticate(credential string) (subject, role string, ok bool) {
	// JWT format: header.payload.signature
	if a.tokens != nil && strings.Count(credential, ".") == 2 {
		claims, err := a.tokens.Validate(credential)
		if err == nil {
			return claims.Subject, claims.Role, true
		}
		a.log.Debug().Err(err).Msg("jwt rejected")
	}
	if CheckAPIKey(a.apiKeyHash, credential) {
		return SubjectAPIKey, RoleAdmin, true
	}
	return "", "", false
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, client, msg string) {
	metrics.APIAuthFailuresTotal.Inc()
	if err := a.limiter.RecordFailure(r.Context(), client); err != nil {
		a.log.Warn().Err(err).Msg("record auth failure failed")
	}
	a.log.Info().Str("client", client).Str("path", r.URL.Path).Str("reason", msg).Msg("authentication failed")
	writeError(w, http.StatusUnauthorized, msg)
}

// extractCredential returns the presented credential, or an empty string
// and the rejection message.
func extractCredential(r *http.Request) (string, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, ""
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "authorization header required"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization format, expected Bearer <token>"
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
