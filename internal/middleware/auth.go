package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the name of the API key
// it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// BearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func BearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyName, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil {
					ip := ExtractIP(r.RemoteAddr)
					if !cfg.rateLimiter.RecordFailureAndAllow(ip) {
						http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
						return
					}
				}
				writeUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), keyNameKey, keyName)
			if keyID := apiKeyIDFromBearer(r.Header.Get("Authorization")); keyID != "" {
				ctx = context.WithValue(ctx, apiKeyIDKey, keyID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const (
	keyNameKey  contextKey = "key_name"
	apiKeyIDKey contextKey = "api_key_id"
)

// KeyNameFromContext retrieves the authenticated API key name from the context.
func KeyNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(keyNameKey).(string)
	return name, ok
}

// NewContextWithKeyName returns a new context carrying the given API key name.
func NewContextWithKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyNameKey, name)
}

// APIKeyIDFromContext retrieves the API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	keyName, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(keyName) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return keyName, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// apiKeyIDFromBearer extracts the API key ID (the part before the dot) from
// a bearer token in format "Bearer keyID.secret".
func apiKeyIDFromBearer(authHeader string) string {
	token, err := parseBearerToken(authHeader)
	if err != nil {
		return ""
	}
	keyID, _, ok := strings.Cut(token, ".")
	if !ok || keyID == "" {
		return ""
	}
	return keyID
}
