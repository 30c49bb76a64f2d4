package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries the raw API key
	APIKeyHeader = "X-API-Key"

	// clientContextKey is the context key for the authenticated client name
	clientContextKey contextKey = "client"
)

// Middleware authenticates API requests. Callers present either the
// configured API key in the X-API-Key header, or a bearer token previously
// issued in exchange for it. With no API key configured the API is open.
type Middleware struct {
	apiKey string
	tokens *JWTManager
}

// NewMiddleware creates the authentication middleware
func NewMiddleware(apiKey string, tokens *JWTManager) *Middleware {
	return &Middleware{apiKey: apiKey, tokens: tokens}
}

// Enabled reports whether authentication is enforced
func (m *Middleware) Enabled() bool {
	return m.apiKey != ""
}

// IssueToken validates an API key and returns a session token for it
func (m *Middleware) IssueToken(apiKey, clientName string) (string, error) {
	if !m.validKey(apiKey) {
		return "", ErrInvalidToken
	}
	if clientName == "" {
		clientName = "api-client"
	}
	return m.tokens.GenerateToken(clientName)
}

// Handler wraps an http.Handler with authentication
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get(APIKeyHeader); key != "" {
			if !m.validKey(key) {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(withClient(r.Context(), "api-key")))
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), claims.ClientName)))
	})
}

func (m *Middleware) validKey(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(m.apiKey)) == 1
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func withClient(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, clientContextKey, name)
}

// ClientFromContext returns the authenticated client name, if any
func ClientFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(clientContextKey).(string)
	return name, ok
}
