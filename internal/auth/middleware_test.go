package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMiddleware(apiKey string) *Middleware {
	return NewMiddleware(apiKey, NewJWTManager(&JWTConfig{Secret: "test-secret", Expiry: time.Hour}))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestOpenWhenNoKeyConfigured(t *testing.T) {
	m := newTestMiddleware("")
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected open access without configured key, got %d", rec.Code)
	}
}

func TestAPIKeyAccepted(t *testing.T) {
	m := newTestMiddleware("secret-key")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected valid key accepted, got %d", rec.Code)
	}
}

func TestRejectsWrongOrMissingCredentials(t *testing.T) {
	m := newTestMiddleware("secret-key")

	tests := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"missing", func(r *http.Request) {}},
		{"wrong key", func(r *http.Request) { r.Header.Set(APIKeyHeader, "nope") }},
		{"garbage bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") }},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tt.setup(req)
		rec := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", tt.name, rec.Code)
		}
	}
}

func TestIssuedTokenAccepted(t *testing.T) {
	m := newTestMiddleware("secret-key")

	token, err := m.IssueToken("secret-key", "integration-suite")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if _, err := m.IssueToken("wrong-key", "x"); err == nil {
		t.Fatal("expected token issuance rejected for wrong key")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var client string
	m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _ = ClientFromContext(r.Context())
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected issued token accepted, got %d", rec.Code)
	}
	if client != "integration-suite" {
		t.Errorf("expected client name in context, got %q", client)
	}
}
