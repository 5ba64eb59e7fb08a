package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := BearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		nextCalled := false
		handler := BearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("invalid authorization header", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := BearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", keyName: "ci-deploys"}
		handler := BearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, ok := KeyNameFromContext(r.Context())
			if !ok || name != "ci-deploys" {
				t.Errorf("KeyNameFromContext = %q, %v; want ci-deploys, true", name, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
		if validator.gotToken != "good" {
			t.Fatalf("expected token %q, got %q", "good", validator.gotToken)
		}
	})

	t.Run("key id extracted from token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "key-1.secret", keyName: "ci-deploys"}
		handler := BearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := APIKeyIDFromContext(r.Context())
			if !ok || id != "key-1" {
				t.Errorf("APIKeyIDFromContext = %q, %v; want key-1, true", id, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer key-1.secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
	})

	t.Run("nil validator", func(t *testing.T) {
		handler := BearerAuthMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer anything")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("failure callback and rate limit", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		failures := 0
		rl := NewRateLimiter(context.Background(), 2)
		defer rl.Stop()
		handler := BearerAuthMiddleware(validator,
			WithOnAuthFailure(func() { failures++ }),
			WithRateLimiter(rl),
		)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		var lastCode int
		for range 5 {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer bad")
			req.RemoteAddr = "192.0.2.1:1234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			lastCode = rec.Code
		}

		if failures != 5 {
			t.Fatalf("expected 5 failure callbacks, got %d", failures)
		}
		if lastCode != http.StatusTooManyRequests {
			t.Fatalf("expected %d after limit exceeded, got %d", http.StatusTooManyRequests, lastCode)
		}
	})
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v, want nil", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if !APIKeyMatchesHash(hash, "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(hash, "wrong") {
		t.Fatal("expected API key mismatch")
	}
	legacySum := sha256.Sum256([]byte("legacy-secret"))
	legacyHash := hex.EncodeToString(legacySum[:])
	if !APIKeyMatchesHash(legacyHash, "legacy-secret") {
		t.Fatal("expected API key to match legacy hash")
	}
	if APIKeyMatchesHash("not-hex", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	keyName       string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.keyName, nil
}
