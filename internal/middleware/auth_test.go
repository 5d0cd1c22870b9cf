package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc", want: "abc"},
		{header: "abc", want: "abc"},
		{header: "", wantErr: true},
		{header: "Token a b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ExtractToken(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractToken(%q) err = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ExtractToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	cfg := &AuthConfig{Secret: testSecret, Issuer: "studio-auth"}

	token, err := GenerateToken(testSecret, "studio-auth", "u1", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := cfg.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("subject = %q", claims.Subject)
	}

	expired, _ := GenerateToken(testSecret, "studio-auth", "u1", -time.Minute)
	if _, err := cfg.ValidateToken(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}

	wrongIssuer, _ := GenerateToken(testSecret, "someone-else", "u1", time.Hour)
	if _, err := cfg.ValidateToken(wrongIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: expected ErrInvalidToken, got %v", err)
	}

	forged, _ := GenerateToken([]byte("another-secret-another-secret-xx"), "studio-auth", "u1", time.Hour)
	if _, err := cfg.ValidateToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged token: expected ErrInvalidToken, got %v", err)
	}

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "studio-auth"},
	}).SignedString(testSecret)
	if _, err := cfg.ValidateToken(noSubject); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing subject: expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &AuthConfig{Secret: testSecret}
	var seen string
	h := Auth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["code"] != "UNAUTHENTICATED" {
			t.Fatalf("code = %v", body["code"])
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token, _ := GenerateToken(testSecret, "", "u42", time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if seen != "u42" {
			t.Fatalf("user id = %q, want u42", seen)
		}
	})

	t.Run("whitelisted path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
	})
}

func TestClientIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.5")
	if got := ClientIPFromRequest(req); got != "203.0.113.7" {
		t.Fatalf("behind private proxy = %q", got)
	}

	req.RemoteAddr = "198.51.100.9:1234"
	if got := ClientIPFromRequest(req); got != "198.51.100.9" {
		t.Fatalf("spoofed header from public peer = %q", got)
	}
}
