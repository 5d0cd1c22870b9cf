// Package middleware holds the HTTP middleware of the studio server.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/logger"
	commonresp "github.com/backdrop/studio/pkg/response"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims issued by the auth backend. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret         []byte
	Issuer         string
	WhitelistPaths map[string]struct{}
}

var defaultWhitelist = map[string]struct{}{
	"/health":  {},
	"/live":    {},
	"/ready":   {},
	"/metrics": {},
}

// ValidateToken verifies an HS256 token and returns its claims.
func (c *AuthConfig) ValidateToken(tokenString string) (*Claims, error) {
	if c == nil || len(c.Secret) == 0 {
		return nil, fmt.Errorf("%w: auth not configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserIDFromToken verifies a raw token and returns its subject.
func (c *AuthConfig) UserIDFromToken(tokenString string) (string, error) {
	claims, err := c.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GenerateToken signs a token for userID. Used by local tooling and tests.
func GenerateToken(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ExtractToken reads "Bearer <token>" or a bare token from an Authorization header.
func ExtractToken(authHeader string) (string, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return "", ErrMissingToken
	}
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1], nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "", ErrInvalidToken
}

// Auth rejects requests without a valid bearer token and stores the user id in the context.
func Auth(cfg *AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWhitelistedPath(r.URL.Path, cfg) {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := ExtractToken(r.Header.Get("Authorization"))
			if err != nil {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "missing or malformed authorization header")
				return
			}
			userID, err := cfg.UserIDFromToken(raw)
			if err != nil {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

type contextKey string

const userIDKey contextKey = "userID"

// ContextWithUserID stores the authenticated user for handlers and log lines.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return logger.ContextWithUserID(ctx, userID)
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientIPFromRequest returns the peer address, honoring X-Forwarded-For only behind a private proxy.
func ClientIPFromRequest(r *http.Request) string {
	clientIP := remoteIPFromAddr(r.RemoteAddr)
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" || !isLikelyTrustedProxyIP(clientIP) {
		return clientIP
	}
	if idx := strings.IndexByte(xff, ','); idx >= 0 {
		xff = xff[:idx]
	}
	if xff = strings.TrimSpace(xff); xff == "" {
		return clientIP
	}
	return xff
}

func isWhitelistedPath(path string, cfg *AuthConfig) bool {
	if cfg != nil && cfg.WhitelistPaths != nil {
		_, ok := cfg.WhitelistPaths[path]
		return ok
	}
	_, ok := defaultWhitelist[path]
	return ok
}

func remoteIPFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}

// isLikelyTrustedProxyIP treats loopback and private ranges as proxies.
func isLikelyTrustedProxyIP(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
