// Package auth provides an optional HS256 bearer-token guard for mutating
// routes.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/treemirror/internal/metrics"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Issuer is the iss claim of every token issued here.
const Issuer = "treemirror"

// DefaultTTL is the lifetime of a token when none is given.
const DefaultTTL = 30 * 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	jwt.RegisteredClaims
}

// Guard validates bearer tokens signed with a shared secret. A Guard with
// an empty secret lets every request through.
type Guard struct {
	secret []byte
}

// New creates a Guard for the given secret.
func New(secret string) *Guard {
	return &Guard{secret: []byte(secret)}
}

// Enabled reports whether requests are checked.
func (g *Guard) Enabled() bool {
	return len(g.secret) > 0
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := g.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// IssueToken signs a token for subject. A zero ttl means DefaultTTL.
func (g *Guard) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if !g.Enabled() {
		return "", time.Time{}, errors.New("no signing secret configured")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (g *Guard) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for EventSource and WebSocket clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
