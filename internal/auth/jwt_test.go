package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantSubject != "" {
			claims := GetClaims(r.Context())
			require.NotNil(t, claims)
			assert.Equal(t, wantSubject, claims.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestDisabledGuardPassesThrough(t *testing.T) {
	g := New("")
	assert.False(t, g.Enabled())

	rec := httptest.NewRecorder()
	g.Middleware(okHandler(t, "")).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, _, err := g.IssueToken("alice", time.Hour)
	assert.Error(t, err)
}

func TestIssueAndValidate(t *testing.T) {
	g := New("s3cret")
	token, exp, err := g.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler(t, "alice")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Query parameter fallback
	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec = httptest.NewRecorder()
	g.Middleware(okHandler(t, "alice")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDefaultTTL(t *testing.T) {
	_, exp, err := New("k").IssueToken("bob", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), exp, 5*time.Second)

	_, _, err = New("k").IssueToken("", 0)
	assert.Error(t, err)
}

func TestRejectedTokens(t *testing.T) {
	g := New("s3cret")
	other, _, err := New("different").IssueToken("mallory", time.Hour)
	require.NoError(t, err)

	expiredClaims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice",
		Issuer:  Issuer,
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "Bearer not-a-token"},
		{"wrong secret", "Bearer " + other},
		{"expired", "Bearer " + expired},
		{"no expiry", "Bearer " + noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			g.Middleware(okHandler(t, "")).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
