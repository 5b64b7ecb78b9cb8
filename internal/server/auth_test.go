package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerAuth(t *testing.T) {
	secret := "s3cret"
	h, _, _ := setupRouter(t, "/api", WithJWTSecret(secret), WithMetrics(true))

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/services", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/services", "not-a-jwt"))

	good, err := IssueToken([]byte(secret), "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get("/api/services", good))
	assert.Equal(t, http.StatusOK, get("/api/alerts?access_token="+good, ""))

	wrongKey, err := IssueToken([]byte("other"), "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get("/api/services", wrongKey))

	expired, err := IssueToken([]byte(secret), "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get("/api/services", expired))

	// metrics stay open for scrapers
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
}

func TestParseTokenRejectsNonHMAC(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = parseToken([]byte("k"), raw)
	assert.Error(t, err)

	claims, err := parseToken([]byte("k"), mustToken(t, "k", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func mustToken(t *testing.T, secret, sub string) string {
	t.Helper()
	s, err := IssueToken([]byte(secret), sub, time.Minute)
	require.NoError(t, err)
	return s
}
