package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capstan/internal/config"
)

func signToken(t *testing.T, secret string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func protectedEndpoint(t *testing.T, secret string) http.Handler {
	t.Helper()

	cfg := &config.Config{JWTSecret: secret}
	mw := New()
	mw.Use(JWT(cfg))

	return mw.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestJWTAllowsValidToken(t *testing.T) {
	handler := protectedEndpoint(t, "test-secret")

	r := httptest.NewRequest(http.MethodPost, "/projects", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	handler := protectedEndpoint(t, "test-secret")

	r := httptest.NewRequest(http.MethodPost, "/projects", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	handler := protectedEndpoint(t, "test-secret")

	r := httptest.NewRequest(http.MethodPost, "/projects", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	handler := protectedEndpoint(t, "test-secret")

	r := httptest.NewRequest(http.MethodPost, "/projects", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsMalformedToken(t *testing.T) {
	handler := protectedEndpoint(t, "test-secret")

	r := httptest.NewRequest(http.MethodPost, "/projects", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
