package access_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-tech/basin/core/access"
)

const secret = "test-secret"

func newRouter(t *testing.T, captured **access.Principal) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{Secret: secret}))
	router.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		*captured = access.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

func token(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func probe(router *mux.Router, bearer string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func TestNoTokenIsAnonymous(t *testing.T) {
	var principal *access.Principal
	router := newRouter(t, &principal)

	rec := probe(router, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, principal)
}

func TestValidToken(t *testing.T) {
	var principal *access.Principal
	router := newRouter(t, &principal)

	bearer := token(t, jwt.MapClaims{
		"sub":        "u1",
		"collection": "users",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}, secret)

	rec := probe(router, bearer)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "u1", principal.ID)
	assert.Equal(t, "users", principal.Collection)
}

func TestInvalidToken(t *testing.T) {
	var principal *access.Principal
	router := newRouter(t, &principal)

	rec := probe(router, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey := token(t, jwt.MapClaims{"sub": "u1"}, "other-secret")
	rec = probe(router, wrongKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := token(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, secret)
	rec = probe(router, expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
